package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/agentworkforce/relaydoc/internal/devserver"
	"github.com/agentworkforce/relaydoc/internal/docsync"
	"github.com/agentworkforce/relaydoc/internal/mirror"
)

func newCreateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "new",
		Short: "Create an empty document and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := a.setup(cmd)
			if err != nil {
				return err
			}
			defer rt.close()
			id, err := rt.client.CreateDocument(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

func newShowCommand(a *app) *cobra.Command {
	var cached, asJSON bool
	cmd := &cobra.Command{
		Use:   "show DOCUMENT_ID",
		Short: "Print a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.setup(cmd)
			if err != nil {
				return err
			}
			defer rt.close()
			ctx := cmd.Context()

			var doc docsync.DocumentSnapshot
			if cached {
				if rt.store == nil {
					return errors.New("--cached needs a snapshot cache (--cache or RELAYDOC_CACHE_DSN)")
				}
				var ok bool
				doc, ok, err = rt.store.Load(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("document %s is not cached", args[0])
				}
			} else {
				doc, err = rt.client.GetDocument(ctx, args[0])
				if err != nil {
					return err
				}
				if rt.store != nil {
					if err := rt.store.Save(ctx, doc); err != nil {
						rt.logger.Warn(ctx, "snapshot cache write failed", "documentId", doc.DocumentID, "error", err)
					}
				}
			}
			return printDocument(cmd, doc, asJSON)
		},
	}
	cmd.Flags().BoolVar(&cached, "cached", false, "read the last snapshot from the cache instead of the server")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the snapshot as JSON")
	return cmd
}

func printDocument(cmd *cobra.Command, doc docsync.DocumentSnapshot, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		return enc.Encode(doc)
	}
	fmt.Fprintf(out, "# %s\n", doc.Title)
	fmt.Fprintf(out, "id: %s  author: %s  editors: %s\n", doc.DocumentID, doc.AuthorID, strings.Join(doc.Editors, ","))
	if !doc.UpdatedAt.IsZero() {
		fmt.Fprintf(out, "updated: %s\n", doc.UpdatedAt.Format(time.RFC3339))
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, doc.Content)
	return nil
}

func newEditCommand(a *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "edit DOCUMENT_ID",
		Short: "Mirror a document to a local file and sync edits both ways until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(file) == "" {
				return errors.New("--file is required")
			}
			rt, err := a.setup(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, unix.SIGTERM)
			defer stop()
			ctx, cancel := context.WithCancelCause(ctx)
			defer cancel(nil)

			m, err := mirror.New(file, rt.logger)
			if err != nil {
				return err
			}
			logger := rt.logger.With("documentId", args[0])

			opts := rt.sessionOptions()
			opts.OnContentChange = func(content string) {
				if err := m.WriteRemote(content); err != nil {
					logger.Warn(ctx, "mirror write failed", "error", err)
				}
			}
			opts.OnSaveState = func(state docsync.SaveState) {
				if label := state.Label(); label != "" {
					logger.Info(ctx, label)
				}
			}
			opts.OnConnectionState = func(state docsync.ConnectionState) {
				logger.Debug(ctx, "connection", "state", state.String())
			}
			opts.OnFatal = func(err error) {
				logger.Error(ctx, "live updates unavailable", "error", err)
			}
			opts.OnSignOut = func() {
				cancel(docsync.ErrSessionExpired)
			}

			session, err := docsync.Open(ctx, args[0], opts)
			if err != nil {
				return err
			}
			logger.Info(ctx, "editing", "file", m.Path(), "title", session.Title())

			runErr := m.Run(ctx, session)
			session.Flush()
			session.Close()

			if cause := context.Cause(ctx); errors.Is(cause, docsync.ErrSessionExpired) {
				return fmt.Errorf("signed out: %w", cause)
			}
			if runErr != nil && !errors.Is(runErr, context.Canceled) {
				return runErr
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "local file to mirror the document into")
	return cmd
}

func newRenameCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rename DOCUMENT_ID TITLE",
		Short: "Change a document title",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := docsync.ValidateTitle(args[1]); err != nil {
				return err
			}
			rt, err := a.setup(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			doc, err := rt.client.PatchDocument(cmd.Context(), args[0], docsync.TitlePatch(args[1]))
			if err != nil {
				return err
			}
			if rt.store != nil {
				if err := rt.store.Save(cmd.Context(), doc); err != nil {
					rt.logger.Warn(cmd.Context(), "snapshot cache write failed", "documentId", doc.DocumentID, "error", err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "renamed %s to %q\n", doc.DocumentID, doc.Title)
			return nil
		},
	}
}

func newTokenCommand(a *app) *cobra.Command {
	var secret, subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development access token for a relaydoc dev server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				secret = a.getenv("RELAYDOC_JWT_SECRET")
			}
			if secret == "" {
				secret = "dev-secret"
			}
			token, err := devserver.IssueToken(secret, subject, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "HS256 secret (env RELAYDOC_JWT_SECRET, default dev-secret)")
	cmd.Flags().StringVar(&subject, "subject", "", "user id placed in the sub claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaydoc/internal/config"
	"github.com/agentworkforce/relaydoc/internal/docsync"
	"github.com/agentworkforce/relaydoc/internal/logging"
	"github.com/agentworkforce/relaydoc/internal/snapshotstore"
)

var version = "dev"

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "relaydoc-edit",
		Short:         "Open, show and live-edit relaydoc documents",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(
		newCreateCommand(a),
		newShowCommand(a),
		newEditCommand(a),
		newRenameCommand(a),
		newTokenCommand(a),
	)
	return root
}

// deps is what every document command needs once configuration is
// resolved.
type deps struct {
	cfg         config.Config
	logger      logging.Logger
	metrics     *docsync.Metrics
	credentials *docsync.Supplier
	client      *docsync.HTTPClient
	store       snapshotstore.Store
	httpClient  *http.Client

	metricsServer *http.Server
}

func (a *app) setup(cmd *cobra.Command) (*deps, error) {
	cfg, err := config.LoadWithFlags(cmd.Flags(), a.getenv)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(a.stderr, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Auth.AccessToken) == "" && strings.TrimSpace(cfg.Auth.RefreshToken) == "" {
		return nil, errors.New("an access token is required (--token or RELAYDOC_ACCESS_TOKEN)")
	}

	rt := &deps{
		cfg:        cfg,
		logger:     logger,
		httpClient: &http.Client{Timeout: cfg.Sync.SaveTimeout.Std()},
	}

	registry := prometheus.NewRegistry()
	rt.metrics = docsync.NewMetrics(registry)
	if cfg.Metrics.Addr != "" {
		if err := rt.serveMetrics(registry); err != nil {
			return nil, err
		}
	}

	var provider docsync.IdentityProvider
	if cfg.Auth.RefreshToken != "" {
		provider = docsync.NewRefreshProvider(cfg.Server.BaseURL, cfg.Auth.AccessToken, cfg.Auth.RefreshToken, rt.httpClient)
	} else {
		provider = docsync.NewStaticProvider(cfg.Auth.AccessToken)
	}
	rt.credentials = docsync.NewSupplier(provider, docsync.SupplierOptions{Logger: logger})
	rt.client = docsync.NewHTTPClient(cfg.Server.BaseURL, rt.credentials, docsync.HTTPClientOptions{
		HTTPClient: rt.httpClient,
		Logger:     logger,
	})

	rt.store, err = snapshotstore.Open(cfg.Cache.DSN)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("open snapshot cache: %w", err)
	}
	return rt, nil
}

func (rt *deps) serveMetrics(registry *prometheus.Registry) error {
	ln, err := net.Listen("tcp", rt.cfg.Metrics.Addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	rt.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := rt.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Warn(context.Background(), "metrics server stopped", "error", err)
		}
	}()
	rt.logger.Info(context.Background(), "serving metrics", "addr", ln.Addr().String())
	return nil
}

func (rt *deps) close() {
	if rt.store != nil {
		_ = rt.store.Close()
	}
	if rt.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = rt.metricsServer.Shutdown(ctx)
	}
}

func (rt *deps) sessionOptions() docsync.SessionOptions {
	return docsync.SessionOptions{
		Client:            rt.client,
		Credentials:       rt.credentials,
		SocketURL:         rt.cfg.SocketURL(),
		Store:             rt.store,
		Logger:            rt.logger,
		Metrics:           rt.metrics,
		ContentQuiet:      rt.cfg.Sync.ContentQuiet.Std(),
		TitleQuiet:        rt.cfg.Sync.TitleQuiet.Std(),
		ReconnectInterval: rt.cfg.Sync.ReconnectInterval.Std(),
		SavedDisplay:      rt.cfg.Sync.SavedDisplay.Std(),
		SaveTimeout:       rt.cfg.Sync.SaveTimeout.Std(),
		Notifier: docsync.NotifierFunc(func(ctx context.Context, n docsync.Notification) {
			switch n.Type {
			case docsync.NotificationError:
				rt.logger.Warn(ctx, n.Message)
			default:
				rt.logger.Info(ctx, n.Message)
			}
		}),
	}
}

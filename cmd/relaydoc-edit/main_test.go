package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/relaydoc/internal/devserver"
	"github.com/agentworkforce/relaydoc/internal/docsync"
)

const testSecret = "cli-test-secret"

func newTestServer(t *testing.T) (*devserver.Server, *httptest.Server) {
	t.Helper()
	srv := devserver.New(devserver.Config{JWTSecret: testSecret})
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

func runCLI(ctx context.Context, env map[string]string, args ...string) (string, error) {
	stdout, _, err := runCLIWithStderr(ctx, env, args...)
	return stdout, err
}

func runCLIWithStderr(ctx context.Context, env map[string]string, args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	a := &app{
		stdout: &stdout,
		stderr: &stderr,
		getenv: func(key string) string { return env[key] },
	}
	root := newRootCommand(a)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func mintToken(t *testing.T, subject string) string {
	t.Helper()
	out, err := runCLI(context.Background(), map[string]string{"RELAYDOC_JWT_SECRET": testSecret}, "token", "--subject", subject)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return strings.TrimSpace(out)
}

func clientEnv(ts *httptest.Server, token string) map[string]string {
	return map[string]string{
		"RELAYDOC_BASE_URL":     ts.URL,
		"RELAYDOC_ACCESS_TOKEN": token,
		"RELAYDOC_LOG_LEVEL":    "error",
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestCreateShowAndRename(t *testing.T) {
	srv, ts := newTestServer(t)
	env := clientEnv(ts, mintToken(t, "alice"))
	ctx := context.Background()

	out, err := runCLI(ctx, env, "new")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	id := strings.TrimSpace(out)
	doc, ok := srv.Document(id)
	if !ok {
		t.Fatalf("expected server to hold document %q", id)
	}
	if doc.AuthorID != "alice" {
		t.Fatalf("expected author alice, got %q", doc.AuthorID)
	}

	if _, err := runCLI(ctx, env, "rename", id, "Meeting notes"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	out, err = runCLI(ctx, env, "show", id)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.HasPrefix(out, "# Meeting notes\n") {
		t.Fatalf("unexpected show output:\n%s", out)
	}
}

func TestRenameWarnsWhenCacheWriteFails(t *testing.T) {
	srv, ts := newTestServer(t)
	env := clientEnv(ts, mintToken(t, "alice"))
	env["RELAYDOC_LOG_LEVEL"] = "warn"
	blocked := filepath.Join(t.TempDir(), "cache")
	if err := os.WriteFile(blocked, []byte("not a directory"), 0o644); err != nil {
		t.Fatal(err)
	}
	env["RELAYDOC_CACHE_DSN"] = "file://" + blocked

	srv.Put(docsync.DocumentSnapshot{DocumentID: "doc-1", Title: "Draft", Content: "<p>x</p>", AuthorID: "alice"})
	out, stderr, err := runCLIWithStderr(context.Background(), env, "rename", "doc-1", "Final")
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if !strings.Contains(out, `renamed doc-1 to "Final"`) {
		t.Fatalf("unexpected rename output:\n%s", out)
	}
	if !strings.Contains(stderr, "snapshot cache write failed") {
		t.Fatalf("expected cache warning on stderr, got:\n%s", stderr)
	}
}

func TestRenameRejectsInvalidTitleLocally(t *testing.T) {
	_, err := runCLI(context.Background(), nil, "rename", "doc-1", strings.Repeat("t", 101))
	if err == nil || !strings.Contains(err.Error(), "100 characters") {
		t.Fatalf("expected title length error, got %v", err)
	}
}

func TestShowCachedReadsSnapshotStore(t *testing.T) {
	srv, ts := newTestServer(t)
	srv.Put(docsync.DocumentSnapshot{DocumentID: "doc-1", Title: "Cached", Content: "<p>kept</p>", AuthorID: "alice"})
	env := clientEnv(ts, mintToken(t, "alice"))
	env["RELAYDOC_CACHE_DSN"] = "file://" + t.TempDir()
	ctx := context.Background()

	if _, err := runCLI(ctx, env, "show", "doc-1", "--cached"); err == nil {
		t.Fatalf("expected cache miss before the first fetch")
	}
	if _, err := runCLI(ctx, env, "show", "doc-1"); err != nil {
		t.Fatalf("show: %v", err)
	}

	srv.Close()
	ts.Close()
	out, err := runCLI(ctx, env, "show", "doc-1", "--cached", "--json")
	if err != nil {
		t.Fatalf("show --cached: %v", err)
	}
	if !strings.Contains(out, `"content": "<p>kept</p>"`) {
		t.Fatalf("expected cached content in output:\n%s", out)
	}
}

func TestShowCachedRequiresCache(t *testing.T) {
	_, ts := newTestServer(t)
	_, err := runCLI(context.Background(), clientEnv(ts, "tok"), "show", "doc-1", "--cached")
	if err == nil || !strings.Contains(err.Error(), "snapshot cache") {
		t.Fatalf("expected missing cache error, got %v", err)
	}
}

func TestCommandsRequireToken(t *testing.T) {
	_, ts := newTestServer(t)
	_, err := runCLI(context.Background(), map[string]string{"RELAYDOC_BASE_URL": ts.URL}, "new")
	if err == nil || !strings.Contains(err.Error(), "access token") {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	_, ts := newTestServer(t)
	env := clientEnv(ts, "not-a-valid-token")
	_, err := runCLI(context.Background(), env, "new")
	if err == nil {
		t.Fatalf("expected env token to be rejected")
	}
	out, err := runCLI(context.Background(), env, "new", "--token", mintToken(t, "bob"))
	if err != nil {
		t.Fatalf("new with --token: %v", err)
	}
	if strings.TrimSpace(out) == "" {
		t.Fatalf("expected a document id")
	}
}

func TestEditMirrorsFileUntilCanceled(t *testing.T) {
	srv, ts := newTestServer(t)
	srv.Put(docsync.DocumentSnapshot{DocumentID: "doc-1", Title: "Draft", Content: "<p>start</p>", AuthorID: "alice"})
	env := clientEnv(ts, mintToken(t, "alice"))
	env["RELAYDOC_CONTENT_QUIET"] = "0.05"
	env["RELAYDOC_RECONNECT_INTERVAL"] = "50ms"
	path := filepath.Join(t.TempDir(), "doc.html")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := runCLI(ctx, env, "edit", "doc-1", "--file", path)
		done <- err
	}()

	waitFor(t, 2*time.Second, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && string(data) == "<p>start</p>"
	})
	waitFor(t, 2*time.Second, func() bool { return srv.Subscribers("doc-1") == 1 })

	waitFor(t, 3*time.Second, func() bool {
		if doc, _ := srv.Document("doc-1"); doc.Content == "<p>from disk</p>" {
			return true
		}
		_ = os.WriteFile(path, []byte("<p>from disk</p>"), 0o644)
		return false
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("edit returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("edit did not stop after cancel")
	}
}

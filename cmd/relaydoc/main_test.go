package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentworkforce/relaydoc/internal/devserver"
)

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("RELAYDOC_TEST_INT_BAD", "not-a-number")
	if got := intEnv("RELAYDOC_TEST_INT_BAD", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
	t.Setenv("RELAYDOC_TEST_INT", "42")
	if got := intEnv("RELAYDOC_TEST_INT", 7); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestInt64EnvParsesValue(t *testing.T) {
	t.Setenv("RELAYDOC_TEST_INT64", "1048576")
	if got := int64Env("RELAYDOC_TEST_INT64", 1); got != 1<<20 {
		t.Fatalf("expected 1048576, got %d", got)
	}
}

func TestDurationEnv(t *testing.T) {
	t.Setenv("RELAYDOC_TEST_DURATION", "150ms")
	if got := durationEnv("RELAYDOC_TEST_DURATION", time.Second); got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
	t.Setenv("RELAYDOC_TEST_DURATION_BAD", "soon")
	if got := durationEnv("RELAYDOC_TEST_DURATION_BAD", 2*time.Second); got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
	_ = os.Unsetenv("RELAYDOC_TEST_DURATION_UNSET")
	if got := durationEnv("RELAYDOC_TEST_DURATION_UNSET", 3*time.Second); got != 3*time.Second {
		t.Fatalf("expected fallback 3s, got %s", got)
	}
}

func TestHandlerServesMetricsAndDocuments(t *testing.T) {
	registry := prometheus.NewRegistry()
	server := devserver.New(devserver.Config{Metrics: devserver.NewMetrics(registry)})
	ts := httptest.NewServer(newHandler(server, registry))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/documents/doc-1")
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `relaydoc_devserver_requests_total{code="401",route="get_document"} 1`) {
		t.Fatalf("expected request counter in metrics output, got:\n%s", body)
	}
}

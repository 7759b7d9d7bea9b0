package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sys/unix"

	"github.com/agentworkforce/relaydoc/internal/devserver"
	"github.com/agentworkforce/relaydoc/internal/logging"
)

func main() {
	addr := os.Getenv("RELAYDOC_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	logger, err := logging.New(os.Stderr, os.Getenv("RELAYDOC_LOG_LEVEL"), os.Getenv("RELAYDOC_LOG_FORMAT"))
	if err != nil {
		log.Fatalf("invalid logging config: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	server := devserver.New(devserver.Config{
		JWTSecret:    os.Getenv("RELAYDOC_JWT_SECRET"),
		AccessTTL:    durationEnv("RELAYDOC_ACCESS_TTL", 15*time.Minute),
		PingInterval: durationEnv("RELAYDOC_PING_INTERVAL", 25*time.Second),
		WriteTimeout: durationEnv("RELAYDOC_WRITE_TIMEOUT", 10*time.Second),
		MaxBodyBytes: int64Env("RELAYDOC_MAX_BODY_BYTES", 0),
		Logger:       logger,
		Metrics:      devserver.NewMetrics(registry),
	})

	if subject := strings.TrimSpace(os.Getenv("RELAYDOC_DEV_SUBJECT")); subject != "" {
		access, refresh, err := server.IssueSession(subject)
		if err != nil {
			log.Fatalf("failed to issue development session: %v", err)
		}
		log.Printf("development session for %s\n  RELAYDOC_ACCESS_TOKEN=%s\n  RELAYDOC_REFRESH_TOKEN=%s", subject, access, refresh)
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           newHandler(server, registry),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), intDurationSeconds(intEnv("RELAYDOC_SHUTDOWN_SECONDS", 5)))
		defer cancel()
		server.Close()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("relaydoc listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
}

// newHandler mounts the document server with /metrics alongside it.
func newHandler(server http.Handler, gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/", server)
	return mux
}

func intDurationSeconds(n int) time.Duration {
	if n <= 0 {
		n = 5
	}
	return time.Duration(n) * time.Second
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

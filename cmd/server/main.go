package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/securegate/internal/config"
	"github.com/ocx/securegate/internal/eventloop"
	"github.com/ocx/securegate/internal/gateway"
	"github.com/ocx/securegate/internal/logging"
	"github.com/ocx/securegate/internal/metrics"
	"github.com/ocx/securegate/internal/workerpool"
	"github.com/ocx/securegate/internal/wire"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	port := flag.Int("port", 0, "listening port (overrides config)")
	workers := flag.Int("workers", 0, "worker pool size, 0 = auto (overrides config)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus HTTP listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "securegate: load config: %v\n", err)
		return 1
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *workers != 0 {
		cfg.Server.WorkerCount = *workers
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}

	logging.Init(cfg.Logging.Level, cfg.Logging.HistorySize)
	defer logging.Shutdown()

	m := metrics.New()
	pool := workerpool.New(cfg.Server.WorkerCount)
	loop, err := eventloop.New(pool)
	if err != nil {
		slog.Error("failed to create event loop", "error", err)
		return 1
	}

	srv := gateway.NewServer(cfg, pool, loop, m)
	registerEndpoints(srv, m)

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Addr)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("server exited", "error", err)
			return 1
		}
	case sig := <-sigCh:
		slog.Info("received signal, shutting down gracefully", "signal", sig.String())
		if err := srv.Stop(true); err != nil {
			slog.Error("graceful shutdown failed", "error", err)
			return 1
		}
	}
	return 0
}

// registerEndpoints wires the server's default handlers. A real deployment
// would register its own application handlers here; PING-type headers are
// echoed automatically by internal/gateway whatever their path, so this is
// currently just the built-in /echo reference handler, the path
// cmd/loadclient calls by default.
func registerEndpoints(srv *gateway.Server, m *metrics.Metrics) {
	srv.SetEndpoint("/echo", func(s *gateway.Server, ctx *gateway.Context, header wire.Header, body []byte) {
		if err := ctx.SendMessage(body); err != nil {
			slog.Warn("failed to echo response", "connection_id", ctx.ID(), "error", err)
		}
	})
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	slog.Info("metrics endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("metrics server failed", "error", err)
	}
}

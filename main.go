package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goldfiglabs/rds-iamauth-proxy/proxy"
)

func main() {
	configPath := flag.String("config", defaultConfigPath(), "Path to the YAML config file")
	logLevel := flag.String("log-level", envOr("PGTOKENPROXY_LOG_LEVEL", "info"), "Log level")
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "rds-iamauth-proxy",
		Level:      hclog.LevelFromString(*logLevel),
		Output:     os.Stderr,
		JSONFormat: true,
		Color:      hclog.ColorOff,
	})

	cfg, err := proxy.LoadConfig(*configPath)
	if err != nil {
		logger.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	if cfg.Metrics.Enabled {
		go exposeMetrics(cfg, logger)
	}

	server, err := proxy.NewServer(logger, cfg)
	if err != nil {
		logger.Error("Failed to initialize server", "error", err)
		os.Exit(1)
	}

	errc := make(chan error, 1)
	go func() {
		errc <- server.ListenAndServe()
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		if err != nil {
			// Bind-time failure: terminate before any connection was served.
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	case sig := <-sigc:
		logger.Info("Shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Warn("Shutdown ended before all sessions drained", "error", err)
		}
	}
}

func exposeMetrics(cfg *proxy.Config, logger hclog.Logger) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Endpoint, promhttp.Handler())
	srv := &http.Server{
		Addr:              cfg.Metrics.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("Exposing metrics", "address", cfg.Metrics.ListenAddress, "endpoint", cfg.Metrics.Endpoint)
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("Metrics server stopped", "error", err)
	}
}

func defaultConfigPath() string {
	return envOr("PGTOKENPROXY_CONFIG", "proxy.yaml")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

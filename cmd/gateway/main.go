// Command gateway runs the edge gateway: it dispatches inbound HTTP
// requests to backend clusters with authentication, rate limiting, health
// probing, and circuit breaking, and serves admin endpoints for health
// and metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fieldsight/gateway/internal/config"
	"github.com/fieldsight/gateway/internal/gateway"
	"github.com/fieldsight/gateway/internal/health"
	"github.com/fieldsight/gateway/internal/observability"
)

const (
	defaultConfigPath     = "configs/gateway.yaml"
	defaultAdminAddress   = ":9090"
	defaultShutdownWindow = 15 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", envOr("GATEWAY_CONFIG", defaultConfigPath), "path to the configuration file")
		logLevel   = flag.String("log-level", envOr("GATEWAY_LOG_LEVEL", ""), "log level override (debug, info, warn, error)")
		logFormat  = flag.String("log-format", envOr("GATEWAY_LOG_FORMAT", ""), "log format override (json, console)")
	)
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := buildLogger(cfg, *logLevel, *logFormat)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	observability.SetGlobalLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:  "gateway",
		OTLPEndpoint: cfg.Observability.OTLPEndpoint,
		SamplingRate: cfg.Observability.TracingSampleRate,
		Enabled:      cfg.Observability.TracingEnabled,
	})
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}

	metrics := observability.NewMetrics("gateway")

	gw, err := gateway.New(ctx, cfg,
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics),
	)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	if err := gw.Start(ctx); err != nil {
		return err
	}

	adminServer := startAdmin(cfg, gw, metrics, logger)

	watcher, err := config.NewWatcher(*configPath, func(next *config.GatewayConfig) {
		if err := gw.Reload(next); err != nil {
			logger.Error("reload failed", observability.Error(err))
		}
	}, config.WithWatcherLogger(logger))
	if err != nil {
		return fmt.Errorf("init config watcher: %w", err)
	}
	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownWindow := cfg.Listener.ShutdownTimeout.Duration()
	if shutdownWindow == 0 {
		shutdownWindow = defaultShutdownWindow
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWindow)
	defer cancel()

	if err := watcher.Stop(); err != nil {
		logger.Error("config watcher stop failed", observability.Error(err))
	}
	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("admin server shutdown failed", observability.Error(err))
		}
	}
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("gateway shutdown failed", observability.Error(err))
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown failed", observability.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// buildLogger derives the logger from config with flag overrides.
func buildLogger(cfg *config.GatewayConfig, level, format string) (observability.Logger, error) {
	logCfg := observability.DefaultLogConfig()
	if cfg.Observability.LogLevel != "" {
		logCfg.Level = cfg.Observability.LogLevel
	}
	if cfg.Observability.LogFormat != "" {
		logCfg.Format = cfg.Observability.LogFormat
	}
	if level != "" {
		logCfg.Level = level
	}
	if format != "" {
		logCfg.Format = format
	}
	return observability.NewLogger(logCfg)
}

// startAdmin serves health and metrics endpoints on the admin listener,
// away from proxied traffic.
func startAdmin(cfg *config.GatewayConfig, gw *gateway.Gateway, metrics *observability.Metrics, logger observability.Logger) *http.Server {
	mux := http.NewServeMux()

	checker := health.NewChecker(gw, health.WithCheckerLogger(logger))
	checker.Register(mux)

	if cfg.Observability.MetricsEnabled {
		mux.Handle("/metrics", metrics.Handler())
	}

	addr := cfg.Observability.MetricsAddress
	if addr == "" {
		addr = defaultAdminAddress
	}

	server := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: time.Minute,
	}

	logger.Info("admin endpoints listening", observability.String("address", addr))

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server failed", observability.Error(err))
		}
	}()

	return server
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

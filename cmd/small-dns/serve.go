package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"small-dns/pkg/allowlist"
	"small-dns/pkg/cache"
	"small-dns/pkg/config"
	"small-dns/pkg/dns"
	"small-dns/pkg/logging"
	"small-dns/pkg/ratelimit"
	"small-dns/pkg/storage"
	"small-dns/pkg/telemetry"

	"github.com/spf13/cobra"
)

const retentionInterval = time.Hour

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the DNS server until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, *configPath)
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	watcher, err := config.NewWatcher(configPath, logging.Global().Logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	defer func() { _ = watcher.Close() }()
	cfg := watcher.Config()

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logging.SetGlobal(logger)

	logger.Info("small-dns starting",
		"version", version,
		"build_time", buildTime,
		"config", configPath,
	)

	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	metrics, err := telem.InitMetrics()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	resolver, err := allowlist.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("invalid allowlist: %w", err)
	}
	logger.Info("Allowlist loaded", "domains", resolver.Len())

	responseCache, err := cache.NewSharded(&cfg.Cache, logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}

	limiter := ratelimit.NewManager(&cfg.RateLimit, logger)
	defer limiter.Stop()
	if limiter == nil {
		logger.Info("Rate limiting disabled")
	}

	store, err := storage.New(&cfg.Storage, logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to open query log: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Error closing query log", "error", err)
		}
	}()

	handler := dns.NewHandler(cfg, resolver)
	handler.SetLogger(logger)
	handler.SetMetrics(metrics)
	handler.SetCache(responseCache)
	handler.SetRateLimiter(limiter)
	handler.SetIngress(ratelimit.NewIngress(cfg.Server.MaxPacketsPerSecond))
	handler.SetStorage(store)

	server := dns.NewServer(&cfg.Server, handler, logger)

	watcher.OnChange(func(old, updated *config.Config) {
		if old.Logging.Level != updated.Logging.Level {
			logger.SetLevel(updated.Logging.Level)
			logger.Info("Log level changed", "level", updated.Logging.Level)
		}
		if sections := config.RestartRequired(old, updated); len(sections) > 0 {
			logger.Warn("Config changes take effect after restart", "sections", sections)
		}
	})

	bgCtx, cancelBackground := context.WithCancel(ctx)
	defer cancelBackground()

	go func() {
		if err := watcher.Start(bgCtx); err != nil {
			logger.Error("Config watcher stopped", "error", err)
		}
	}()
	if cfg.Storage.Enabled {
		go storage.RunRetention(bgCtx, store, cfg.Storage.RetentionDays, retentionInterval, logger)
	}

	serveErr := server.Start(ctx)
	if serveErr != nil {
		logger.Error("Server error", "error", serveErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", "error", err)
	}
	if err := telem.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during telemetry shutdown", "error", err)
	}

	logger.Info("small-dns stopped")
	return serveErr
}

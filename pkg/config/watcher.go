package config

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the configuration file and reloads it on change.
// Only settings that can change safely at runtime are applied by callers;
// see RestartRequired.
type Watcher struct {
	path     string
	cfg      *Config
	mu       sync.RWMutex
	watcher  *fsnotify.Watcher
	onChange func(old, updated *Config)
	logger   *slog.Logger
}

// NewWatcher creates a new configuration file watcher
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}

	return &Watcher{
		path:    path,
		cfg:     cfg,
		watcher: watcher,
		logger:  logger,
	}, nil
}

// Config returns the current configuration (thread-safe)
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// OnChange registers a callback invoked after every successful reload.
func (w *Watcher) OnChange(fn func(old, updated *Config)) {
	w.onChange = fn
}

// Start begins watching the configuration file for changes
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("Starting config file watcher", "path", w.path)

	// Editors often write several times in a row
	debounceTimer := time.NewTimer(0)
	debounceTimer.Stop()
	const debounceDelay = 100 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Config watcher stopped")
			return w.watcher.Close()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				debounceTimer.Reset(debounceDelay)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("Config watcher error", "error", err)

		case <-debounceTimer.C:
			old := w.Config()
			if err := w.reload(); err != nil {
				w.logger.Error("Failed to reload config", "error", err)
				continue
			}
			w.logger.Info("Config reloaded successfully")
			if w.onChange != nil {
				w.onChange(old, w.Config())
			}
		}
	}
}

func (w *Watcher) reload() error {
	newCfg, err := Load(w.path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	w.mu.Lock()
	w.cfg = newCfg
	w.mu.Unlock()

	return nil
}

// Close stops the watcher
func (w *Watcher) Close() error {
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}

// RestartRequired lists the config sections that differ between old and updated
// and only take effect on the next start. Logging level is applied live and is
// never reported.
func RestartRequired(old, updated *Config) []string {
	var sections []string
	if old.Server.ListenAddress != updated.Server.ListenAddress ||
		old.Server.Workers != updated.Server.Workers ||
		old.Server.MaxPacketSize != updated.Server.MaxPacketSize ||
		old.Server.RecursionDesiredRequired() != updated.Server.RecursionDesiredRequired() ||
		old.Server.MaxPacketsPerSecond != updated.Server.MaxPacketsPerSecond {
		sections = append(sections, "server")
	}
	if !maps.Equal(old.Allowlist, updated.Allowlist) || old.AnswerTTL != updated.AnswerTTL {
		sections = append(sections, "allowlist")
	}
	if old.Cache != updated.Cache {
		sections = append(sections, "cache")
	}
	if !reflect.DeepEqual(rateLimitView(old.RateLimit), rateLimitView(updated.RateLimit)) {
		sections = append(sections, "rate_limit")
	}
	if old.Storage != updated.Storage {
		sections = append(sections, "storage")
	}
	if old.Telemetry != updated.Telemetry {
		sections = append(sections, "telemetry")
	}
	return sections
}

type rateLimitSnapshot struct {
	enabled bool
	cfg     RateLimitConfig
	exempt  []string
}

func rateLimitView(r RateLimitConfig) rateLimitSnapshot {
	exempt := slices.Clone(r.ExemptCIDRs)
	slices.Sort(exempt)
	view := rateLimitSnapshot{enabled: r.IsEnabled(), cfg: r, exempt: exempt}
	view.cfg.Enabled = nil
	view.cfg.ExemptCIDRs = nil
	return view
}

package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestNewWatcher(t *testing.T) {
	watcher, err := NewWatcher("testdata/config.yml", slog.Default())
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	defer func() { _ = watcher.Close() }()

	if watcher.Config() == nil {
		t.Error("Config() returned nil")
	}
}

func TestNewWatcherNonExistent(t *testing.T) {
	if _, err := NewWatcher("nonexistent.yml", slog.Default()); err == nil {
		t.Error("Expected error for non-existent file")
	}
}

func TestWatcherReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")

	initialConfig := `
server:
  listen_address: "127.0.0.1:5353"
allowlist:
  example.com: "1.2.3.4"
logging:
  level: "info"
`
	if err := os.WriteFile(path, []byte(initialConfig), 0o600); err != nil {
		t.Fatal(err)
	}

	watcher, err := NewWatcher(path, slog.Default())
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	defer func() { _ = watcher.Close() }()

	type change struct{ old, updated *Config }
	changes := make(chan change, 1)
	watcher.OnChange(func(old, updated *Config) {
		select {
		case changes <- change{old, updated}:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = watcher.Start(ctx) }()

	time.Sleep(100 * time.Millisecond)

	updatedConfig := `
server:
  listen_address: "127.0.0.1:5353"
allowlist:
  example.com: "1.2.3.4"
  google.com: "8.8.8.8"
logging:
  level: "debug"
`
	if err := os.WriteFile(path, []byte(updatedConfig), 0o600); err != nil {
		t.Fatal(err)
	}

	var got change
	select {
	case got = <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for config change notification")
	}

	if got.old.Logging.Level != "info" || got.updated.Logging.Level != "debug" {
		t.Errorf("Unexpected levels: old=%s updated=%s", got.old.Logging.Level, got.updated.Logging.Level)
	}
	if watcher.Config().Logging.Level != "debug" {
		t.Errorf("Watcher config level = %s, want debug", watcher.Config().Logging.Level)
	}
	if sections := RestartRequired(got.old, got.updated); !slices.Equal(sections, []string{"allowlist"}) {
		t.Errorf("RestartRequired() = %v, want [allowlist]", sections)
	}
}

func TestRestartRequired(t *testing.T) {
	base := LoadWithDefaults()
	base.Allowlist = map[string]string{"example.com": "1.2.3.4"}

	same := LoadWithDefaults()
	same.Allowlist = map[string]string{"example.com": "1.2.3.4"}
	same.Logging.Level = "debug"
	if sections := RestartRequired(base, same); len(sections) != 0 {
		t.Errorf("Logging-only change should not need restart, got %v", sections)
	}

	changed := LoadWithDefaults()
	changed.Allowlist = map[string]string{"example.com": "1.2.3.4"}
	changed.RateLimit.Requests = 20
	changed.Server.Workers = 2
	if sections := RestartRequired(base, changed); !slices.Equal(sections, []string{"server", "rate_limit"}) {
		t.Errorf("RestartRequired() = %v, want [server rate_limit]", sections)
	}
}

func TestWatcherConcurrentAccess(t *testing.T) {
	watcher, err := NewWatcher("testdata/config.yml", slog.Default())
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	defer func() { _ = watcher.Close() }()

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				if watcher.Config() == nil {
					t.Error("Config() returned nil during concurrent access")
				}
			}
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
}

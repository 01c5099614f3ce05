package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skiffcloud/skiff/pkg/bus"
	"github.com/skiffcloud/skiff/pkg/telemetry"
)

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listener.Workers != 4 {
		t.Errorf("workers = %d, want 4", cfg.Listener.Workers)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want 3", cfg.Retry.MaxAttempts)
	}
	if cfg.DataDir == "" {
		t.Error("data dir not defaulted")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
data_dir: /var/lib/skiff
provider:
  region: us-east-1
  profile: staging
listener:
  workers: 8
retry:
  max_attempts: 5
  base_delay: 1s
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/var/lib/skiff" {
		t.Errorf("data dir = %q", cfg.DataDir)
	}
	if cfg.Provider.Region != "us-east-1" || cfg.Provider.Profile != "staging" {
		t.Errorf("provider = %+v", cfg.Provider)
	}
	if cfg.Listener.Workers != 8 {
		t.Errorf("workers = %d", cfg.Listener.Workers)
	}
	if cfg.Retry.BaseDelay != time.Second {
		t.Errorf("base delay = %v", cfg.Retry.BaseDelay)
	}
	// Untouched sections keep their defaults.
	if !cfg.Watcher.Enabled {
		t.Error("watcher default lost")
	}
}

func TestLoadRejectsInvalidWorkers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listener:\n  workers: 0\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for zero workers")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestWatcherPublishesRefreshCommand(t *testing.T) {
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "disabled", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	b := bus.New()
	defer b.Close()
	sub := b.Subscribe(bus.ChannelCommands)
	defer sub.Close()

	dir := t.TempDir()
	w := NewWatcher(dir, 10*time.Millisecond, b, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher a moment to register before writing.
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "demo-shop.yaml"), []byte("project:\n  name: demo\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case msg := <-sub.C():
		cmd, err := bus.DecodeCommand(msg)
		if err != nil {
			t.Fatalf("DecodeCommand: %v", err)
		}
		if cmd.Kind != bus.KindScan {
			t.Errorf("kind = %s, want scan", cmd.Kind)
		}
		if cmd.ProjectSlug != "demo-shop" {
			t.Errorf("slug = %q, want demo-shop", cmd.ProjectSlug)
		}
		if cmd.RequestID == "" {
			t.Error("refresh command has no request id")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no command published for blueprint write")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestWatcherIgnoresTempFiles(t *testing.T) {
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "disabled", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	b := bus.New()
	defer b.Close()
	sub := b.Subscribe(bus.ChannelCommands)
	defer sub.Close()

	dir := t.TempDir()
	w := NewWatcher(dir, 10*time.Millisecond, b, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "demo-shop.1234.tmp"), []byte("partial"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case msg := <-sub.C():
		cmd, _ := bus.DecodeCommand(msg)
		t.Fatalf("unexpected command for temp file: %+v", cmd)
	case <-time.After(200 * time.Millisecond):
	}
}

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nodegraft/taskq/internal/config"
)

func TestLoad_FromTaskqHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	ic := filepath.Join(home, ".taskq")
	if err := os.MkdirAll(ic, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ic, "config.yaml"), []byte("bind_addr: 127.0.0.1:9999\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:9999" {
		t.Fatalf("expected bind_addr=127.0.0.1:9999 got %q", cfg.BindAddr)
	}
}

func TestLoad_NeedsGenesisWhenNoConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatalf("expected NeedsGenesis=true when config.yaml missing")
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	ic := filepath.Join(home, ".taskq")
	if err := os.MkdirAll(ic, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ic, "config.yaml"), []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:18789" {
		t.Fatalf("expected default bind_addr=127.0.0.1:18789, got %q", cfg.BindAddr)
	}
	if cfg.Scheduler.TickIntervalMS != 5000 {
		t.Fatalf("expected default tick_interval_ms=5000, got %d", cfg.Scheduler.TickIntervalMS)
	}
	if cfg.Scheduler.PendingAckTimeoutMS != 60000 {
		t.Fatalf("expected default pending_ack_timeout_ms=60000, got %d", cfg.Scheduler.PendingAckTimeoutMS)
	}
	if cfg.StorePath == "" {
		t.Fatalf("expected store_path to default to a path under home dir")
	}
}

func TestLoad_EnvOverridesSchedulerThresholds(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	ic := filepath.Join(home, ".taskq")
	if err := os.MkdirAll(ic, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ic, "config.yaml"), []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HOME", home)
	t.Setenv("TASKQ_TICK_INTERVAL_MS", "1000")
	t.Setenv("TASKQ_STORE_PATH", filepath.Join(home, "custom.db"))

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Scheduler.TickIntervalMS != 1000 {
		t.Fatalf("expected env override tick_interval_ms=1000 got %d", cfg.Scheduler.TickIntervalMS)
	}
	if cfg.StorePath != filepath.Join(home, "custom.db") {
		t.Fatalf("expected env override store_path, got %q", cfg.StorePath)
	}
	if cfg.TickInterval().String() != "1s" {
		t.Fatalf("expected TickInterval()=1s got %s", cfg.TickInterval())
	}
}

func TestFingerprint_StableForSameConfig(t *testing.T) {
	a := config.Config{BindAddr: "x", LogLevel: "info"}
	b := config.Config{BindAddr: "x", LogLevel: "info"}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("expected identical configs to fingerprint identically")
	}
	c := config.Config{BindAddr: "y", LogLevel: "info"}
	if a.Fingerprint() == c.Fingerprint() {
		t.Fatalf("expected differing configs to fingerprint differently")
	}
}

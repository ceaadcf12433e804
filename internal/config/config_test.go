package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
[server]
listen_addr = ":9090"

[db]
host = "db.internal"
port = 5432
user = "gavel"
database = "gavel"

[auction]
tick_interval_seconds = 5
default_min_increment = 100
bid_retries = 5

[redis]
enabled = true
addr = "redis.internal:6379"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen addr = %q, want :9090", cfg.Server.ListenAddr)
	}
	if cfg.DB.Host != "db.internal" {
		t.Errorf("db host = %q, want db.internal", cfg.DB.Host)
	}
	if got := cfg.Auction.TickInterval(); got != 5*time.Second {
		t.Errorf("tick interval = %s, want 5s", got)
	}
	if cfg.Auction.DefaultMinIncrement != 100 {
		t.Errorf("min increment = %d, want 100", cfg.Auction.DefaultMinIncrement)
	}
	if !cfg.Redis.Enabled {
		t.Error("redis should be enabled")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
[db]
host = "localhost"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen addr = %q, want default :8080", cfg.Server.ListenAddr)
	}
	if got := cfg.Auction.TickInterval(); got != 15*time.Second {
		t.Errorf("tick interval = %s, want default 15s", got)
	}
	if cfg.Auction.BidRetries != 3 {
		t.Errorf("bid retries = %d, want default 3", cfg.Auction.BidRetries)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Error("Load() succeeded for a missing file")
	}
}

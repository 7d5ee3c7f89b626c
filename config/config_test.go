package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ecsyslogd.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
datadir = "/tmp/ec"
tcp = ""
udp = "0.0.0.0:514"
spool_dir = "/var/spool/ec"
spool_interval = "250ms"
batch_size = 50
retention = "48h"
max_pending_bytes = "64KiB"
idle_timeout = "5m"
log_level = "debug"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != "/tmp/ec" || cfg.TCPAddr != "" || cfg.UDPAddr != "0.0.0.0:514" {
		t.Fatalf("listener settings not applied: %+v", cfg)
	}
	if cfg.SpoolDir != "/var/spool/ec" || cfg.SpoolInterval != 250*time.Millisecond {
		t.Fatalf("spool settings not applied: %+v", cfg)
	}
	if cfg.BatchSize != 50 || cfg.Retention != 48*time.Hour {
		t.Fatalf("batch settings not applied: %+v", cfg)
	}
	if cfg.MaxPendingBytes != 64*1024 {
		t.Fatalf("max_pending_bytes got %d, exp %d", cfg.MaxPendingBytes, 64*1024)
	}
	if cfg.IdleTimeout != 5*time.Minute || cfg.LogLevel != "debug" {
		t.Fatalf("maintenance settings not applied: %+v", cfg)
	}

	// Untouched keys keep their defaults.
	if cfg.NumShards != DefaultNumShards || cfg.BatchTimeout != DefaultBatchTimeout {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "bad duration", body: `retention = "forever"`},
		{name: "short retention", body: `retention = "1h"`},
		{name: "bad size", body: `max_pending_bytes = "lots"`},
		{name: "no listeners", body: "tcp = \"\"\nudp = \"\""},
		{name: "half tls", body: `tls_cert = "/etc/cert.pem"`},
		{name: "unknown key", body: `colour = "blue"`},
		{name: "zero shards", body: `num_shards = 0`},
	}

	for _, tt := range tests {
		_, err := Load(writeConfig(t, tt.body))
		if !errors.Is(err, ErrInvalid) {
			t.Errorf("test %s: expected ErrInvalid, got %v", tt.name, err)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err == nil || errors.Is(err, ErrInvalid) {
		t.Fatalf("expected a load error, got %v", err)
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		raw string
		exp int
	}{
		{"512", 512},
		{"1KiB", 1024},
		{"1kB", 1000},
		{" 2MiB ", 2 << 20},
	}
	for _, tt := range tests {
		n, err := ParseSize(tt.raw)
		if err != nil || n != tt.exp {
			t.Errorf("ParseSize(%q) = (%d, %v), exp %d", tt.raw, n, err, tt.exp)
		}
	}
}

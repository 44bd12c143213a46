package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen addr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Relay.MaxPayloadBytes != 4<<20 {
		t.Errorf("max payload = %d, want 4 MiB", cfg.Relay.MaxPayloadBytes)
	}
}

func TestParseOverrides(t *testing.T) {
	cfg, err := Parse(`
[server]
listen_addr = "127.0.0.1:9000"
client_path = "/subscribers"

[relay]
heartbeat_interval = "5s"

[nats]
url = "nats://localhost:4222"

[log]
level = "debug"
`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.ListenAddr != "127.0.0.1:9000" {
		t.Errorf("listen addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.ClientPath != "/subscribers" {
		t.Errorf("client path = %q", cfg.Server.ClientPath)
	}
	// Untouched fields keep their defaults.
	if cfg.Server.UpstreamPath != "/upstream" {
		t.Errorf("upstream path = %q, want default", cfg.Server.UpstreamPath)
	}
	if cfg.Relay.HeartbeatInterval.Duration != 5*time.Second {
		t.Errorf("heartbeat = %v, want 5s", cfg.Relay.HeartbeatInterval.Duration)
	}
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("nats url = %q", cfg.NATS.URL)
	}
	if cfg.NATS.StateBucket != "relay-conns" {
		t.Errorf("state bucket = %q, want default", cfg.NATS.StateBucket)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
}

func TestParseRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad toml", `[server`, "failed to parse"},
		{"empty listen addr", "[server]\nlisten_addr = \"\"", "listen_addr"},
		{"relative path", "[server]\nsse_path = \"sse\"", "must start with /"},
		{"duplicate paths", "[server]\nsse_path = \"/upstream\"", "share path"},
		{"zero payload", "[relay]\nmax_payload_bytes = 0", "must be positive"},
		{"bad duration", "[relay]\nping_interval = \"fast\"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.content)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != "" && !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.toml")
	if err := os.WriteFile(path, []byte("[server]\nlisten_addr = \":7070\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.ListenAddr != ":7070" {
		t.Errorf("listen addr = %q, want :7070", cfg.Server.ListenAddr)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}

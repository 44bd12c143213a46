// Package config loads relay server configuration from TOML.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full relay server configuration.
type Config struct {
	Server Server `toml:"server"`
	Relay  Relay  `toml:"relay"`
	NATS   NATS   `toml:"nats"`
	Log    Log    `toml:"log"`
}

// Server holds the HTTP listener settings.
type Server struct {
	ListenAddr   string `toml:"listen_addr"`
	UpstreamPath string `toml:"upstream_path"`
	ClientPath   string `toml:"client_path"`
	SessionPath  string `toml:"session_path"`
	SSEPath      string `toml:"sse_path"`
	PostPath     string `toml:"post_path"`
}

// Relay holds transport and session tuning.
type Relay struct {
	MaxPayloadBytes   int64    `toml:"max_payload_bytes"`
	HeartbeatInterval duration `toml:"heartbeat_interval"`
	PingInterval      duration `toml:"ping_interval"`
	SessionIdle       duration `toml:"session_idle"`
}

// NATS holds optional NATS-backed state and event mirror settings.
// An empty URL keeps both in memory.
type NATS struct {
	URL         string `toml:"url"`
	StateBucket string `toml:"state_bucket"`
	BusSubject  string `toml:"bus_subject"`
}

// Log holds logger settings.
type Log struct {
	Level string `toml:"level"`
}

// duration lets TOML carry values like "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: Server{
			ListenAddr:   ":8080",
			UpstreamPath: "/upstream",
			ClientPath:   "/client",
			SessionPath:  "/session",
			SSEPath:      "/sse",
			PostPath:     "/messages",
		},
		Relay: Relay{
			MaxPayloadBytes:   4 << 20,
			HeartbeatInterval: duration{30 * time.Second},
			PingInterval:      duration{30 * time.Second},
			SessionIdle:       duration{10 * time.Minute},
		},
		NATS: NATS{
			StateBucket: "relay-conns",
			BusSubject:  "relay.events",
		},
		Log: Log{Level: "info"},
	}
}

// LoadFile loads configuration from a TOML file, filling anything the
// file leaves unset from the defaults.
func LoadFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(string(content))
}

// Parse parses configuration from TOML content.
func Parse(content string) (*Config, error) {
	cfg := Default()
	if _, err := toml.Decode(content, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr must not be empty")
	}
	if c.Relay.MaxPayloadBytes <= 0 {
		return fmt.Errorf("relay.max_payload_bytes must be positive")
	}
	paths := map[string]string{
		"server.upstream_path": c.Server.UpstreamPath,
		"server.client_path":   c.Server.ClientPath,
		"server.session_path":  c.Server.SessionPath,
		"server.sse_path":      c.Server.SSEPath,
		"server.post_path":     c.Server.PostPath,
	}
	seen := make(map[string]string)
	for name, p := range paths {
		if p == "" || p[0] != '/' {
			return fmt.Errorf("%s must start with /", name)
		}
		if other, ok := seen[p]; ok {
			return fmt.Errorf("%s and %s share path %s", name, other, p)
		}
		seen[p] = name
	}
	return nil
}

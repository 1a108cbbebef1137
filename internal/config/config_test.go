package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relayd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	def := Default()
	if cfg.Listen.TCP != def.Listen.TCP || cfg.Session.SendQueue != def.Session.SendQueue {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Session.KeepaliveInterval != 30*time.Second {
		t.Errorf("keepalive = %v, want 30s", cfg.Session.KeepaliveInterval)
	}
	if cfg.ProtocolVersion != 1 {
		t.Errorf("protocol_version = %d, want 1", cfg.ProtocolVersion)
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
listen:
  tcp: ":7000"
session:
  idle_timeout: 5s
relay:
  queue_size: 16
auth:
  users: ["alice:secret", "bob:hunter2"]
  api_keys: ["k-123:alice"]
mission:
  viewer_url: "https://view.example/%s"
`)
	t.Setenv("RELAYD_LISTEN_TCP", ":7100")
	t.Setenv("RELAYD_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Listen.TCP != ":7100" {
		t.Errorf("listen.tcp = %q, want env override :7100", cfg.Listen.TCP)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log.level = %q, want debug", cfg.Log.Level)
	}
	if cfg.Session.IdleTimeout != 5*time.Second || cfg.Relay.QueueSize != 16 {
		t.Errorf("file values not applied: idle=%v queue=%d", cfg.Session.IdleTimeout, cfg.Relay.QueueSize)
	}
	users := cfg.Users()
	if users["alice"] != "secret" || users["bob"] != "hunter2" {
		t.Errorf("users = %v", users)
	}
	if keys := cfg.APIKeys(); keys["k-123"] != "alice" {
		t.Errorf("api keys = %v", keys)
	}
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"no listeners", func(c *Config) { c.Listen = ListenConfig{} }},
		{"zero send queue", func(c *Config) { c.Session.SendQueue = 0 }},
		{"zero relay queue", func(c *Config) { c.Relay.QueueSize = 0 }},
		{"malformed user", func(c *Config) { c.Auth.Users = []string{"nopassword"} }},
		{"api key for unknown user", func(c *Config) { c.Auth.APIKeys = []string{"k1:ghost"} }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.validate(); err == nil {
				t.Fatal("validate accepted an invalid config")
			}
		})
	}

	if err := Default().validate(); err != nil {
		t.Fatalf("default config is invalid: %v", err)
	}
}

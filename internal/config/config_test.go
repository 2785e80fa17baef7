package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 8420 {
		t.Errorf("Port = %d, want 8420", cfg.Port)
	}
	if cfg.AgentCommand != "claude" {
		t.Errorf("AgentCommand = %q, want claude", cfg.AgentCommand)
	}
	if cfg.GraceWindow != 10*time.Second {
		t.Errorf("GraceWindow = %v, want 10s", cfg.GraceWindow)
	}
	if cfg.RelaunchCooldown != 5*time.Second {
		t.Errorf("RelaunchCooldown = %v, want 5s", cfg.RelaunchCooldown)
	}
	if cfg.StoreDebounce != 300*time.Millisecond {
		t.Errorf("StoreDebounce = %v, want 300ms", cfg.StoreDebounce)
	}
	if cfg.AuthEnabled() {
		t.Error("auth should be disabled by default")
	}
	if cfg.AdvertiseURL != "ws://127.0.0.1:8420" {
		t.Errorf("AdvertiseURL = %q", cfg.AdvertiseURL)
	}
	if cfg.DataDir == "" {
		t.Error("DataDir should default to a home-relative path")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RELAY_PORT", "9000")
	t.Setenv("RELAY_HOST", "0.0.0.0")
	t.Setenv("RECONNECT_GRACE_WINDOW", "2s")
	t.Setenv("AGENT_ARGS", "--verbose, --output-format,stream-json")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Port)
	}
	if cfg.GraceWindow != 2*time.Second {
		t.Errorf("GraceWindow = %v, want 2s", cfg.GraceWindow)
	}
	// 0.0.0.0 is not dialable; advertise URL should fall back to loopback.
	if cfg.AdvertiseURL != "ws://127.0.0.1:9000" {
		t.Errorf("AdvertiseURL = %q", cfg.AdvertiseURL)
	}
	if len(cfg.AgentArgs) != 3 || cfg.AgentArgs[0] != "--verbose" || cfg.AgentArgs[2] != "stream-json" {
		t.Errorf("AgentArgs = %v", cfg.AgentArgs)
	}
}

func TestLoad_AuthRequiresIssuer(t *testing.T) {
	t.Setenv("JWKS_ENDPOINT", "https://example.test/.well-known/jwks.json")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when JWKS_ENDPOINT is set without JWT_ISSUER")
	}

	t.Setenv("JWT_ISSUER", "https://example.test")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.AuthEnabled() {
		t.Error("auth should be enabled with JWKS endpoint configured")
	}
}

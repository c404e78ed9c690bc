package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoadWritesDefaultConfig(t *testing.T) {
	logger := zerolog.New(nil)
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, resolved, err := Load(&logger, path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if resolved != path {
		t.Fatalf("expected resolved path %q, got %q", path, resolved)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected default config to be written: %v", err)
	}
	if cfg.Client.InvitationTimeout != 30*time.Second {
		t.Fatalf("expected 30s invitation timeout, got %s", cfg.Client.InvitationTimeout)
	}
	if cfg.Client.HeartbeatInterval != time.Minute {
		t.Fatalf("expected 60s heartbeat, got %s", cfg.Client.HeartbeatInterval)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("addr: \":9000\"\nclient:\n  server_url: http://file.example\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("WIRECALL_ADDR", ":9100")
	t.Setenv("WIRECALL_CLIENT_SERVER_URL", "http://env.example")

	cfg, _, err := Load(nil, path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9100" {
		t.Fatalf("expected env addr, got %q", cfg.Addr)
	}
	if cfg.Client.ServerURL != "http://env.example" {
		t.Fatalf("expected env server url, got %q", cfg.Client.ServerURL)
	}
	if cfg.MaxRoomParticipants != 16 {
		t.Fatalf("expected default room cap, got %d", cfg.MaxRoomParticipants)
	}
}

func TestUpdateFromKeepsZeroValues(t *testing.T) {
	cfg := Default()
	cfg.UpdateFrom(Config{Addr: ":1234", Client: ClientConfig{Username: "alice"}})

	if cfg.Addr != ":1234" {
		t.Fatalf("expected addr override, got %q", cfg.Addr)
	}
	if cfg.Client.Username != "alice" {
		t.Fatalf("expected username override, got %q", cfg.Client.Username)
	}
	if cfg.ShutdownTimeout != 5*time.Second {
		t.Fatalf("expected shutdown timeout untouched, got %s", cfg.ShutdownTimeout)
	}
	if cfg.LiveKitEnabled() {
		t.Fatal("expected livekit disabled without credentials")
	}
}

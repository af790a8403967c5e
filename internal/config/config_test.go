package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fieldworks/curlew/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Tier != domain.TierCommunity {
		t.Errorf("expected community tier, got %s", cfg.Tier)
	}
	if cfg.Repository.Driver != "sqlite" {
		t.Errorf("expected sqlite driver, got %s", cfg.Repository.Driver)
	}
	if cfg.EventBus.Type != "channel" {
		t.Errorf("expected channel bus, got %s", cfg.EventBus.Type)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Auth.Enabled() {
		t.Error("auth should be disabled by default")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CURLEW_SERVER_PORT", "9090")
	t.Setenv("CURLEW_AUTH_API_KEY", "machine-key")
	t.Setenv("CURLEW_LOGGING_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Auth.APIKey != "machine-key" {
		t.Errorf("expected api key override, got %q", cfg.Auth.APIKey)
	}
	if !cfg.Auth.Enabled() {
		t.Error("auth should be enabled with an api key")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug level, got %s", cfg.Logging.Level)
	}
}

func TestLoadProTier(t *testing.T) {
	t.Setenv("CURLEW_TIER", "pro")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Repository.Driver != "postgres" {
		t.Errorf("expected postgres driver for pro tier, got %s", cfg.Repository.Driver)
	}
	if cfg.EventBus.Type != "nats" {
		t.Errorf("expected nats bus for pro tier, got %s", cfg.EventBus.Type)
	}
	if cfg.Cache.Type != "redis" {
		t.Errorf("expected redis cache for pro tier, got %s", cfg.Cache.Type)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "curlew.yaml")
	contents := []byte(`
server:
  port: 7070
auth:
  jwt_secret: file-secret
`)
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 7070 {
		t.Errorf("expected port 7070 from file, got %d", cfg.Server.Port)
	}
	if cfg.Auth.JWTSecret != "file-secret" {
		t.Errorf("expected jwt secret from file, got %q", cfg.Auth.JWTSecret)
	}
}

func TestLoadEnvBeatsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "curlew.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 7070\n"), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv("CURLEW_SERVER_PORT", "6060")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 6060 {
		t.Errorf("env should win over file, got %d", cfg.Server.Port)
	}
}

func TestLoadRejectsBadConfig(t *testing.T) {
	t.Run("UnknownTier", func(t *testing.T) {
		t.Setenv("CURLEW_TIER", "enterprise")
		if _, err := Load(""); err == nil {
			t.Error("expected error for unknown tier")
		}
	})

	t.Run("BadPort", func(t *testing.T) {
		t.Setenv("CURLEW_SERVER_PORT", "-1")
		if _, err := Load(""); err == nil {
			t.Error("expected error for invalid port")
		}
	})

	t.Run("UnknownDriver", func(t *testing.T) {
		t.Setenv("CURLEW_REPOSITORY_DRIVER", "oracle")
		if _, err := Load(""); err == nil {
			t.Error("expected error for unknown driver")
		}
	})

	t.Run("MissingFile", func(t *testing.T) {
		if _, err := Load("/nonexistent/curlew.yaml"); err == nil {
			t.Error("expected error for missing config file")
		}
	})
}

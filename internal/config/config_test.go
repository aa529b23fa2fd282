package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AUTOMATION_TARGET", "FileSearchBot")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.Backend != BackendSQLite {
		t.Errorf("expected sqlite backend, got %q", cfg.Store.Backend)
	}
	if cfg.Relay.SessionTTL != 300*time.Second {
		t.Errorf("expected 300s session ttl, got %s", cfg.Relay.SessionTTL)
	}
	if cfg.Automation.SessionName != "puppet_session" {
		t.Errorf("unexpected session name %q", cfg.Automation.SessionName)
	}
}

func TestLoadRequiresTarget(t *testing.T) {
	t.Setenv("AUTOMATION_TARGET", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when AUTOMATION_TARGET is empty")
	}
}

func TestDurationAcceptsBareSeconds(t *testing.T) {
	t.Setenv("AUTOMATION_TARGET", "FileSearchBot")
	t.Setenv("SESSION_TTL", "600")
	t.Setenv("REQUEST_TIMEOUT", "45s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Relay.SessionTTL != 10*time.Minute {
		t.Errorf("expected 10m, got %s", cfg.Relay.SessionTTL)
	}
	if cfg.Relay.RequestTimeout != 45*time.Second {
		t.Errorf("expected 45s, got %s", cfg.Relay.RequestTimeout)
	}
}

func TestValidateRejectsTimeoutBeyondTTL(t *testing.T) {
	t.Setenv("AUTOMATION_TARGET", "FileSearchBot")
	t.Setenv("SESSION_TTL", "60s")
	t.Setenv("REQUEST_TIMEOUT", "90s")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when REQUEST_TIMEOUT exceeds SESSION_TTL")
	}
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	t.Setenv("AUTOMATION_TARGET", "FileSearchBot")
	t.Setenv("STORE_BACKEND", "etcd")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestAllowedOriginsList(t *testing.T) {
	t.Setenv("AUTOMATION_TARGET", "FileSearchBot")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

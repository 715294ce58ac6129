package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBDsn == "" {
		t.Fatal("expected default DB_DSN")
	}
	if cfg.DataDir != "data" {
		t.Fatalf("DataDir = %q, want data", cfg.DataDir)
	}
	if cfg.PollInterval != 30*time.Second {
		t.Fatalf("PollInterval = %v, want 30s", cfg.PollInterval)
	}
	if cfg.MaxAttempts != 5 {
		t.Fatalf("MaxAttempts = %d, want 5", cfg.MaxAttempts)
	}
	if cfg.MaxHorizon != 90*24*time.Hour {
		t.Fatalf("MaxHorizon = %v", cfg.MaxHorizon)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DISPATCH_POLL_INTERVAL", "5s")
	t.Setenv("DISPATCH_MAX_ATTEMPTS", "3")
	t.Setenv("SCHEDULE_MIN_LEAD", "2m")
	t.Setenv("SOCIAL_API_BASE", "https://api.example.test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Fatalf("PollInterval = %v", cfg.PollInterval)
	}
	if cfg.MaxAttempts != 3 {
		t.Fatalf("MaxAttempts = %d", cfg.MaxAttempts)
	}
	if cfg.MinLeadTime != 2*time.Minute {
		t.Fatalf("MinLeadTime = %v", cfg.MinLeadTime)
	}
	if cfg.SocialTokenURL != "https://api.example.test/oauth/token" {
		t.Fatalf("SocialTokenURL = %q", cfg.SocialTokenURL)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("DISPATCH_POLL_INTERVAL", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("expected error on invalid duration")
	}
}

func TestValidateSocialReady(t *testing.T) {
	cfg := &Config{}
	if err := cfg.ValidateSocialReady(); err == nil {
		t.Fatal("expected error with empty social config")
	}
	cfg.SocialAPIBase = "https://api.example.test"
	cfg.SocialClientID = "id"
	cfg.SocialClientSecret = "secret"
	if err := cfg.ValidateSocialReady(); err != nil {
		t.Fatalf("ValidateSocialReady: %v", err)
	}
}

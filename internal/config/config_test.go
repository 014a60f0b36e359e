package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "SESSION_RESUME_WINDOW", "SESSION_MAX_SPEAKING_EXTENSION", "CACHE_CAPACITY", "REDIS_URL", "DATABASE_URL", "REALTIME_URL"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("expected :8080, got %q", cfg.Server.Addr)
	}
	if cfg.Session.ResumeWindow != 2*time.Hour {
		t.Fatalf("expected 2h resume window, got %s", cfg.Session.ResumeWindow)
	}
	if cfg.Session.MaxSpeakingExtension != 4*time.Second {
		t.Fatalf("expected 4s speaking extension, got %s", cfg.Session.MaxSpeakingExtension)
	}
	if cfg.Cache.Capacity != 1000 || cfg.Cache.RedisURL != "" {
		t.Fatalf("unexpected cache config: %+v", cfg.Cache)
	}
	if cfg.Realtime.Enabled() {
		t.Fatalf("realtime should be disabled without REALTIME_URL")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "127.0.0.1:9090")
	t.Setenv("SESSION_IDLE_TIMEOUT", "45m")
	t.Setenv("SESSION_MAX_SPEAKING_EXTENSION", "6")
	t.Setenv("SESSION_REAPER_CONCURRENCY", "3")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("REALTIME_URL", "wss://example.test/realtime")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9090" {
		t.Fatalf("unexpected addr %q", cfg.Server.Addr)
	}
	if cfg.Session.IdleTimeout != 45*time.Minute {
		t.Fatalf("expected 45m idle timeout, got %s", cfg.Session.IdleTimeout)
	}
	if cfg.Session.MaxSpeakingExtension != 6*time.Second {
		t.Fatalf("expected bare number as seconds, got %s", cfg.Session.MaxSpeakingExtension)
	}
	if cfg.Session.ReaperConcurrency != 3 {
		t.Fatalf("expected concurrency 3, got %d", cfg.Session.ReaperConcurrency)
	}
	if cfg.Cache.RedisURL == "" || !cfg.Realtime.Enabled() {
		t.Fatalf("expected redis and realtime to be configured")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"PORT":                  "80 80",
		"SESSION_IDLE_TIMEOUT":  "soon",
		"CACHE_CAPACITY":        "0",
		"SESSION_RESUME_WINDOW": "-5m",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", key, value)
			}
		})
	}
}

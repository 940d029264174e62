package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TOW_STORE", StoreMemory)
	t.Setenv("TOW_AUTH_PROVIDER", AuthJWT)
	t.Setenv("TOW_JWT_SECRET", "s3cret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("HTTP.Addr = %q, want :8080", cfg.HTTP.Addr)
	}
	if cfg.Quote.TTL != 10*time.Minute {
		t.Errorf("Quote.TTL = %s, want 10m", cfg.Quote.TTL)
	}
	if cfg.Retry.Attempts != 3 {
		t.Errorf("Retry.Attempts = %d, want 3", cfg.Retry.Attempts)
	}
	if len(cfg.Notify.Sinks) != 1 || cfg.Notify.Sinks[0] != "log" {
		t.Errorf("Notify.Sinks = %v, want [log]", cfg.Notify.Sinks)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TOW_STORE", StoreMemory)
	t.Setenv("TOW_AUTH_PROVIDER", AuthJWT)
	t.Setenv("TOW_JWT_SECRET", "s3cret")
	t.Setenv("TOW_QUOTE_TTL", "90s")
	t.Setenv("TOW_CURRENCY", "twd")
	t.Setenv("TOW_NOTIFY_SINKS", "log, redis")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Quote.TTL != 90*time.Second {
		t.Errorf("Quote.TTL = %s, want 90s", cfg.Quote.TTL)
	}
	if cfg.Quote.Currency != "TWD" {
		t.Errorf("Quote.Currency = %q, want TWD", cfg.Quote.Currency)
	}
	if len(cfg.Notify.Sinks) != 2 || cfg.Notify.Sinks[1] != "redis" {
		t.Errorf("Notify.Sinks = %v, want [log redis]", cfg.Notify.Sinks)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"unknown store", map[string]string{"TOW_STORE": "sqlite", "TOW_AUTH_PROVIDER": AuthJWT, "TOW_JWT_SECRET": "x"}},
		{"jwt without secret", map[string]string{"TOW_STORE": StoreMemory, "TOW_AUTH_PROVIDER": AuthJWT}},
		{"firebase without project", map[string]string{"TOW_STORE": StoreMemory, "TOW_AUTH_PROVIDER": AuthFirebase}},
		{"amqp sink without url", map[string]string{"TOW_STORE": StoreMemory, "TOW_AUTH_PROVIDER": AuthJWT, "TOW_JWT_SECRET": "x", "TOW_NOTIFY_SINKS": "amqp"}},
		{"unknown sink", map[string]string{"TOW_STORE": StoreMemory, "TOW_AUTH_PROVIDER": AuthJWT, "TOW_JWT_SECRET": "x", "TOW_NOTIFY_SINKS": "sms"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

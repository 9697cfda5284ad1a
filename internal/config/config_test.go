package config

import (
	"testing"
	"time"
)

func validBase() Config {
	return Config{
		App:     AppConfig{Env: "local", Port: 8080},
		Store:   StoreConfig{Backend: "sqlite", DSN: "/tmp/agent.db"},
		Backend: BackendConfig{BaseURL: "https://api.example.com"},
		Auth:    AuthConfig{JWTSecret: "secret"},
	}
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_AcceptsMinimalLocalConfig(t *testing.T) {
	c := validBase()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.Backend.Timeout != 10*time.Second {
		t.Fatalf("expected default backend timeout, got %v", c.Backend.Timeout)
	}
	if c.Retry.FlushInterval != 20*time.Second {
		t.Fatalf("expected default flush interval, got %v", c.Retry.FlushInterval)
	}
}

func TestValidate_RejectsUnknownStoreBackend(t *testing.T) {
	c := validBase()
	c.Store.Backend = "dynamo"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for unknown store backend")
	}
}

func TestValidate_RedisBackendNeedsAddr(t *testing.T) {
	c := validBase()
	c.Store = StoreConfig{Backend: "redis"}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for redis backend without host")
	}

	c.Store.Redis = RedisConfig{Host: "localhost", Port: 6379}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got := c.RedisAddr(); got != "localhost:6379" {
		t.Fatalf("unexpected redis addr %q", got)
	}
}

func TestValidate_MemoryBackendForbiddenInProduction(t *testing.T) {
	c := validBase()
	c.App.Env = "production"
	c.Auth = AuthConfig{JWTSecret: "secret", JWTIssuer: "agent", JWTAudience: "device"}
	c.Store = StoreConfig{Backend: "memory"}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for memory store in production")
	}
}

func TestValidate_BackendBaseURLMustBeAbsolute(t *testing.T) {
	c := validBase()
	c.Backend.BaseURL = "/api"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for relative base url")
	}
}

func TestValidate_NATSConfigMustBeComplete(t *testing.T) {
	c := validBase()
	c.Ingest.URL = "nats://localhost:4222"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for NATS url without subject")
	}
	c.Ingest.Subject = "calls.push"
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

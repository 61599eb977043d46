package config

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
)

func TestDefaults(t *testing.T) {
	t.Setenv("REDIS_ADDR", "localhost:6379")

	var c Config
	if err := env.Parse(&c); err != nil {
		t.Fatalf("parse: %v", err)
	}

	if c.RedisAddr != "localhost:6379" {
		t.Fatalf("unexpected redis addr %q", c.RedisAddr)
	}
	if c.PollInterval != time.Second || c.MaxRetries != 3 {
		t.Fatalf("unexpected worker defaults: %+v", c)
	}
	if c.ResultTTL != 24*time.Hour {
		t.Fatalf("want 24h result ttl, got %v", c.ResultTTL)
	}
	if c.StuckTimeout != 30*time.Minute || c.StuckAlertThreshold != 10 || c.StuckAutoRetry {
		t.Fatalf("unexpected stuck defaults: %+v", c)
	}
	if c.Retention != 168*time.Hour {
		t.Fatalf("want 168h retention, got %v", c.Retention)
	}
}

func TestRedisAddrRequired(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")

	var c Config
	if err := env.Parse(&c); err == nil {
		t.Fatal("want error when REDIS_ADDR is empty")
	}
}

func TestOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("WORKER_POLL_INTERVAL", "250ms")
	t.Setenv("STUCK_AUTO_RETRY", "true")
	t.Setenv("OCR_WEBHOOK_SECRET", "s3cret")

	var c Config
	if err := env.Parse(&c); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.PollInterval != 250*time.Millisecond || !c.StuckAutoRetry || c.WebhookSecret != "s3cret" {
		t.Fatalf("overrides not applied: %+v", c)
	}
}

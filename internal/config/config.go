package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"dev"`
	APIAddr       string `env:"API_ADDR" envDefault:":8080"`
	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Optional Postgres audit trail; empty disables it.
	PostgresDSN string `env:"POSTGRES_DSN"`

	BackendURL        string        `env:"BACKEND_URL"`
	WebhookSecret     string        `env:"OCR_WEBHOOK_SECRET"`
	WebhookTimeout    time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"30s"`
	WebhookMaxRetries int           `env:"WEBHOOK_MAX_RETRIES" envDefault:"3"`

	PollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"1s"`
	MaxRetries   int           `env:"WORKER_MAX_RETRIES" envDefault:"3"`

	ResultTTL time.Duration `env:"RESULT_TTL" envDefault:"24h"`

	StuckTimeout        time.Duration `env:"STUCK_TASK_TIMEOUT" envDefault:"30m"`
	StuckAlertThreshold int           `env:"STUCK_ALERT_THRESHOLD" envDefault:"10"`
	StuckAutoRetry      bool          `env:"STUCK_AUTO_RETRY" envDefault:"false"`
	StuckSweepSpec      string        `env:"STUCK_SWEEP_CRON" envDefault:"@every 5m"`

	Retention        time.Duration `env:"COMPLETED_RETENTION" envDefault:"168h"`
	CleanupSweepSpec string        `env:"CLEANUP_CRON" envDefault:"@every 1h"`
}

func Load() Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal(err)
	}
	return c
}

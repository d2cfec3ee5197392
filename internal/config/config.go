package config

import "github.com/kelseyhightower/envconfig"

type Config struct {
	// ----------------------------
	// SMTP
	// ----------------------------
	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`

	// ----------------------------
	// Workers
	// ----------------------------
	WorkerCount int `envconfig:"WORKER_COUNT" default:"5"`
	// GlobalRateLimit caps outbound sends per second across all senders.
	// Zero disables the global cap; per-sender throttles always apply.
	GlobalRateLimit int `envconfig:"RATE_LIMIT" default:"0"`

	// ----------------------------
	// Throttle defaults (per job, overridable per request)
	// ----------------------------
	DefaultMinDelaySeconds int `envconfig:"DEFAULT_MIN_DELAY_SECONDS" default:"2"`
	DefaultHourlyLimit     int `envconfig:"DEFAULT_HOURLY_LIMIT" default:"200"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort string `envconfig:"API_PORT" default:"8080"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Storage
	// ----------------------------
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	RedisAddr   string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
}

func Load() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return &cfg, err
}

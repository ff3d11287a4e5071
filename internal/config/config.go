package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"MailingService/internal/worker"
)

type Config struct {
	// ----------------------------
	// SMTP
	// ----------------------------
	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost" validate:"required,hostname_rfc1123|ip"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025" validate:"min=1,max=65535"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`
	SMTPFrom     string `envconfig:"SMTP_FROM" default:"noreply@mailing.local" validate:"required,email"`

	// ----------------------------
	// Dispatch
	// ----------------------------
	DispatchSchedule string `envconfig:"DISPATCH_SCHEDULE" default:"@every 1m" validate:"required"`
	RateLimit        int    `envconfig:"RATE_LIMIT" default:"10" validate:"min=1"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort string `envconfig:"API_PORT" default:"8080" validate:"required,numeric"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090" validate:"required,numeric"`

	// ----------------------------
	// Database
	// ----------------------------
	StoreDriver string `envconfig:"STORE_DRIVER" default:"postgres" validate:"oneof=postgres sqlite"`
	DatabaseURL string `envconfig:"DATABASE_URL" validate:"required_if=StoreDriver postgres"`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:"data/mailing.db" validate:"required_if=StoreDriver sqlite"`

	// ----------------------------
	// Logging
	// ----------------------------
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json" validate:"oneof=json console"`
}

var validate = validator.New()

// Load reads an optional .env file, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return worker.ValidateSchedule(c.DispatchSchedule)
}

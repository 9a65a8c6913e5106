// Package config loads runtime settings shared by the dbcopier binaries.
package config

import (
	"context"
	"errors"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration for the API, the worker and the CLI.
type Config struct {
	DatabaseURL     string `env:"DATABASE_URL"`
	NATSURL         string `env:"NATS_URL,default=nats://127.0.0.1:4222"`
	ConnectionsFile string `env:"DBCOPIER_CONNECTIONS_FILE,default=connections.yaml"`

	ScratchDir     string `env:"DBCOPIER_SCRATCH_DIR,default=/var/lib/dbcopier/db-copies"`
	WebhookSecret  string `env:"DBCOPIER_WEBHOOK_SECRET"`
	Workers        int    `env:"DBCOPIER_WORKERS,default=4"`
	DefaultThreads int    `env:"DBCOPIER_DEFAULT_THREADS,default=8"`
	ExcludedTable  string `env:"DBCOPIER_EXCLUDED_TABLE,default=sent_mail_bodies"`
	Tools          Tools  `env:", prefix=DBCOPIER_TOOL_"`

	// AckWait bounds how long a worker may go silent before a task is
	// redelivered; workers heartbeat well within it.
	AckWait time.Duration `env:"DBCOPIER_ACK_WAIT,default=2m"`

	Cloud Cloud `env:", prefix=CLOUD_"`

	HTTPAddr       string   `env:"HTTP_ADDR,default=:8080"`
	MetricsAddr    string   `env:"METRICS_ADDR,default=:9090"`
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS,default=*"`
	RateLimit      int      `env:"HTTP_RATE_LIMIT,default=60"`

	Archive Archive

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogLevel     string `env:"LOG_LEVEL,default=info"`
	LogFormat    string `env:"LOG_FORMAT,default=json"`
}

// Tools names the external binaries.
type Tools struct {
	MySQLDump string `env:"MYSQLDUMP,default=mysqldump"`
	MyDumper  string `env:"MYDUMPER,default=mydumper"`
	MySQL     string `env:"MYSQL,default=mysql"`
}

// Cloud configures the remote database provisioning API.
type Cloud struct {
	APIToken     string        `env:"API_TOKEN"`
	BaseURL      string        `env:"API_BASE_URL,default=https://cloud.laravel.com/api/"`
	SettleDelay  time.Duration `env:"SETTLE_DELAY,default=2s"`
	RequestLimit time.Duration `env:"REQUEST_TIMEOUT,default=30s"`
}

// Archive configures the optional schema archive upload.
type Archive struct {
	Bucket       string `env:"S3_BUCKET"`
	AgeRecipient string `env:"ARCHIVE_AGE_RECIPIENT"`
}

// Enabled reports whether schema archives should be uploaded.
func (a Archive) Enabled() bool { return a.Bucket != "" }

// Load reads a .env file when present and then the process environment.
func Load(ctx context.Context) (Config, error) {
	_ = godotenv.Load()
	return LoadFrom(ctx, envconfig.OsLookuper())
}

// LoadFrom resolves Config through the given lookuper.
func LoadFrom(ctx context.Context, l envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Workers < 1 {
		return errors.New("DBCOPIER_WORKERS must be at least 1")
	}
	if c.DefaultThreads < 1 || c.DefaultThreads > 64 {
		return errors.New("DBCOPIER_DEFAULT_THREADS must be between 1 and 64")
	}
	if c.RateLimit < 1 {
		return errors.New("HTTP_RATE_LIMIT must be at least 1")
	}
	return nil
}

// RequireDatabase errors when the control-plane DSN is missing.
func (c Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	return nil
}

package config

import (
	"fmt"
	"net/url"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for atlas-engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8080"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // Auto-derived from Port if empty
	Version  string `yaml:"-"`                                      // Set at load time, not from config

	// Database configuration (PostgreSQL + PostGIS)
	Database DatabaseConfig `yaml:"database"`

	// Redis cache (optional; geocode lookups fall through to Postgres when unset)
	Redis RedisConfig `yaml:"redis"`

	// Importer tuning
	Importer ImporterConfig `yaml:"importer"`

	// Job scheduler configuration
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Encryption key for provider credentials (API keys, OAuth tokens).
	// Must be a 32-byte key, base64 encoded. Generate with: openssl rand -base64 32
	// Server will fail to start if this is not set.
	CredentialsKey string `yaml:"-" env:"CREDENTIALS_KEY"` // Secret - not in YAML
}

// DatabaseConfig holds PostgreSQL database configuration.
// The target database must have the postgis and pg_trgm extensions available.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"atlas"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"atlas_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MigrationsPath string `yaml:"migrations_path" env:"PGMIGRATIONS_PATH" env-default:"migrations"`
}

// RedisConfig holds optional Redis cache configuration.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// ImporterConfig tunes the import and enrichment pipelines.
type ImporterConfig struct {
	// BatchSize bounds upsert transaction size and dirty-bit batch writes.
	BatchSize int `yaml:"batch_size" env:"IMPORT_BATCH_SIZE" env-default:"250"`
	// HTTPTimeoutSeconds applies per provider HTTP call, not per job.
	HTTPTimeoutSeconds int `yaml:"http_timeout_seconds" env:"IMPORT_HTTP_TIMEOUT_SECONDS" env-default:"30"`
}

// SchedulerConfig tunes the in-process job scheduler.
type SchedulerConfig struct {
	// Workers is the number of jobs that may run concurrently across
	// different targets. Same-target jobs are always serialized.
	Workers int `yaml:"workers" env:"SCHEDULER_WORKERS" env-default:"4"`
	// MaxRetries bounds automatic retries of transient job failures.
	MaxRetries int `yaml:"max_retries" env:"SCHEDULER_MAX_RETRIES" env-default:"3"`
	// WebhookRefreshCron re-registers provider webhooks on a schedule.
	WebhookRefreshCron string `yaml:"webhook_refresh_cron" env:"SCHEDULER_WEBHOOK_REFRESH_CRON" env-default:"0 4 * * *"`
	// AutoImportCron sweeps auto-import data sources for a full refresh.
	AutoImportCron string `yaml:"auto_import_cron" env:"SCHEDULER_AUTO_IMPORT_CRON" env-default:"30 2 * * *"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	if cfg.Importer.BatchSize < 2 {
		return nil, fmt.Errorf("importer batch_size must be greater than 1, got %d", cfg.Importer.BatchSize)
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = (&url.URL{
			Scheme: "http",
			Host:   "localhost:" + cfg.Port,
		}).String()
	}

	return cfg, nil
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

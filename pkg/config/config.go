// Package config loads service configuration from YAML and the environment.
package config

import (
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for sql-browser. Values come from
// config.yaml when present, with environment variables overriding. Secrets
// (metadata-store password, credentials key) come only from the environment.
type Config struct {
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8080"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`

	// Metadata store (PostgreSQL) holding connection descriptors and history.
	Metadata MetadataConfig `yaml:"metadata"`

	// Target-database pool sizing shared by every pool in the registry.
	Pools PoolConfig `yaml:"pools"`

	// History retention and stale-record sweep.
	Retention RetentionConfig `yaml:"retention"`

	// MigrationsPath points at the metadata schema migration files.
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"migrations"`

	// CredentialsKey encrypts connection parameters at rest. 32-byte base64
	// key or passphrase. The server refuses to start without it.
	CredentialsKey string `yaml:"-" env:"CREDENTIALS_KEY"`
}

// MetadataConfig holds PostgreSQL settings for the metadata store.
type MetadataConfig struct {
	Host     string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port     int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User     string `yaml:"user" env:"PGUSER" env-default:"sqlbrowser"`
	Password string `yaml:"-" env:"PGPASSWORD"`
	Database string `yaml:"database" env:"PGDATABASE" env-default:"sqlbrowser"`
	SSLMode  string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MaxConns int32  `yaml:"max_conns" env:"PGMAX_CONNS" env-default:"25"`
}

// URL renders the metadata store connection URL.
func (m MetadataConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		m.User, m.Password, m.Host, m.Port, m.Database, m.SSLMode)
}

// PoolConfig bounds each target-database pool in the registry.
type PoolConfig struct {
	MaxOpenConns   int `yaml:"max_open_conns" env:"TARGET_POOL_MAX_OPEN" env-default:"10"`
	MaxIdleConns   int `yaml:"max_idle_conns" env:"TARGET_POOL_MAX_IDLE" env-default:"2"`
	IdleTimeoutSec int `yaml:"idle_timeout_sec" env:"TARGET_POOL_IDLE_TIMEOUT_SEC" env-default:"30"`
	// EvictAfterMin is how long an unused pool stays registered before the
	// registry closes it.
	EvictAfterMin int `yaml:"evict_after_min" env:"TARGET_POOL_EVICT_AFTER_MIN" env-default:"5"`
}

// RetentionConfig controls the periodic history maintenance job.
type RetentionConfig struct {
	Days int `yaml:"days" env:"HISTORY_RETENTION_DAYS" env-default:"90"`
	// Schedule is a cron expression; default is daily at 03:00.
	Schedule string `yaml:"schedule" env:"HISTORY_RETENTION_SCHEDULE" env-default:"0 3 * * *"`
	// StaleRunningMin is the age past which an orphaned running record is
	// marked as error. Must exceed the longest role timeout with margin.
	StaleRunningMin int `yaml:"stale_running_min" env:"HISTORY_STALE_RUNNING_MIN" env-default:"10"`
}

// Load reads config.yaml if present, then applies environment overrides.
func Load() (*Config, error) {
	cfg := &Config{}

	if _, err := os.Stat("config.yaml"); err == nil {
		if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
			return nil, fmt.Errorf("failed to read config.yaml: %w", err)
		}
	} else {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment config: %w", err)
		}
	}

	if cfg.CredentialsKey == "" {
		return nil, fmt.Errorf("CREDENTIALS_KEY is required to protect stored connection credentials")
	}

	return cfg, nil
}

// Package config loads engine configuration from config.yaml with
// environment variable overrides. Secrets only come from the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for the workflow engine.
// Environment variables always override YAML values.
type Config struct {
	Env     string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version string `yaml:"-"` // Set at load time, not from config

	// Database holds the application (user) database connection settings.
	// The system database lives on the same server.
	Database DatabaseConfig `yaml:"database"`

	// Executor identity and recovery settings.
	Executor ExecutorConfig `yaml:"executor"`

	// Application carries user-defined application configuration, passed
	// through untouched.
	Application map[string]string `yaml:"application"`
}

// DatabaseConfig holds PostgreSQL connection configuration for the
// application database and the engine-owned system database.
type DatabaseConfig struct {
	Host     string `yaml:"hostname" env:"PGHOST" env-default:"localhost"`
	Port     int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User     string `yaml:"username" env:"PGUSER" env-default:"postgres"`
	Password string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	// AppDB is the application's own database.
	AppDB string `yaml:"user_database" env:"PGDATABASE" env-default:"app"`
	// SystemDB is the engine-owned database. Defaults to <AppDB>_dbos_sys.
	SystemDB       string `yaml:"system_database" env:"SYSTEM_DATABASE" env-default:""`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	SSLRootCert    string `yaml:"ssl_ca" env:"PGSSLROOTCERT" env-default:""`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
}

// ExecutorConfig holds per-process identity and engine tuning.
type ExecutorConfig struct {
	// ID partitions recovery ownership across a fleet. "local" means this
	// process owns recovery of the workflows it started.
	ID string `yaml:"-" env:"DBOS__VMID" env-default:"local"`
	// AppVersion partitions recovery by deployed application version.
	AppVersion string `yaml:"-" env:"DBOS__APPVERSION" env-default:""`
	// MaxRecoveryAttempts is the dead-letter threshold.
	MaxRecoveryAttempts int64 `yaml:"max_recovery_attempts" env:"MAX_RECOVERY_ATTEMPTS" env-default:"50"`
	// FlushIntervalMs is the period of the buffered status flush.
	FlushIntervalMs int `yaml:"flush_interval_ms" env:"FLUSH_INTERVAL_MS" env-default:"1000"`
}

// Load reads configuration from the given YAML file with environment
// variable overrides. If the file does not exist, configuration comes from
// the environment alone. The version parameter is injected at build time.
func Load(path, version string) (*Config, error) {
	cfg := &Config{Version: version}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	} else {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills derived values after loading.
func (c *Config) applyDefaults() {
	if c.Database.SystemDB == "" {
		c.Database.SystemDB = c.Database.AppDB + "_dbos_sys"
	}
	// DB_PASSWORD is accepted as a fallback for PGPASSWORD.
	if c.Database.Password == "" {
		c.Database.Password = os.Getenv("DB_PASSWORD")
	}
}

// FlushInterval returns the buffered status flush period.
func (c *ExecutorConfig) FlushInterval() time.Duration {
	if c.FlushIntervalMs <= 0 {
		return time.Second
	}
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

// AppConnectionString returns the DSN for the application database.
func (c *DatabaseConfig) AppConnectionString() string {
	return c.connectionString(c.AppDB)
}

// SystemConnectionString returns the DSN for the system database.
func (c *DatabaseConfig) SystemConnectionString() string {
	return c.connectionString(c.SystemDB)
}

func (c *DatabaseConfig) connectionString(dbname string) string {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, dbname, c.SSLMode,
	)
	if c.SSLRootCert != "" {
		dsn += fmt.Sprintf(" sslrootcert=%s", c.SSLRootCert)
	}
	return dsn
}

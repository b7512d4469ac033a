// Package config loads the supervisor configuration from environment
// variables via viper, with sane defaults for local development. Every
// recognized variable is bound explicitly so `aviary-server --help` and the
// README stay the single source of truth for the configuration surface.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the Aviary supervisor.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	JWT        JWTConfig
	Supervisor SupervisorConfig
	Logging    LoggingConfig
}

// ServerConfig holds the HTTP control-plane configuration.
type ServerConfig struct {
	Port       int
	CORSOrigin string
}

// DatabaseConfig holds the store backend configuration.
// When Host is empty the server falls back to a local SQLite file, which
// keeps single-binary deployments working without a Postgres instance.
type DatabaseConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	// SQLitePath is used when Host is empty.
	SQLitePath string
}

// Driver returns the database driver implied by the configuration.
func (d DatabaseConfig) Driver() string {
	if d.Host == "" {
		return "sqlite"
	}
	return "postgres"
}

// DSN builds the connection string for the configured driver.
func (d DatabaseConfig) DSN() string {
	if d.Driver() == "sqlite" {
		return d.SQLitePath
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		d.Host, d.Port, d.User, d.Password, d.Name)
}

// JWTConfig holds token issuance settings.
type JWTConfig struct {
	Secret           string
	AccessExpiresIn  time.Duration
	RefreshExpiresIn time.Duration
}

// SupervisorConfig holds the agent lifecycle tunables.
type SupervisorConfig struct {
	// WorkerPath is the path to the worker binary launched for every agent.
	WorkerPath string

	PortMin int
	PortMax int

	HeartbeatInterval time.Duration
	ReadyTimeout      time.Duration
	GraceTimeout      time.Duration
	RestartBackoff    time.Duration
	MaxRestarts       int

	// ShutdownTimeout bounds the graceful stop of all agents on SIGTERM.
	ShutdownTimeout time.Duration
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string
}

// Load reads the configuration from the environment. Defaults match the
// values documented in the README; no configuration file is consulted.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", 8080)
	v.SetDefault("CORS_ORIGIN", "*")

	v.SetDefault("DB_HOST", "")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_NAME", "aviary")
	v.SetDefault("DB_USER", "aviary")
	v.SetDefault("DB_PASSWORD", "")
	v.SetDefault("DB_SQLITE_PATH", "./aviary.db")

	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_EXPIRES_IN", "15m")
	v.SetDefault("JWT_REFRESH_EXPIRES_IN", "168h")

	v.SetDefault("AGENT_WORKER_PATH", "")
	v.SetDefault("AGENT_PORT_MIN", 3001)
	v.SetDefault("AGENT_PORT_MAX", 3100)
	v.SetDefault("HEARTBEAT_INTERVAL_MS", 30000)
	v.SetDefault("READY_TIMEOUT_MS", 30000)
	v.SetDefault("GRACE_TIMEOUT_MS", 10000)
	v.SetDefault("RESTART_BACKOFF_MS", 5000)
	v.SetDefault("MAX_RESTARTS", 3)
	v.SetDefault("SHUTDOWN_TIMEOUT_MS", 30000)

	v.SetDefault("LOG_LEVEL", "info")

	cfg := &Config{
		Server: ServerConfig{
			Port:       v.GetInt("PORT"),
			CORSOrigin: v.GetString("CORS_ORIGIN"),
		},
		Database: DatabaseConfig{
			Host:       v.GetString("DB_HOST"),
			Port:       v.GetInt("DB_PORT"),
			Name:       v.GetString("DB_NAME"),
			User:       v.GetString("DB_USER"),
			Password:   v.GetString("DB_PASSWORD"),
			SQLitePath: v.GetString("DB_SQLITE_PATH"),
		},
		JWT: JWTConfig{
			Secret:           v.GetString("JWT_SECRET"),
			AccessExpiresIn:  v.GetDuration("JWT_EXPIRES_IN"),
			RefreshExpiresIn: v.GetDuration("JWT_REFRESH_EXPIRES_IN"),
		},
		Supervisor: SupervisorConfig{
			WorkerPath:        v.GetString("AGENT_WORKER_PATH"),
			PortMin:           v.GetInt("AGENT_PORT_MIN"),
			PortMax:           v.GetInt("AGENT_PORT_MAX"),
			HeartbeatInterval: time.Duration(v.GetInt("HEARTBEAT_INTERVAL_MS")) * time.Millisecond,
			ReadyTimeout:      time.Duration(v.GetInt("READY_TIMEOUT_MS")) * time.Millisecond,
			GraceTimeout:      time.Duration(v.GetInt("GRACE_TIMEOUT_MS")) * time.Millisecond,
			RestartBackoff:    time.Duration(v.GetInt("RESTART_BACKOFF_MS")) * time.Millisecond,
			MaxRestarts:       v.GetInt("MAX_RESTARTS"),
			ShutdownTimeout:   time.Duration(v.GetInt("SHUTDOWN_TIMEOUT_MS")) * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level: v.GetString("LOG_LEVEL"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("config: JWT_SECRET is required")
	}
	s := c.Supervisor
	if s.PortMin < 1024 || s.PortMax > 65535 || s.PortMin > s.PortMax {
		return fmt.Errorf("config: invalid agent port range [%d,%d]", s.PortMin, s.PortMax)
	}
	if s.MaxRestarts < 0 {
		return fmt.Errorf("config: MAX_RESTARTS must be >= 0")
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for connpool.
// Values come from an optional YAML file with environment variable overrides.
// Secrets (PGPASSWORD, AMQP_ADDR which carries broker credentials) must only
// come from environment variables.
type Config struct {
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	Version  string `yaml:"-"` // Set at load time, not from config

	Pool     PoolConfig     `yaml:"pool"`
	Postgres PostgresConfig `yaml:"postgres"`
	AMQP     AMQPConfig     `yaml:"amqp"`
}

// PoolConfig holds settings shared by every backend pool.
type PoolConfig struct {
	// MaxSize is the maximum number of live resources per pool.
	MaxSize int32 `yaml:"max_size" env:"POOL_MAX_SIZE" env-default:"16"`
	// StatementCacheSize bounds each client's statement cache.
	// 0 keeps the cache unbounded.
	StatementCacheSize int `yaml:"statement_cache_size" env:"POOL_STATEMENT_CACHE_SIZE" env-default:"0"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"postgres"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"postgres"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	ConnectTimeout int    `yaml:"connect_timeout_seconds" env:"PGCONNECT_TIMEOUT" env-default:"10"`
}

// AMQPConfig holds broker connection parameters.
type AMQPConfig struct {
	URL              string `yaml:"-" env:"AMQP_ADDR" env-default:"amqp://127.0.0.1:5672/%2f"` // Secret - may embed credentials
	HeartbeatSeconds int    `yaml:"heartbeat_seconds" env:"AMQP_HEARTBEAT_SECONDS" env-default:"10"`
	Locale           string `yaml:"locale" env:"AMQP_LOCALE" env-default:"en_US"`
	ConnectionName   string `yaml:"connection_name" env:"AMQP_CONNECTION_NAME" env-default:"connpool"`
}

// Heartbeat returns the heartbeat interval as a duration.
func (c *AMQPConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// BrokerURL returns URL with a loopback host rewritten when running in Docker.
func (c *AMQPConfig) BrokerURL() string {
	return ResolveURLHostForDocker(c.URL)
}

// Load reads configuration from path with environment variable overrides.
// If path is empty or the file does not exist, only the environment is used.
func Load(path, version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cleanenv.ReadConfig(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		} else if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	} else if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Pool.MaxSize <= 0 {
		return fmt.Errorf("pool.max_size must be positive, got %d", c.Pool.MaxSize)
	}
	if c.Pool.StatementCacheSize < 0 {
		return fmt.Errorf("pool.statement_cache_size must not be negative, got %d", c.Pool.StatementCacheSize)
	}

	u, err := url.Parse(c.AMQP.URL)
	if err != nil {
		return fmt.Errorf("AMQP_ADDR is not a valid URL")
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return fmt.Errorf("AMQP_ADDR must use amqp or amqps scheme, got %q", u.Scheme)
	}

	return nil
}

// ConnectionString builds a PostgreSQL URL with every user-provided field escaped,
// so passwords containing @, /, # or ? do not break parsing.
// localhost is rewritten to host.docker.internal when running in Docker.
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	u := url.URL{
		Scheme: "postgresql",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(ResolveHostForDocker(c.Host), strconv.Itoa(c.Port)),
		Path:   "/" + c.Database,
	}
	q := url.Values{}
	q.Set("sslmode", sslMode)
	if c.ConnectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(c.ConnectTimeout))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

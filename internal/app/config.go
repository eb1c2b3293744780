package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	DriverMemory   = "memory"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Config holds runtime configuration for the server and worker.
type Config struct {
	AppEnv         string        `envconfig:"APP_ENV" default:"development"`
	HTTPAddr       string        `envconfig:"HTTP_ADDR" default:":8080"`
	GRPCAddr       string        `envconfig:"GRPC_ADDR" default:":50051"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`

	StoreDriver string `envconfig:"STORE_DRIVER" default:"memory"`
	MySQLDSN    string `envconfig:"MYSQL_DSN"`
	PGDSN       string `envconfig:"PG_DSN"`

	// RedisAddr enables the Redis sequencer, idempotency keys and asynq
	// alert queue. Empty keeps everything in process.
	RedisAddr string `envconfig:"REDIS_ADDR"`

	LockTimeout        time.Duration `envconfig:"LOCK_TIMEOUT" default:"5s"`
	RateLimitPerMinute int           `envconfig:"RATE_LIMIT_PER_MINUTE" default:"600"`
	AlertWorkers       int           `envconfig:"ALERT_WORKERS" default:"2"`
	AlertQueueSize     int           `envconfig:"ALERT_QUEUE_SIZE" default:"1024"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the selected store has the connection settings it needs.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverMemory:
	case DriverMySQL:
		if c.MySQLDSN == "" {
			return errors.New("MYSQL_DSN must be provided for the mysql store")
		}
	case DriverPostgres:
		if c.PGDSN == "" {
			return errors.New("PG_DSN must be provided for the postgres store")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.LockTimeout <= 0 {
		return errors.New("LOCK_TIMEOUT must be positive")
	}
	return nil
}

// IsProduction returns true when the application runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.AppEnv == "production"
}

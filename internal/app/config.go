// Package app holds the runtime configuration shared by the binaries.
package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// History sink modes.
const (
	HistoryLog   = "log"
	HistoryQueue = "queue"
	HistoryDB    = "db"
)

// Config holds runtime configuration read from the environment.
type Config struct {
	Env          string        `envconfig:"CHORUS_ENV" default:"development"`
	HTTPAddr     string        `envconfig:"HTTP_ADDR" default:":8080"`
	GRPCAddr     string        `envconfig:"GRPC_ADDR" default:":9090"`
	ReadTimeout  time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"15s"`
	WriteTimeout time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"30s"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	PGDSN     string `envconfig:"PG_DSN"`
	RedisAddr string `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`

	AuthSecret string        `envconfig:"AUTH_SECRET" required:"true"`
	TokenTTL   time.Duration `envconfig:"TOKEN_TTL" default:"12h"`

	// HistorySink selects where accepted writes are recorded: log, queue or db.
	HistorySink string `envconfig:"HISTORY_SINK" default:"log"`
	WorkerConc  int    `envconfig:"WORKER_CONCURRENCY" default:"4"`

	RateBurst    int   `envconfig:"RATE_BURST" default:"40"`
	RatePerSec   int   `envconfig:"RATE_PER_SEC" default:"20"`
	MaxBodyBytes int64 `envconfig:"MAX_BODY_BYTES" default:"1048576"`
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

// Validate checks settings envconfig cannot express.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.AuthSecret) == "" {
		return errors.New("auth secret must be provided")
	}
	c.HistorySink = strings.ToLower(strings.TrimSpace(c.HistorySink))
	switch c.HistorySink {
	case HistoryLog:
	case HistoryQueue:
		if c.RedisAddr == "" {
			return errors.New("HISTORY_SINK=queue needs REDIS_ADDR")
		}
	case HistoryDB:
		if c.PGDSN == "" {
			return errors.New("HISTORY_SINK=db needs PG_DSN")
		}
	default:
		return fmt.Errorf("unknown HISTORY_SINK %q", c.HistorySink)
	}
	if c.RateBurst <= 0 || c.RatePerSec <= 0 {
		return errors.New("rate limit must be positive")
	}
	return nil
}

// IsProduction returns true when the application runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.Env == "production"
}

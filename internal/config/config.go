package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/opsdesk/console-client-go/internal/model"
)

type Config struct {
	APIBaseURL          string `env:"API_BASE_URL" envDefault:"http://localhost:8080"`
	Role                string `env:"CONSOLE_ROLE" envDefault:"admin"`
	Email               string `env:"CONSOLE_EMAIL"`
	Password            string `env:"CONSOLE_PASSWORD"`
	SessionBackend      string `env:"SESSION_BACKEND" envDefault:"memory"`
	RedisURL            string `env:"REDIS_URL"`
	DatabaseURL         string `env:"DATABASE_URL"`
	LogLevel            string `env:"LOG_LEVEL" envDefault:"info"`
	PollingEnabled      bool   `env:"POLLING_ENABLED" envDefault:"true"`
	PollIntervalSeconds int    `env:"POLL_INTERVAL_SECONDS" envDefault:"15"`
	PollGraceSeconds    int    `env:"POLL_GRACE_SECONDS" envDefault:"3"`
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c *Config) PollGrace() time.Duration {
	return time.Duration(c.PollGraceSeconds) * time.Second
}

// StreamURL derives the websocket endpoint from the API base URL.
func (c *Config) StreamURL() string {
	u, err := url.Parse(c.APIBaseURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/stream"
	return u.String()
}

func (c *Config) Validate() error {
	if !model.Role(c.Role).Valid() {
		return fmt.Errorf("CONSOLE_ROLE must be one of admin, staff, customer (got %q)", c.Role)
	}

	if _, err := url.Parse(c.APIBaseURL); err != nil {
		return fmt.Errorf("API_BASE_URL is not a valid URL: %w", err)
	}

	switch c.SessionBackend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("SESSION_BACKEND=redis requires REDIS_URL")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("SESSION_BACKEND=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("SESSION_BACKEND must be one of memory, redis, postgres (got %q)", c.SessionBackend)
	}

	if c.PollIntervalSeconds <= 0 {
		return fmt.Errorf("POLL_INTERVAL_SECONDS must be positive")
	}
	if c.PollGraceSeconds < 0 {
		return fmt.Errorf("POLL_GRACE_SECONDS must not be negative")
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

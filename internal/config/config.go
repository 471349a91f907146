// Package config loads lockstep settings from the environment.
// Command-line flags override whatever is loaded here.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Server configures `lockstep serve`.
type Server struct {
	Addr              string        `env:"LOCKSTEP_ADDR"                 envDefault:"127.0.0.1:8080"`
	DB                string        `env:"LOCKSTEP_DB"                   envDefault:"lockstep.db"`
	RedisAddr         string        `env:"LOCKSTEP_REDIS_ADDR"`
	TokenSecret       string        `env:"LOCKSTEP_TOKEN_SECRET"`
	MaxStorageRetries uint64        `env:"LOCKSTEP_MAX_STORAGE_RETRIES"  envDefault:"8"`
	LogLevel          string        `env:"LOCKSTEP_LOG_LEVEL"            envDefault:"info"`
	ShutdownTimeout   time.Duration `env:"LOCKSTEP_SHUTDOWN_TIMEOUT"     envDefault:"10s"`
}

// Client configures the commands that talk to a running server.
type Client struct {
	Server  string        `env:"LOCKSTEP_SERVER"  envDefault:"http://127.0.0.1:8080"`
	Token   string        `env:"LOCKSTEP_TOKEN"`
	Timeout time.Duration `env:"LOCKSTEP_TIMEOUT" envDefault:"10s"`
}

// Options control how the environment is read. Tests pass a fixed map.
type Options struct {
	Environment map[string]string
}

// LoadServer reads server settings.
func LoadServer(opts ...Options) (Server, error) {
	var cfg Server
	if err := parse(&cfg, opts); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

// LoadClient reads client settings.
func LoadClient(opts ...Options) (Client, error) {
	var cfg Client
	if err := parse(&cfg, opts); err != nil {
		return Client{}, err
	}
	cfg.Server = strings.TrimRight(cfg.Server, "/")
	return cfg, nil
}

func parse(target any, opts []Options) error {
	var o env.Options
	if len(opts) > 0 && opts[0].Environment != nil {
		o.Environment = opts[0].Environment
	}
	if err := env.ParseWithOptions(target, o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks settings that have no usable default.
func (s Server) Validate() error {
	if s.TokenSecret == "" {
		return errors.New("LOCKSTEP_TOKEN_SECRET is required")
	}
	if s.Addr == "" {
		return errors.New("listen address is required")
	}
	if _, err := ParseLevel(s.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", name)
	}
	return level, nil
}

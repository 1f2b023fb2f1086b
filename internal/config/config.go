// Package config loads daemon configuration. Values come from the
// environment (optionally primed from a .env file); a YAML file, when
// present, overrides the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Datastore DatastoreConfig `yaml:"datastore"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Rate      RateConfig      `yaml:"rate"`
	Log       LogConfig       `yaml:"log"`
}

type ListenConfig struct {
	// Addr serves the WebSocket endpoint, the REST API and /metrics.
	Addr string `yaml:"addr" env:"MIDDLED_LISTEN_ADDR,default=:8000"`
}

type DatastoreConfig struct {
	// Driver is "postgres" or "memory".
	Driver string `yaml:"driver" env:"MIDDLED_DB_DRIVER,default=memory"`
	DSN    string `yaml:"dsn" env:"MIDDLED_DB_DSN"`
}

type JobsConfig struct {
	Workers     int           `yaml:"workers" env:"MIDDLED_JOB_WORKERS,default=4"`
	HistorySize int           `yaml:"history_size" env:"MIDDLED_JOB_HISTORY,default=1000"`
	AbortGrace  time.Duration `yaml:"abort_grace" env:"MIDDLED_JOB_ABORT_GRACE,default=10s"`
}

type RateConfig struct {
	// PerSecond caps calls per session; zero disables limiting.
	PerSecond float64 `yaml:"per_second" env:"MIDDLED_RATE_PER_SECOND,default=0"`
	Burst     int     `yaml:"burst" env:"MIDDLED_RATE_BURST,default=0"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"MIDDLED_LOG_LEVEL,default=info"`
	Format string `yaml:"format" env:"MIDDLED_LOG_FORMAT,default=text"`
}

// Load reads configuration: .env file (if any), then the environment, then
// the YAML file at path (if non-empty).
func Load(path string) (*Config, error) {
	// A missing .env is fine; explicit YAML paths are not.
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Datastore.Driver {
	case "memory":
	case "postgres":
		if c.Datastore.DSN == "" {
			return fmt.Errorf("datastore driver postgres requires a DSN")
		}
	default:
		return fmt.Errorf("unknown datastore driver %q", c.Datastore.Driver)
	}
	if c.Jobs.Workers < 1 {
		return fmt.Errorf("jobs.workers must be at least 1")
	}
	if c.Rate.PerSecond < 0 {
		return fmt.Errorf("rate.per_second must not be negative")
	}
	return nil
}

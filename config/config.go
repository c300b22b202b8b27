// Package config loads aggregator configuration from a yaml file,
// environment variables and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config represents aggregator configuration
type Config struct {
	HTTP  HTTP  `yaml:"http"`
	Store Store `yaml:"store"`
	Log   Log   `yaml:"log"`
}

// HTTP configures the http server
type HTTP struct {
	Addr            string        `yaml:"addr" env:"HTTP_ADDR" env-default:":8080"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"10s"`
}

// DefaultSQLitePath is used when neither a sqlite path nor a postgres dsn is configured
const DefaultSQLitePath = "data/aggregator.db"

// Store configures the dedup store. PostgresDSN takes effect only when SQLitePath is empty
type Store struct {
	SQLitePath   string        `yaml:"sqlite_path" env:"SQLITE_PATH"`
	PostgresDSN  string        `yaml:"postgres_dsn" env:"POSTGRES_DSN"`
	ClaimTimeout time.Duration `yaml:"claim_timeout" env:"CLAIM_TIMEOUT" env-default:"5s"`
}

// Log configures logging
type Log struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

// SlogLevel parses the configured level
func (l Log) SlogLevel() (slog.Level, error) {
	var lvl slog.Level

	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", l.Level, err)
	}

	return lvl, nil
}

// Load reads configuration from the yaml file at path, with environment variables
// taking precedence. A missing file falls back to environment variables only.
// Variables from a .env file in the working directory are loaded first if present
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}

	if path != "" {
		err := cleanenv.ReadConfig(path, cfg)
		if err == nil {
			return cfg.withDefaults(), nil
		}

		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config error: %w", err)
		}
	}

	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}

	return cfg.withDefaults(), nil
}

func (c *Config) withDefaults() *Config {
	if c.Store.SQLitePath == "" && c.Store.PostgresDSN == "" {
		c.Store.SQLitePath = DefaultSQLitePath
	}

	return c
}

// Package config loads todosync settings from .env, an optional yaml file
// and the environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	gookit "github.com/gookit/config/v2"
	"github.com/gookit/config/v2/yaml"
	"github.com/joho/godotenv"
)

// DefaultFile is the yaml file read when no path is given.
const DefaultFile = "todosync.yml"

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "TODOSYNC_"

type Config struct {
	DataDir       string
	DatabaseURL   string
	RedisURL      string
	JWTSecret     string
	UserID        string
	ServerAddr    string
	SyncInterval  time.Duration
	ProbeInterval time.Duration
	RemoteTimeout time.Duration
	LogLevel      string
}

// fileConfig mirrors the yaml layout. Durations stay strings until parsed.
type fileConfig struct {
	DataDir       string `config:"data_dir"`
	DatabaseURL   string `config:"database_url"`
	RedisURL      string `config:"redis_url"`
	JWTSecret     string `config:"jwt_secret"`
	UserID        string `config:"user_id"`
	ServerAddr    string `config:"server_addr"`
	SyncInterval  string `config:"sync_interval"`
	ProbeInterval string `config:"probe_interval"`
	RemoteTimeout string `config:"remote_timeout"`
	LogLevel      string `config:"log_level"`
}

func defaults() fileConfig {
	dataDir := ".todosync"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".todosync")
	}
	return fileConfig{
		DataDir:       dataDir,
		ServerAddr:    "127.0.0.1:8787",
		SyncInterval:  "5m",
		ProbeInterval: "15s",
		RemoteTimeout: "10s",
		LogLevel:      "info",
	}
}

// Load builds a Config. A missing .env or yaml file is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	fc := defaults()
	if path == "" {
		path = DefaultFile
	}
	if err := loadFile(path, &fc); err != nil {
		return nil, err
	}
	applyEnv(&fc)

	cfg, err := fc.parse()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, fc *fileConfig) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat config file: %w", err)
	}

	c := gookit.New("todosync")
	c.WithOptions(func(opt *gookit.Options) {
		opt.ParseEnv = true
		opt.DecoderConfig.TagName = "config"
	})
	c.AddDriver(yaml.Driver)

	if err := c.LoadFiles(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	if err := c.LoadExists(strings.Replace(path, ".yml", ".local.yml", 1)); err != nil {
		return fmt.Errorf("failed to load local overrides: %w", err)
	}
	if err := c.BindStruct("", fc); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

func applyEnv(fc *fileConfig) {
	for key, dst := range map[string]*string{
		"DATA_DIR":       &fc.DataDir,
		"DATABASE_URL":   &fc.DatabaseURL,
		"REDIS_URL":      &fc.RedisURL,
		"JWT_SECRET":     &fc.JWTSecret,
		"USER_ID":        &fc.UserID,
		"SERVER_ADDR":    &fc.ServerAddr,
		"SYNC_INTERVAL":  &fc.SyncInterval,
		"PROBE_INTERVAL": &fc.ProbeInterval,
		"REMOTE_TIMEOUT": &fc.RemoteTimeout,
		"LOG_LEVEL":      &fc.LogLevel,
	} {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}
}

func (fc fileConfig) parse() (*Config, error) {
	cfg := &Config{
		DataDir:     strings.TrimSpace(fc.DataDir),
		DatabaseURL: strings.TrimSpace(fc.DatabaseURL),
		RedisURL:    strings.TrimSpace(fc.RedisURL),
		JWTSecret:   fc.JWTSecret,
		UserID:      strings.TrimSpace(fc.UserID),
		ServerAddr:  strings.TrimSpace(fc.ServerAddr),
		LogLevel:    strings.ToLower(strings.TrimSpace(fc.LogLevel)),
	}

	for name, d := range map[string]struct {
		raw string
		dst *time.Duration
	}{
		"sync_interval":  {fc.SyncInterval, &cfg.SyncInterval},
		"probe_interval": {fc.ProbeInterval, &cfg.ProbeInterval},
		"remote_timeout": {fc.RemoteTimeout, &cfg.RemoteTimeout},
	} {
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", name, d.raw, err)
		}
		*d.dst = v
	}
	return cfg, nil
}

// Validate checks required fields and ranges.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.SyncInterval < 0 {
		return errors.New("sync_interval must not be negative")
	}
	if c.ProbeInterval <= 0 {
		return errors.New("probe_interval must be positive")
	}
	if c.RemoteTimeout <= 0 {
		return errors.New("remote_timeout must be positive")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}

// UseMemoryRemote reports whether no hosted backend is configured.
func (c *Config) UseMemoryRemote() bool {
	return c.DatabaseURL == ""
}

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/ggoodman/jsonresource-go/resource"
)

const (
	backendMemory = "memory"
	backendFS     = "fs"
)

// Config is read from the environment first; a YAML file given with
// --config overrides whatever keys it sets.
type Config struct {
	// Addr to listen on. ENV: RESOURCED_ADDR
	Addr string `env:"RESOURCED_ADDR,default=:8080" yaml:"addr"`
	// BasePath the resource tree is mounted under. ENV: RESOURCED_BASE_PATH
	BasePath string `env:"RESOURCED_BASE_PATH,default=/" yaml:"base_path"`
	// Backend is "memory" or "fs". ENV: RESOURCED_BACKEND
	Backend string `env:"RESOURCED_BACKEND,default=memory" yaml:"backend"`
	// FSRoot is the served directory for the fs backend. ENV: RESOURCED_FS_ROOT
	FSRoot string `env:"RESOURCED_FS_ROOT" yaml:"fs_root"`
	// SeedFile is a YAML document loaded into the memory backend. ENV: RESOURCED_SEED_FILE
	SeedFile string `env:"RESOURCED_SEED_FILE" yaml:"seed_file"`
	// RedisAddr like "localhost:6379". Contexts are kept in memory when empty. ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR" yaml:"redis_addr"`
	// ContextTTL is how long saved request contexts live. ENV: RESOURCED_CONTEXT_TTL
	ContextTTL time.Duration `env:"RESOURCED_CONTEXT_TTL,default=15m" yaml:"context_ttl"`
	// LogLevel is one of debug, info, warn or error. ENV: RESOURCED_LOG_LEVEL
	LogLevel string `env:"RESOURCED_LOG_LEVEL,default=info" yaml:"log_level"`
	// ResourceVersion is reported with every result when set. ENV: RESOURCED_RESOURCE_VERSION
	ResourceVersion string `env:"RESOURCED_RESOURCE_VERSION" yaml:"resource_version"`
}

func loadConfig(path string) (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if path != "" {
		// #nosec G304 -- config path comes from a trusted flag.
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	switch c.Backend {
	case backendMemory:
	case backendFS:
		if c.FSRoot == "" {
			return fmt.Errorf("the fs backend requires RESOURCED_FS_ROOT")
		}
	default:
		return fmt.Errorf("unknown backend %q (supported: %s, %s)", c.Backend, backendMemory, backendFS)
	}
	if _, err := c.level(); err != nil {
		return err
	}
	if _, err := c.version(); err != nil {
		return err
	}
	return nil
}

func (c *Config) level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return l, nil
}

func (c *Config) version() (resource.Version, error) {
	if c.ResourceVersion == "" {
		return resource.Version{}, nil
	}
	return resource.ParseVersion(c.ResourceVersion)
}

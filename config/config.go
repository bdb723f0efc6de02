// Package config loads the servers toolpipe launches and the pool settings
// used to reach them.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/shaharia-lab/toolpipe/mcp"
	"github.com/shaharia-lab/toolpipe/observability"
)

// Defaults are read from the environment and fill every value the config
// file leaves unset.
type Defaults struct {
	// ENV: TOOLPIPE_REQUEST_TIMEOUT
	RequestTimeout time.Duration `env:"TOOLPIPE_REQUEST_TIMEOUT,default=30s"`
	// ENV: TOOLPIPE_SHUTDOWN_GRACE
	ShutdownGrace time.Duration `env:"TOOLPIPE_SHUTDOWN_GRACE,default=5s"`
	// ENV: TOOLPIPE_POOL_SIZE
	PoolSize int `env:"TOOLPIPE_POOL_SIZE,default=3"`
	// ENV: TOOLPIPE_LOG_LEVEL
	LogLevel string `env:"TOOLPIPE_LOG_LEVEL,default=info"`
}

// LoadDefaults decodes Defaults from the environment.
func LoadDefaults() (Defaults, error) {
	var d Defaults
	if err := envdecode.Decode(&d); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Defaults{}, fmt.Errorf("decode environment: %w", err)
	}
	return d, nil
}

// Config is the toolpipe configuration file.
type Config struct {
	LogLevel string                  `yaml:"log_level"`
	Pool     PoolConfig              `yaml:"pool"`
	Servers  map[string]ServerConfig `yaml:"servers"`
}

// PoolConfig configures the connection pool per server.
type PoolConfig struct {
	Size int `yaml:"size"`
}

// ServerConfig describes how to launch one stdio server.
type ServerConfig struct {
	Command        string            `yaml:"command"`
	Args           []string          `yaml:"args"`
	Dir            string            `yaml:"dir"`
	Env            map[string]string `yaml:"env"`
	RequestTimeout time.Duration     `yaml:"request_timeout"`
	ShutdownGrace  time.Duration     `yaml:"shutdown_grace"`
}

// Load reads configuration from a YAML file. ${VAR} references are expanded
// from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	defaults, err := LoadDefaults()
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults(defaults)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with no servers, built from the environment.
func Default() (*Config, error) {
	defaults, err := LoadDefaults()
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	cfg.applyDefaults(defaults)
	return cfg, nil
}

func (c *Config) applyDefaults(d Defaults) {
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.Pool.Size <= 0 {
		c.Pool.Size = d.PoolSize
	}
	if c.Servers == nil {
		c.Servers = make(map[string]ServerConfig)
	}
	for name, s := range c.Servers {
		if s.RequestTimeout <= 0 {
			s.RequestTimeout = d.RequestTimeout
		}
		if s.ShutdownGrace <= 0 {
			s.ShutdownGrace = d.ShutdownGrace
		}
		c.Servers[name] = s
	}
}

// Validate checks that the configuration can be used.
func (c *Config) Validate() error {
	if _, err := observability.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	for _, name := range c.ServerNames() {
		if c.Servers[name].Command == "" {
			return fmt.Errorf("servers.%s: command is required", name)
		}
	}
	return nil
}

// ServerNames returns the configured server names, sorted.
func (c *Config) ServerNames() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Server returns the named server.
func (c *Config) Server(name string) (ServerConfig, error) {
	s, ok := c.Servers[name]
	if !ok {
		return ServerConfig{}, fmt.Errorf("server %q is not configured (available: %v)", name, c.ServerNames())
	}
	return s, nil
}

// ClientConfig converts the server entry into a client configuration.
func (s ServerConfig) ClientConfig(logger observability.Logger) mcp.StdIOClientConfig {
	return mcp.StdIOClientConfig{
		Command:        s.Command,
		Args:           s.Args,
		Dir:            s.Dir,
		Env:            s.Env,
		RequestTimeout: s.RequestTimeout,
		ShutdownGrace:  s.ShutdownGrace,
		Logger:         logger,
	}
}

// PoolConfig builds the pool configuration for the named server.
func (c *Config) PoolConfig(name string, logger observability.Logger) (mcp.PoolConfig, error) {
	s, err := c.Server(name)
	if err != nil {
		return mcp.PoolConfig{}, err
	}
	return mcp.PoolConfig{
		Size:   c.Pool.Size,
		Client: s.ClientConfig(logger),
		Logger: logger,
	}, nil
}

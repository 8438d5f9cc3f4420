// Package config loads the controller's TOML configuration.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server Server `toml:"server"`
	Redis  Redis  `toml:"redis"`
	Judger Judger `toml:"judger"`
	Auth   Auth   `toml:"auth"`
}

type Server struct {
	Address string `toml:"address"`
}

type Redis struct {
	URL     string `toml:"url"`
	MaxOpen int    `toml:"max_open"`
}

type Judger struct {
	TokenTTL   uint64 `toml:"token_ttl"`   // milliseconds
	RPCTimeout uint64 `toml:"rpc_timeout"` // milliseconds
}

type Auth struct {
	RootAccessKey string `toml:"root_access_key"`
	RootSecretKey string `toml:"root_secret_key"`
}

// FromFile reads and validates a config file.
func FromFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}
	if c.Redis.MaxOpen < 0 || c.Redis.MaxOpen > 64 {
		return fmt.Errorf("redis.max_open must be in 0..=64")
	}
	if c.Judger.TokenTTL == 0 {
		return fmt.Errorf("judger.token_ttl is required")
	}
	if c.Judger.RPCTimeout < 1000 || c.Judger.RPCTimeout > 60000 {
		return fmt.Errorf("judger.rpc_timeout must be in 1000..=60000 milliseconds")
	}
	if c.Auth.RootAccessKey == "" || c.Auth.RootSecretKey == "" {
		return fmt.Errorf("auth.root_access_key and auth.root_secret_key are required")
	}
	return nil
}

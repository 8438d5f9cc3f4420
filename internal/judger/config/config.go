// Package config loads the judger worker's TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Client   Client   `toml:"client"`
	Redis    Redis    `toml:"redis"`
	Data     Data     `toml:"data"`
	Executor Executor `toml:"executor"`
}

type Client struct {
	RemoteDomain string `toml:"remote_domain"`
	AccessKey    string `toml:"access_key"`
	SecretKey    string `toml:"secret_key"`
	RPCTimeout   uint64 `toml:"rpc_timeout"` // milliseconds
	MaxTaskCount uint32 `toml:"max_task_count"`
}

type Redis struct {
	URL     string `toml:"url"`
	MaxOpen int    `toml:"max_open"`
}

type Data struct {
	Directory         string `toml:"directory"`
	DownloadSizeLimit uint64 `toml:"download_size_limit"` // bytes
}

type Executor struct {
	WorkspaceRoot string    `toml:"workspace_root"`
	UID           uint32    `toml:"uid"`
	GID           uint32    `toml:"gid"`
	HardLimit     HardLimit `toml:"hard_limit"`

	C          Lang `toml:"c"`
	Cpp        Lang `toml:"cpp"`
	Rust       Lang `toml:"rust"`
	Java       Lang `toml:"java"`
	Python     Lang `toml:"python"`
	JavaScript Lang `toml:"javascript"`
}

// HardLimit is the per-worker ceiling; task limits are clamped to it.
type HardLimit struct {
	RealTime uint64 `toml:"real_time"` // milliseconds
	CPUTime  uint64 `toml:"cpu_time"`  // milliseconds
	Memory   uint64 `toml:"memory"`    // bytes
	Output   uint64 `toml:"output"`    // bytes
	Pids     uint32 `toml:"pids"`
}

// Lang configures one language toolchain: the compiler and/or runtime
// binary plus the support trees bind-mounted into the sandbox.
type Lang struct {
	Compiler string   `toml:"compiler"`
	Runtime  string   `toml:"runtime"`
	Mount    []string `toml:"mount"`
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

// Validate checks required fields, ranges, and that executor paths are
// absolute.
func (c *Config) Validate() error {
	if c.Client.RemoteDomain == "" {
		return fmt.Errorf("client.remote_domain is required")
	}
	if c.Client.AccessKey == "" || c.Client.SecretKey == "" {
		return fmt.Errorf("client.access_key and client.secret_key are required")
	}
	if c.Client.RPCTimeout < 1000 || c.Client.RPCTimeout > 60000 {
		return fmt.Errorf("client.rpc_timeout must be in 1000..=60000 milliseconds")
	}
	if c.Client.MaxTaskCount < 1 || c.Client.MaxTaskCount > 64 {
		return fmt.Errorf("client.max_task_count must be in 1..=64")
	}
	if c.Data.Directory == "" || !filepath.IsAbs(c.Data.Directory) {
		return fmt.Errorf("data.directory must be an absolute path")
	}
	if c.Data.DownloadSizeLimit == 0 {
		return fmt.Errorf("data.download_size_limit is required")
	}
	if c.Executor.WorkspaceRoot == "" || !filepath.IsAbs(c.Executor.WorkspaceRoot) {
		return fmt.Errorf("executor.workspace_root must be an absolute path")
	}
	hl := c.Executor.HardLimit
	if hl.RealTime == 0 || hl.CPUTime == 0 || hl.Memory == 0 || hl.Output == 0 || hl.Pids == 0 {
		return fmt.Errorf("executor.hard_limit requires real_time, cpu_time, memory, output and pids")
	}
	for name, lang := range map[string]Lang{
		"c": c.Executor.C, "cpp": c.Executor.Cpp, "rust": c.Executor.Rust,
		"java": c.Executor.Java, "python": c.Executor.Python, "javascript": c.Executor.JavaScript,
	} {
		for _, m := range lang.Mount {
			if !filepath.IsAbs(m) {
				return fmt.Errorf("executor.%s.mount entries must be absolute paths", name)
			}
		}
	}
	return nil
}

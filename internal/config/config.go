// Package config handles loading and validating cowfork configuration.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kahiteam/cowfork/internal/mmu"
)

// Config is the top-level cowfork configuration.
type Config struct {
	Log    LogConfig    `toml:"log"`
	Kernel KernelConfig `toml:"kernel"`
	Fork   ForkConfig   `toml:"fork"`
	Run    RunConfig    `toml:"run"`
	Server ServerConfig `toml:"server"`
}

// LogConfig holds logging settings for the cowfork commands.
type LogConfig struct {
	Level    string `toml:"level"`
	Format   string `toml:"format"`
	File     string `toml:"file"`
	MaxBytes string `toml:"max_bytes"`
	Backups  int    `toml:"backups"`
}

// KernelConfig sizes the simulated kernel booted for each scenario.
type KernelConfig struct {
	Frames  int `toml:"frames"`
	MaxEnvs int `toml:"max_envs"`
	History int `toml:"history"`
}

// ForkConfig holds fork settings.
type ForkConfig struct {
	// Exclude lists extra addresses whose pages fork never duplicates,
	// written as hex strings such as "0xeebfd000".
	Exclude []string `toml:"exclude"`
}

// Addrs parses Exclude.
func (f ForkConfig) Addrs() ([]mmu.Addr, error) {
	out := make([]mmu.Addr, 0, len(f.Exclude))
	for _, s := range f.Exclude {
		v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x"), 16, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q", s)
		}
		out = append(out, mmu.Addr(v))
	}
	return out, nil
}

// RunConfig holds scenario runner settings.
type RunConfig struct {
	Timeout     string   `toml:"timeout"`
	Scenarios   []string `toml:"scenarios"`
	KeepReports int      `toml:"keep_reports"`
}

// TimeoutDuration returns Timeout parsed, or zero when it is unset or
// invalid. Validate reports invalid values.
func (r RunConfig) TimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(r.Timeout)
	return d
}

// ServerConfig holds server listener settings.
type ServerConfig struct {
	Unix UnixServerConfig `toml:"unix"`
	HTTP HTTPServerConfig `toml:"http"`
	Web  WebServerConfig  `toml:"web"`
}

// UnixServerConfig holds Unix domain socket settings.
type UnixServerConfig struct {
	File  string `toml:"file"`
	Chmod string `toml:"chmod"`
}

// HTTPServerConfig holds HTTP server settings.
type HTTPServerConfig struct {
	Enabled  bool   `toml:"enabled"`
	Listen   string `toml:"listen"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// WebServerConfig holds dashboard settings. The dashboard shares the
// API listeners and their authentication.
type WebServerConfig struct {
	Enabled   bool   `toml:"enabled"`
	StaticDir string `toml:"static_dir"`
}

package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kahiteam/cowfork/internal/logging"
	"github.com/kahiteam/cowfork/internal/scenario"
)

// minFrames is the smallest memory in which a fork can complete: the
// parent's exception stack, the child's, and one page to copy.
const minFrames = 3

// Validate checks the config for semantic errors and returns all of them.
func Validate(cfg *Config) []error {
	var errs []error

	if err := logging.ValidateLevel(cfg.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", cfg.Log.Format))
	}
	if cfg.Log.Backups < 0 {
		errs = append(errs, fmt.Errorf("log.backups must be >= 0, got %d", cfg.Log.Backups))
	}

	if cfg.Kernel.Frames < minFrames {
		errs = append(errs, fmt.Errorf("kernel.frames must be >= %d, got %d", minFrames, cfg.Kernel.Frames))
	}
	if cfg.Kernel.MaxEnvs < 2 {
		errs = append(errs, fmt.Errorf("kernel.max_envs must be >= 2, got %d", cfg.Kernel.MaxEnvs))
	}
	if cfg.Kernel.History < 0 {
		errs = append(errs, fmt.Errorf("kernel.history must be >= 0, got %d", cfg.Kernel.History))
	}

	if _, err := cfg.Fork.Addrs(); err != nil {
		errs = append(errs, fmt.Errorf("fork.exclude: %w", err))
	}

	if d, err := time.ParseDuration(cfg.Run.Timeout); err != nil || d < 0 {
		errs = append(errs, fmt.Errorf("run.timeout must be a non-negative duration, got %q", cfg.Run.Timeout))
	}
	for _, name := range cfg.Run.Scenarios {
		if _, ok := scenario.Lookup(name); !ok {
			errs = append(errs, fmt.Errorf("run.scenarios: unknown scenario %q", name))
		}
	}
	if cfg.Run.KeepReports < 0 {
		errs = append(errs, fmt.Errorf("run.keep_reports must be >= 0, got %d", cfg.Run.KeepReports))
	}

	if _, err := strconv.ParseUint(cfg.Server.Unix.Chmod, 8, 32); err != nil {
		errs = append(errs, fmt.Errorf("server.unix.chmod must be an octal mode, got %q", cfg.Server.Unix.Chmod))
	}
	if cfg.Server.HTTP.Enabled {
		if cfg.Server.HTTP.Username == "" || cfg.Server.HTTP.Password == "" {
			errs = append(errs, fmt.Errorf("server.http: username and password are required when enabled"))
		} else if !strings.HasPrefix(cfg.Server.HTTP.Password, "$2") {
			errs = append(errs, fmt.Errorf("server.http.password must be a bcrypt hash (see cowfork hash-password)"))
		}
	}

	return errs
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kahiteam/cowfork/internal/config"
	"github.com/kahiteam/cowfork/internal/scenario"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "cowfork",
	Short:         "cowfork -- copy-on-write fork over a simulated microkernel",
	Long:          "cowfork runs user-level copy-on-write fork scenarios on a simulated microkernel and serves their reports.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file or directory (default: $COWFORK_CONFIG, ./cowfork.toml, the user config dir, /etc/cowfork)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig resolves and loads the config file. When no file was asked
// for and none is found on the search path, the defaults are used.
func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.Resolve(explicit)
	if err != nil {
		if !errors.Is(err, config.ErrNotFound) {
			return nil, "", err
		}
		cfg := &config.Config{}
		config.ApplyDefaults(cfg)
		return cfg, "", nil
	}
	cfg, warnings, err := config.LoadFile(path)
	if err != nil {
		return nil, path, err
	}
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "warning: %s: %s\n", path, w)
	}
	return cfg, path, nil
}

func scenarioConfig(cfg *config.Config) (scenario.Config, error) {
	exclude, err := cfg.Fork.Addrs()
	if err != nil {
		return scenario.Config{}, err
	}
	return scenario.Config{
		Frames:  cfg.Kernel.Frames,
		MaxEnvs: cfg.Kernel.MaxEnvs,
		History: cfg.Kernel.History,
		Exclude: exclude,
		Timeout: cfg.Run.TimeoutDuration(),
		Keep:    cfg.Run.KeepReports,
	}, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

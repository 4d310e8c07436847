package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kahiteam/cowfork/internal/logging"
	"github.com/kahiteam/cowfork/internal/scenario"
)

var (
	runJSON    bool
	runVerbose bool
)

var errScenariosFailed = errors.New("one or more scenarios failed")

var runCmd = &cobra.Command{
	Use:   "run [scenario...]",
	Short: "Run scenarios on a fresh simulated kernel",
	Long: "Boots a simulated kernel for each named scenario, or for those listed in\n" +
		"run.scenarios, or for every built-in scenario, and prints the reports.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		logger, cleanup, err := logging.DaemonLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File)
		if err != nil {
			return err
		}
		if cleanup != nil {
			defer cleanup()
		}
		scfg, err := scenarioConfig(cfg)
		if err != nil {
			return err
		}

		names := args
		if len(names) == 0 {
			names = cfg.Run.Scenarios
		}
		for _, n := range names {
			if _, ok := scenario.Lookup(n); !ok {
				return fmt.Errorf("%w: %s", scenario.ErrUnknown, n)
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		runner := scenario.NewRunner(scfg, logger, nil)
		reports, err := runner.RunAll(ctx, names)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if runJSON {
			if err := writeJSON(w, reports); err != nil {
				return err
			}
		} else if runVerbose {
			for i, r := range reports {
				if i > 0 {
					fmt.Fprintln(w)
				}
				if err := scenario.WriteReport(w, r, false); err != nil {
					return err
				}
			}
		} else if err := scenario.WriteSummary(w, reports, false); err != nil {
			return err
		}

		for _, r := range reports {
			if !r.Passed {
				return errScenariosFailed
			}
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print reports as JSON")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "print full reports with final mappings")
	rootCmd.AddCommand(runCmd)
}

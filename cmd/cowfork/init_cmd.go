package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kahiteam/cowfork/internal/config"
)

var (
	initOutput    string
	initStdout    bool
	initForce     bool
	initFrames    int
	initScenarios []string
	initLocal     bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a sample cowfork.toml config file",
	Long: `Generate a commented cowfork.toml. --frames and --scenario fill in the
kernel size and the scenarios "cowfork run" and "cowfork serve" start
with; --local keeps the log file and control socket next to the config.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		content := config.Sample(config.SampleOptions{
			Frames:    initFrames,
			Scenarios: initScenarios,
			Local:     initLocal,
		})
		if _, _, err := config.LoadBytes([]byte(content), "generated config"); err != nil {
			return err
		}

		if initStdout {
			_, err := fmt.Fprint(cmd.OutOrStdout(), content)
			return err
		}

		outPath := initOutput
		if outPath == "" {
			outPath = config.FileName
		}
		if info, err := os.Stat(outPath); err == nil && info.IsDir() {
			outPath = filepath.Join(outPath, config.FileName)
		}

		if !initForce {
			if _, err := os.Stat(outPath); err == nil {
				return fmt.Errorf("file %s already exists; use --force to overwrite", outPath)
			}
		}

		if err := os.WriteFile(outPath, []byte(content), 0644); err != nil {
			return fmt.Errorf("cannot write config: %w", err)
		}
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\nrun \"cowfork run -c %s\" to try it\n", outPath, outPath)
		return err
	},
}

func init() {
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "", "write config to this file or directory (default: cowfork.toml)")
	initCmd.Flags().BoolVar(&initStdout, "stdout", false, "print config to stdout instead of writing a file")
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite existing file")
	initCmd.Flags().IntVar(&initFrames, "frames", 0, "physical page frames per scenario (default: 256)")
	initCmd.Flags().StringSliceVar(&initScenarios, "scenario", nil, "scenario to run at startup (repeatable)")
	initCmd.Flags().BoolVar(&initLocal, "local", false, "keep the log file and socket next to the config file")
	rootCmd.AddCommand(initCmd)
}

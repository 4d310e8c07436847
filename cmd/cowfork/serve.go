package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kahiteam/cowfork/internal/api"
	"github.com/kahiteam/cowfork/internal/config"
	"github.com/kahiteam/cowfork/internal/events"
	"github.com/kahiteam/cowfork/internal/logging"
	"github.com/kahiteam/cowfork/internal/metrics"
	"github.com/kahiteam/cowfork/internal/scenario"
	"github.com/kahiteam/cowfork/internal/version"
	"github.com/kahiteam/cowfork/internal/web"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the scenario API on the configured Unix socket and TCP listener",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig(configPath)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)

		return runServer(ctx, cfg, path, hup, cmd.ErrOrStderr())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// server is a running serve command.
type server struct {
	path    string
	level   *logging.LevelVar
	logs    *logging.File
	logger  *slog.Logger
	runner  *scenario.Runner
	metrics *metrics.Collector
	api     *api.Server
}

// runServer serves cfg until ctx is done. Every value received on hup
// reopens the log file and reloads the config file at path.
func runServer(ctx context.Context, cfg *config.Config, path string, hup <-chan os.Signal, stderr io.Writer) error {
	s := &server{path: path, level: logging.NewLevelVar(cfg.Log.Level)}

	logs, err := logging.OpenFile(logging.FileConfig{
		Path:     cfg.Log.File,
		MaxBytes: cfg.Log.MaxBytes,
		Backups:  cfg.Log.Backups,
		Stdout:   stderr,
	})
	if err != nil {
		return err
	}
	defer logs.Close()
	s.logs = logs
	s.logger = logging.New(logging.LogConfig{Format: cfg.Log.Format, Output: logs, LevelVar: s.level})

	scfg, err := scenarioConfig(cfg)
	if err != nil {
		return err
	}
	bus := events.NewBus(logging.WithFields(s.logger, "component", "events"))
	s.metrics = metrics.New()
	s.metrics.Attach(bus)
	s.metrics.SetFramesTotal(cfg.Kernel.Frames)
	s.metrics.SetBuildInfo(version.Version, goVersion())
	s.runner = scenario.NewRunner(scfg, s.logger, bus)
	acfg := api.Config{
		Username: cfg.Server.HTTP.Username,
		Password: cfg.Server.HTTP.Password,
	}
	if cfg.Server.Web.Enabled {
		dash, err := web.NewHandler(s.runner, web.Config{StaticDir: cfg.Server.Web.StaticDir},
			logging.WithFields(s.logger, "component", "web"))
		if err != nil {
			return err
		}
		acfg.Web = dash
	}
	s.api = api.NewServer(acfg, s.runner, logs, s.metrics.Handler(), bus, logging.WithFields(s.logger, "component", "api"))

	mode, err := strconv.ParseUint(cfg.Server.Unix.Chmod, 8, 32)
	if err != nil {
		return fmt.Errorf("invalid server.unix.chmod %q: %w", cfg.Server.Unix.Chmod, err)
	}
	if err := s.api.StartUnix(cfg.Server.Unix.File, os.FileMode(mode)); err != nil {
		return err
	}
	if cfg.Server.HTTP.Enabled {
		if err := s.api.StartTCP(cfg.Server.HTTP.Listen); err != nil {
			s.shutdown()
			return err
		}
	}
	s.logger.Info("cowfork serving", "version", version.Version, "config", path, "frames", cfg.Kernel.Frames)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				if err := s.logs.Reopen(); err != nil {
					s.logger.Error("cannot reopen log file", "error", err)
				}
				s.reload()
			}
		}
	})
	if len(cfg.Run.Scenarios) > 0 {
		g.Go(func() error {
			reports, err := s.runner.RunAll(gctx, cfg.Run.Scenarios)
			if err != nil {
				s.logger.Error("startup scenarios failed", "error", err)
				return nil
			}
			for _, r := range reports {
				if !r.Passed {
					s.logger.Warn("startup scenario failed", "scenario", r.Scenario, "error", r.Error)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("shutting down")
	return s.api.Stop(ctx)
}

// reload applies the config file's scenario and log level settings.
// Listener and log file settings take effect on restart.
func (s *server) reload() {
	if s.path == "" {
		s.logger.Warn("config reload skipped: running with defaults")
		return
	}
	cfg, warnings, err := config.LoadFile(s.path)
	if err == nil {
		var scfg scenario.Config
		if scfg, err = scenarioConfig(cfg); err == nil {
			s.runner.SetConfig(scfg)
			s.level.Set(cfg.Log.Level)
		}
	}
	if err != nil {
		s.metrics.IncConfigReloadError()
		s.logger.Error("config reload failed", "path", s.path, "error", err)
		return
	}
	for _, w := range warnings {
		s.logger.Warn("config warning", "path", s.path, "warning", w)
	}
	s.metrics.IncConfigReload()
	s.logger.Info("config reloaded", "path", s.path, "level", cfg.Log.Level)
}

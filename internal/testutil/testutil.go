// Package testutil provides shared test helpers for the cowfork test suite.
package testutil

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kahiteam/cowfork/internal/api"
	"github.com/kahiteam/cowfork/internal/config"
	"github.com/kahiteam/cowfork/internal/events"
	"github.com/kahiteam/cowfork/internal/logging"
	"github.com/kahiteam/cowfork/internal/scenario"
)

// TempDir creates a temporary directory for testing and registers cleanup.
func TempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "cowfork-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

// FreeSocket returns a unique Unix socket path in a temporary directory.
// The socket file does not exist yet; it is created by the server.
func FreeSocket(t *testing.T) string {
	t.Helper()
	dir := TempDir(t)
	return filepath.Join(dir, "cowfork.sock")
}

// FreeTCPPort returns an available TCP port by binding to :0 and releasing.
func FreeTCPPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("cannot find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// MustParseConfig parses a TOML string into a Config struct, failing the
// test on error. Intended for concise test setup.
func MustParseConfig(t *testing.T, toml string) *config.Config {
	t.Helper()
	cfg, warnings, err := config.LoadBytes([]byte(toml), "test.toml")
	if err != nil {
		t.Fatalf("MustParseConfig: %v", err)
	}
	for _, w := range warnings {
		t.Logf("config warning: %s", w)
	}
	return cfg
}

// WaitFor polls a condition function until it returns true or the timeout
// expires, failing the test in that case.
func WaitFor(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	interval := 50 * time.Millisecond

	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(interval)
	}
	t.Fatal("WaitFor: condition not met within timeout")
}

// WriteFile writes content to a file in the given directory.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("cannot write %s: %v", path, err)
	}
	return path
}

// TestServer is an API server listening on a Unix socket in a temp dir,
// together with the config file that describes it.
type TestServer struct {
	SocketPath string
	ConfigPath string
	Dir        string
	Config     *config.Config
	Runner     *scenario.Runner
	Bus        *events.Bus
}

// StartTestServer writes a config file with the given extra TOML, loads
// it back and serves the API for it on a fresh Unix socket. The server
// is stopped when the test ends.
func StartTestServer(t *testing.T, extraTOML string) *TestServer {
	t.Helper()
	dir := TempDir(t)
	socketPath := filepath.Join(dir, "cowfork.sock")

	fullConfig := fmt.Sprintf(`
[log]
level = "debug"
format = "text"

[kernel]
frames = 64
max_envs = 8

[server.unix]
file = %q

%s
`, socketPath, extraTOML)

	configPath := WriteFile(t, dir, "cowfork.toml", fullConfig)
	cfg, _, err := config.LoadFile(configPath)
	if err != nil {
		t.Fatalf("StartTestServer: %v", err)
	}
	exclude, err := cfg.Fork.Addrs()
	if err != nil {
		t.Fatalf("StartTestServer: %v", err)
	}

	bus := events.NewBus(nil)
	runner := scenario.NewRunner(scenario.Config{
		Frames:  cfg.Kernel.Frames,
		MaxEnvs: cfg.Kernel.MaxEnvs,
		History: cfg.Kernel.History,
		Exclude: exclude,
		Timeout: cfg.Run.TimeoutDuration(),
		Keep:    cfg.Run.KeepReports,
	}, nil, bus)
	srv := api.NewServer(api.Config{}, runner, nil, nil, bus, logging.Discard())
	if err := srv.StartUnix(socketPath, 0700); err != nil {
		t.Fatalf("StartTestServer: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})

	return &TestServer{
		SocketPath: socketPath,
		ConfigPath: configPath,
		Dir:        dir,
		Config:     cfg,
		Runner:     runner,
		Bus:        bus,
	}
}

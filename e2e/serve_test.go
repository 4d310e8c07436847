//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/kahiteam/cowfork/internal/scenario"
)

func TestServeCtl(t *testing.T) {
	s := startServer(t, "")

	out, err := s.ctl("list")
	if err != nil {
		t.Fatalf("ctl list: %v\n%s", err, out)
	}
	for _, p := range scenario.Programs() {
		if !strings.Contains(string(out), p.Name) {
			t.Errorf("list missing %s:\n%s", p.Name, out)
		}
	}

	out, err = s.ctl("run", "snapshot", "xstack")
	if err != nil {
		t.Fatalf("ctl run: %v\n%s", err, out)
	}
	if strings.Count(string(out), "PASS") != 2 {
		t.Errorf("ctl run:\n%s", out)
	}

	out, err = s.ctl("health")
	if err != nil || strings.TrimSpace(string(out)) != "OK" {
		t.Errorf("ctl health: %v %q", err, out)
	}

	if out, err := s.ctl("run", "nope"); err == nil {
		t.Errorf("ctl run nope succeeded:\n%s", out)
	}
}

func TestServeLogTail(t *testing.T) {
	s := startServer(t, "")
	if _, err := s.ctl("run", "twice"); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := s.client.Log(0, &buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "scenario finished") {
		t.Errorf("log tail missing scenario:\n%s", buf.String())
	}
}

func TestServeReloadOnSIGHUP(t *testing.T) {
	s := startServer(t, "")
	writeConfig(t, s.dir, "[log]\nlevel = \"debug\"\nformat = \"text\"\nfile = \"%(here)s/cowfork.log\"\n\n[run]\nkeep_reports = 1\n")

	if err := s.cmd.Process.Signal(syscall.SIGHUP); err != nil {
		t.Fatal(err)
	}
	waitForFile(t, filepath.Join(s.dir, "cowfork.log"), "config reloaded", 5*time.Second)

	if _, err := s.ctl("run", "snapshot", "sfork"); err != nil {
		t.Fatal(err)
	}
	out, err := s.ctl("reports", "--json")
	if err != nil {
		t.Fatal(err)
	}
	var reports []scenario.Report
	if err := json.Unmarshal(out, &reports); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}
	if len(reports) != 1 || reports[0].Scenario != "sfork" {
		t.Errorf("reports = %+v", reports)
	}
}

func TestServeStopsOnSIGTERM(t *testing.T) {
	s := startServer(t, "")
	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve exited with %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop on SIGTERM")
	}
	if _, err := os.Stat(s.socketPath); !os.IsNotExist(err) {
		t.Errorf("socket left behind: %v", err)
	}

	// A second server starts on the same socket path.
	s2 := startServerIn(t, s.dir, "")
	if _, err := s2.client.Health(); err != nil {
		t.Fatal(err)
	}
}

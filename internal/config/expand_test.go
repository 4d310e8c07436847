package config

import (
	"os"
	"strings"
	"testing"
)

func TestExpandString(t *testing.T) {
	t.Setenv("COWFORK_TEST_DIR", "/srv/cowfork")
	os.Unsetenv("COWFORK_TEST_UNDEF")

	tests := []struct {
		in      string
		want    string
		wantErr string
	}{
		{"", "", ""},
		{"/var/log/cowfork.log", "/var/log/cowfork.log", ""},
		{"%(here)s/cowfork.sock", "/etc/cowfork/cowfork.sock", ""},
		{"${COWFORK_TEST_DIR}/run.sock", "/srv/cowfork/run.sock", ""},
		{"100%% $$HOME", "100% $HOME", ""},
		{"%(here)s/${COWFORK_TEST_DIR}", "/etc/cowfork//srv/cowfork", ""},
		{"${COWFORK_TEST_UNDEF}/x", "", "undefined environment variable"},
		{"%(program_name)s", "", "unknown template variable"},
		{"%(here", "", "unclosed template variable"},
		{"${HOME", "", "unclosed environment variable"},
	}
	for _, tc := range tests {
		got, err := ExpandString(tc.in, "/etc/cowfork")
		if tc.wantErr != "" {
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("ExpandString(%q) err = %v, want %q", tc.in, err, tc.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("ExpandString(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ExpandString(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestExpandVariablesNamesField(t *testing.T) {
	cfg := &Config{Server: ServerConfig{Unix: UnixServerConfig{File: "%(nope)s"}}}
	err := ExpandVariables(cfg, "/etc/cowfork/cowfork.toml")
	if err == nil || !strings.HasPrefix(err.Error(), "server.unix.file:") {
		t.Fatalf("err = %v", err)
	}
}

func TestExpandVariablesHere(t *testing.T) {
	cfg := &Config{Log: LogConfig{File: "%(here)s/logs/cowfork.log"}}
	if err := ExpandVariables(cfg, "/etc/cowfork/cowfork.toml"); err != nil {
		t.Fatal(err)
	}
	if cfg.Log.File != "/etc/cowfork/logs/cowfork.log" {
		t.Fatalf("log.file = %q", cfg.Log.File)
	}
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func withSearchPaths(t *testing.T, paths ...string) {
	t.Helper()
	orig := searchPaths
	searchPaths = func() []string { return paths }
	t.Cleanup(func() { searchPaths = orig })
}

func touch(t *testing.T, path string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(""), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestResolveExplicitPath(t *testing.T) {
	path := touch(t, filepath.Join(t.TempDir(), "cowfork.toml"))

	got, err := Resolve(path)
	if err != nil {
		t.Fatal(err)
	}
	if got != path {
		t.Errorf("got %q, want %q", got, path)
	}
}

func TestResolveExplicitPathNotFound(t *testing.T) {
	_, err := Resolve("/nonexistent/cowfork.toml")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "cannot read config") {
		t.Errorf("error = %q", err.Error())
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("a missing named file must not fall back to defaults")
	}
}

func TestResolveExplicitDirectory(t *testing.T) {
	dir := t.TempDir()
	path := touch(t, filepath.Join(dir, FileName))

	got, err := Resolve(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got != path {
		t.Errorf("got %q, want %q", got, path)
	}

	if _, err := Resolve(t.TempDir()); err == nil || !strings.Contains(err.Error(), FileName) {
		t.Errorf("empty directory: err = %v", err)
	}
}

func TestResolveEnvVar(t *testing.T) {
	dir := t.TempDir()
	path := touch(t, filepath.Join(dir, FileName))

	for _, v := range []string{path, dir} {
		t.Setenv(EnvVar, v)
		got, err := Resolve("")
		if err != nil {
			t.Fatal(err)
		}
		if got != path {
			t.Errorf("%s=%s: got %q, want %q", EnvVar, v, got, path)
		}
	}

	t.Setenv(EnvVar, "/nonexistent/cowfork.toml")
	if _, err := Resolve(""); err == nil || !strings.Contains(err.Error(), EnvVar) {
		t.Errorf("bad %s: err = %v", EnvVar, err)
	}
}

func TestResolveNoConfigFound(t *testing.T) {
	t.Setenv(EnvVar, "")
	withSearchPaths(t, "/nonexistent/a.toml", "/nonexistent/b.toml")

	_, err := Resolve("")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if !strings.Contains(err.Error(), "cowfork init") {
		t.Errorf("error = %q, want a hint to run cowfork init", err.Error())
	}
}

func TestResolveSearchPathOrder(t *testing.T) {
	dir := t.TempDir()
	first := touch(t, filepath.Join(dir, "first.toml"))
	second := touch(t, filepath.Join(dir, "second.toml"))

	t.Setenv(EnvVar, "")
	withSearchPaths(t, filepath.Join(dir, "missing.toml"), dir, first, second)

	got, err := Resolve("")
	if err != nil {
		t.Fatal(err)
	}
	if got != first {
		t.Errorf("got %q, want %q (directories are skipped, first file wins)", got, first)
	}
}

func TestSearchPathsUserConfigDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", home)
	t.Setenv("HOME", home)
	t.Setenv("AppData", home)

	paths := SearchPaths()
	if len(paths) != 3 {
		t.Fatalf("paths = %v", paths)
	}
	if paths[0] != FileName {
		t.Errorf("first path = %q, want working directory", paths[0])
	}
	if !strings.HasPrefix(paths[1], home) || !strings.HasSuffix(paths[1], filepath.Join("cowfork", FileName)) {
		t.Errorf("user path = %q, want under %s", paths[1], home)
	}
	if paths[2] != "/etc/cowfork/cowfork.toml" {
		t.Errorf("system path = %q", paths[2])
	}

	// A file in the user config directory is found once nothing closer exists.
	t.Setenv(EnvVar, "")
	user := touch(t, paths[1])
	withSearchPaths(t, filepath.Join(t.TempDir(), FileName), paths[1], paths[2])
	if got, err := Resolve(""); err != nil || got != user {
		t.Errorf("Resolve = %q, %v, want %q", got, err, user)
	}
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// EnvVar names the environment variable that points at a config file.
const EnvVar = "COWFORK_CONFIG"

// FileName is the config file looked for in each search directory.
const FileName = "cowfork.toml"

// ErrNotFound is returned by Resolve when nothing was named and no
// search path holds a config file. Commands then run on defaults.
var ErrNotFound = errors.New("no config file found")

// searchPaths is replaced in tests.
var searchPaths = SearchPaths

// SearchPaths returns the config locations tried when neither -c nor
// COWFORK_CONFIG names one: the working directory, the per-user config
// directory (os.UserConfigDir, $XDG_CONFIG_HOME/cowfork on Linux), then
// /etc/cowfork.
func SearchPaths() []string {
	paths := []string{filepath.Join(".", FileName)}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "cowfork", FileName))
	}
	return append(paths, filepath.Join("/etc/cowfork", FileName))
}

// Resolve finds the config file path by checking, in order:
//  1. Explicit path from -c flag (if non-empty)
//  2. COWFORK_CONFIG environment variable
//  3. SearchPaths
//
// A directory given by 1 or 2 stands for the cowfork.toml inside it.
func Resolve(explicit string) (string, error) {
	if explicit != "" {
		return named(explicit)
	}
	if env := os.Getenv(EnvVar); env != "" {
		p, err := named(env)
		if err != nil {
			return "", fmt.Errorf("%s: %w", EnvVar, err)
		}
		return p, nil
	}

	paths := searchPaths()
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w; searched %v (create one with \"cowfork init\")", ErrNotFound, paths)
}

func named(p string) (string, error) {
	info, err := os.Stat(p)
	if err != nil {
		return "", fmt.Errorf("cannot read config: %s: %w", p, err)
	}
	if !info.IsDir() {
		return p, nil
	}
	inner := filepath.Join(p, FileName)
	if _, err := os.Stat(inner); err != nil {
		return "", fmt.Errorf("cannot read config: %s: %w", inner, err)
	}
	return inner, nil
}

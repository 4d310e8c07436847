package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExpandVariables expands %(here)s and ${ENV} references in the
// path-valued fields of cfg. here is the directory of configPath.
func ExpandVariables(cfg *Config, configPath string) error {
	here := filepath.Dir(configPath)
	for _, f := range []struct {
		key string
		val *string
	}{
		{"log.file", &cfg.Log.File},
		{"server.unix.file", &cfg.Server.Unix.File},
		{"server.web.static_dir", &cfg.Server.Web.StaticDir},
	} {
		v, err := ExpandString(*f.val, here)
		if err != nil {
			return fmt.Errorf("%s: %w", f.key, err)
		}
		*f.val = v
	}
	return nil
}

// ExpandString expands one value. %% and $$ escape a literal % and $.
func ExpandString(s, here string) (string, error) {
	if s == "" {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); {
		switch {
		case strings.HasPrefix(s[i:], "%%"):
			b.WriteByte('%')
			i += 2
		case strings.HasPrefix(s[i:], "$$"):
			b.WriteByte('$')
			i += 2
		case strings.HasPrefix(s[i:], "%("):
			end := strings.Index(s[i:], ")s")
			if end < 0 {
				return "", fmt.Errorf("unclosed template variable at position %d in %q", i, s)
			}
			name := s[i+2 : i+end]
			if name != "here" {
				return "", fmt.Errorf("unknown template variable: %%(%s)s", name)
			}
			b.WriteString(here)
			i += end + 2
		case strings.HasPrefix(s[i:], "${"):
			end := strings.IndexByte(s[i:], '}')
			if end < 0 {
				return "", fmt.Errorf("unclosed environment variable reference at position %d in %q", i, s)
			}
			name := s[i+2 : i+end]
			val, ok := os.LookupEnv(name)
			if !ok {
				return "", fmt.Errorf("undefined environment variable: ${%s}", name)
			}
			b.WriteString(val)
			i += end + 1
		default:
			b.WriteByte(s[i])
			i++
		}
	}
	return b.String(), nil
}

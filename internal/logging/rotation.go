package logging

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// RotationConfig configures size-based rotation of a log file.
type RotationConfig struct {
	Maxbytes string // e.g. "50MB"; "0" disables rotation
	Backups  int    // rotated copies kept as path.1 .. path.N
}

// RotateIfNeeded rotates path when it has reached cfg.Maxbytes. A missing
// file is not an error.
func RotateIfNeeded(path string, cfg RotationConfig) error {
	limit := ParseSize(cfg.Maxbytes)
	if limit == 0 {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() < limit {
		return nil
	}
	return rotateFile(path, cfg.Backups)
}

// rotateFile shifts path.N-1 to path.N down to path to path.1, dropping
// the oldest. With no backups the file is truncated in place.
func rotateFile(path string, backups int) error {
	if backups <= 0 {
		return os.Truncate(path, 0)
	}
	os.Remove(fmt.Sprintf("%s.%d", path, backups))
	for i := backups - 1; i >= 1; i-- {
		_ = os.Rename(fmt.Sprintf("%s.%d", path, i), fmt.Sprintf("%s.%d", path, i+1))
	}
	return os.Rename(path, path+".1")
}

// ParseSize parses a size such as "512", "10KB" or "50MB" into bytes.
// Unparseable input yields 0.
func ParseSize(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" || s == "0" {
		return 0
	}
	mult := int64(1)
	for _, u := range []struct {
		suffix string
		mult   int64
	}{{"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10}, {"B", 1}} {
		if strings.HasSuffix(s, u.suffix) {
			s, mult = strings.TrimSuffix(s, u.suffix), u.mult
			break
		}
	}
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v * mult
}

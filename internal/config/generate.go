package config

import (
	"strconv"
	"strings"
)

// DefaultConfigTOML is a complete, commented sample cowfork.toml.
const DefaultConfigTOML = `# cowfork configuration file

[log]
# level = "info"                # debug, info, warn, error
# format = "json"               # json, text
# file = ""                     # log file path (default: stdout)
# max_bytes = "50MB"            # rotate the log file at this size
# backups = 10                  # rotated log files to keep

[kernel]
# frames = 256                  # physical page frames per scenario
# max_envs = 64                 # live environments allowed at once
# history = 64                  # exited environments kept for reports

[fork]
# exclude = []                  # extra addresses fork never duplicates, e.g. ["0xeebfd000"]

[run]
# timeout = "30s"               # per-scenario time limit
# scenarios = []                # scenarios run by "cowfork run" (default: all)
# keep_reports = 32             # reports retained by the server

[server.unix]
# file = "/var/run/cowfork.sock" # Unix socket path
# chmod = "0700"                # socket file permissions

[server.http]
# enabled = false               # enable TCP HTTP server
# listen = "127.0.0.1:9876"     # TCP listen address
# username = ""                 # HTTP Basic Auth username
# password = ""                 # bcrypt hash from "cowfork hash-password"

[server.web]
# enabled = false               # serve the report dashboard at / on the API listeners
# static_dir = ""               # serve dashboard assets from this directory instead
`

// SampleOptions are values written uncommented into a generated config.
type SampleOptions struct {
	Frames    int
	Scenarios []string
	// Local keeps the log file and socket next to the config file.
	Local bool
}

// Sample returns DefaultConfigTOML with the settings in opts uncommented
// and filled in.
func Sample(opts SampleOptions) string {
	s := DefaultConfigTOML
	if opts.Frames > 0 {
		s = setSampleKey(s, "kernel", "frames", strconv.Itoa(opts.Frames))
	}
	if len(opts.Scenarios) > 0 {
		quoted := make([]string, len(opts.Scenarios))
		for i, name := range opts.Scenarios {
			quoted[i] = strconv.Quote(name)
		}
		s = setSampleKey(s, "run", "scenarios", "["+strings.Join(quoted, ", ")+"]")
	}
	if opts.Local {
		s = setSampleKey(s, "log", "file", `"%(here)s/cowfork.log"`)
		s = setSampleKey(s, "server.unix", "file", `"%(here)s/cowfork.sock"`)
	}
	return s
}

// setSampleKey replaces the commented "# key = ..." line of section with
// "key = value".
func setSampleKey(sample, section, key, value string) string {
	lines := strings.Split(sample, "\n")
	current := ""
	for i, l := range lines {
		if strings.HasPrefix(l, "[") && strings.HasSuffix(l, "]") {
			current = strings.Trim(l, "[]")
			continue
		}
		if current == section && strings.HasPrefix(l, "# "+key+" = ") {
			lines[i] = key + " = " + value
			break
		}
	}
	return strings.Join(lines, "\n")
}

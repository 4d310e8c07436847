package config

// ApplyDefaults fills in zero-value fields with their default values.
func ApplyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.MaxBytes == "" {
		cfg.Log.MaxBytes = "50MB"
	}
	if cfg.Log.Backups == 0 {
		cfg.Log.Backups = 10
	}

	if cfg.Kernel.Frames == 0 {
		cfg.Kernel.Frames = 256
	}
	if cfg.Kernel.MaxEnvs == 0 {
		cfg.Kernel.MaxEnvs = 64
	}
	if cfg.Kernel.History == 0 {
		cfg.Kernel.History = 64
	}

	if cfg.Run.Timeout == "" {
		cfg.Run.Timeout = "30s"
	}
	if cfg.Run.KeepReports == 0 {
		cfg.Run.KeepReports = 32
	}

	if cfg.Server.Unix.File == "" {
		cfg.Server.Unix.File = "/var/run/cowfork.sock"
	}
	if cfg.Server.Unix.Chmod == "" {
		cfg.Server.Unix.Chmod = "0700"
	}
	if cfg.Server.HTTP.Listen == "" {
		cfg.Server.HTTP.Listen = "127.0.0.1:9876"
	}
}

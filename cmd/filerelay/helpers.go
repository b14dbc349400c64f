package main

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/filerelay/filerelay/internal/audit"
	"github.com/filerelay/filerelay/internal/config"
	"github.com/filerelay/filerelay/internal/state"
)

// setupLogger builds a zap logger from the persistent --log-level/--log-file
// flags. It is called before any config file is read, so it only knows about
// command-line flags.
func setupLogger() (*zap.Logger, error) {
	level := zapcore.InfoLevel
	switch logLevel {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	if logFile != "" {
		cfg.OutputPaths = []string{logFile}
	}

	return cfg.Build()
}

// configPaths returns the config file candidates to search, in order, when
// --config was not given explicitly.
func configPaths() []string {
	if cfgFile != "" {
		return []string{cfgFile}
	}
	homeDir, _ := os.UserHomeDir()
	return []string{
		"/etc/filerelay/config.toml",
		filepath.Join(homeDir, ".config", "filerelay", "config.toml"),
	}
}

// loadConfig loads configuration from the first available config file,
// falling back to built-in defaults.
func loadConfig() (*config.Config, error) {
	cfg, _, err := loadConfigWithWarnings()
	return cfg, err
}

// loadConfigWithWarnings is like loadConfig but also surfaces security
// warnings (a world-readable or world-writable config file while audit
// logging is enabled) for the caller to log.
func loadConfigWithWarnings() (*config.Config, []config.SecurityWarning, error) {
	for _, path := range configPaths() {
		if _, err := os.Stat(path); err == nil {
			return config.LoadWithWarnings(path)
		}
	}
	return config.DefaultConfig(), nil, nil
}

// resolveDataDir returns the directory filerelay uses for persisted state,
// honoring the --data-dir flag and the config file's server.data_dir in that
// order before falling back to the OS default.
func resolveDataDir(cfg *config.Config) (string, error) {
	if dataDir != "" {
		return dataDir, nil
	}
	if cfg.Server.DataDir != "" {
		return cfg.Server.DataDir, nil
	}
	return state.Dir()
}

// newAuditLogger builds the configured audit.Logger, or a no-op one when
// audit logging is disabled.
func newAuditLogger(cfg *config.Config) (audit.Logger, error) {
	if !cfg.Logging.Audit.Enabled {
		return &audit.NoopLogger{}, nil
	}
	return audit.NewJSONWriter(audit.JSONWriterConfig{
		Path:       cfg.Logging.Audit.Path,
		MaxSizeMB:  cfg.Logging.Audit.GetMaxSizeMB(),
		MaxBackups: cfg.Logging.Audit.GetMaxBackups(),
	})
}

// formatBytes formats a byte count as a human-readable string.
func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

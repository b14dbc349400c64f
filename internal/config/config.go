// Package config handles configuration loading and defaults for filerelay.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for filerelay.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Transfer TransferConfig `toml:"transfer"`
	PortMap  PortMapConfig  `toml:"port_map"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Logging  LoggingConfig  `toml:"logging"`
}

// ServerConfig holds rendezvous server addressing settings.
type ServerConfig struct {
	Address        string `toml:"address"`         // rendezvous server host:port dialed by pub/sub
	GatewayAddress string `toml:"gateway_address"`  // gateway IP for port-mapping discovery; not read by any command
	ListenPort     int    `toml:"listen_port"`      // local UDP port the QUIC endpoint binds; 0 = ephemeral
	DataDir        string `toml:"data_dir"`         // overrides the OS default state/data directory
}

// GetListenPort returns the configured listen port, defaulting to 0
// (let the OS choose an ephemeral port).
func (c *ServerConfig) GetListenPort() int {
	if c.ListenPort <= 0 {
		return 0
	}
	return c.ListenPort
}

// TransferConfig holds transfer-related settings.
type TransferConfig struct {
	MaxUploadRate   string `toml:"max_upload_rate"`   // "0" or "" = unlimited, e.g. "5MB/s"
	MaxDownloadRate string `toml:"max_download_rate"` // "0" or "" = unlimited, e.g. "5MB/s"
}

// MaxUploadRateBytes returns the parsed upload rate in bytes/sec.
// Returns 0 (unlimited) if unset or unparseable.
func (c *TransferConfig) MaxUploadRateBytes() int64 {
	rate, err := ParseRate(c.MaxUploadRate)
	if err != nil {
		return 0
	}
	return rate
}

// MaxDownloadRateBytes returns the parsed download rate in bytes/sec.
// Returns 0 (unlimited) if unset or unparseable.
func (c *TransferConfig) MaxDownloadRateBytes() int64 {
	rate, err := ParseRate(c.MaxDownloadRate)
	if err != nil {
		return 0
	}
	return rate
}

// PortMapConfig mirrors the disk-level port mapping tagged union
// (see internal/state.PortMapping) as config input: "none",
// "port_forwarding" (with an optional external port override), or
// "try_pcp_nat_pmp".
type PortMapConfig struct {
	Kind string `toml:"kind"` // "none", "port_forwarding", "try_pcp_nat_pmp"
	Port int    `toml:"port"` // only meaningful for "port_forwarding"
}

// GetKind returns the configured kind, defaulting to "none".
func (c *PortMapConfig) GetKind() string {
	if c.Kind == "" {
		return "none"
	}
	return c.Kind
}

// MetricsConfig holds metrics/monitoring settings.
type MetricsConfig struct {
	Port int    `toml:"port"` // metrics endpoint port (0 to disable)
	Bind string `toml:"bind"` // metrics endpoint bind address
}

// LoggingConfig holds logging-related settings.
type LoggingConfig struct {
	Level string      `toml:"level"`
	File  string      `toml:"file"`
	Audit AuditConfig `toml:"audit"`
}

// AuditConfig holds audit logging settings.
type AuditConfig struct {
	Enabled    bool   `toml:"enabled"`     // enable audit logging (default: false)
	Path       string `toml:"path"`        // path for JSON audit log file
	MaxSizeMB  int    `toml:"max_size_mb"` // max file size before rotation (default: 100)
	MaxBackups int    `toml:"max_backups"` // number of backup files to keep (default: 5)
}

// GetMaxSizeMB returns the max size with a default of 100MB.
func (c *AuditConfig) GetMaxSizeMB() int {
	if c.MaxSizeMB <= 0 {
		return 100
	}
	return c.MaxSizeMB
}

// GetMaxBackups returns the max backups with a default of 5.
func (c *AuditConfig) GetMaxBackups() int {
	if c.MaxBackups <= 0 {
		return 5
	}
	return c.MaxBackups
}

// DefaultConfig returns the built-in default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:    "rendezvous.filerelay.dev:7828",
			ListenPort: 0,
		},
		Transfer: TransferConfig{
			MaxUploadRate:   "0",
			MaxDownloadRate: "0",
		},
		PortMap: PortMapConfig{
			Kind: "none",
		},
		Metrics: MetricsConfig{
			Port: 9978,
			Bind: "127.0.0.1",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// Load reads configuration from a file, merging with defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // use defaults if no config file
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes configuration to a file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}

	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// ParseSize parses a size string like "10GB" into bytes.
func ParseSize(s string) (int64, error) {
	var size int64
	var unit string

	parseWithUnit(s, &size, &unit)

	multiplier := int64(1)
	switch unit {
	case "KB", "K":
		multiplier = 1024
	case "MB", "M":
		multiplier = 1024 * 1024
	case "GB", "G":
		multiplier = 1024 * 1024 * 1024
	case "TB", "T":
		multiplier = 1024 * 1024 * 1024 * 1024
	}

	return size * multiplier, nil
}

func parseWithUnit(s string, size *int64, unit *string) int {
	var n int
	for i, c := range s {
		if c >= '0' && c <= '9' {
			*size = *size*10 + int64(c-'0')
			n = i + 1
		} else {
			break
		}
	}
	*unit = s[n:]
	return n
}

// ParseRate parses a rate string like "10MB/s" or "100KB" into bytes per
// second. Returns 0 for unlimited (empty string, "0", or "unlimited").
func ParseRate(s string) (int64, error) {
	if s == "" || s == "0" || s == "unlimited" {
		return 0, nil
	}

	rateStr := s
	if len(s) > 2 && s[len(s)-2:] == "/s" {
		rateStr = s[:len(s)-2]
	}

	return ParseSize(rateStr)
}

// SecurityWarning represents a security concern with the configuration.
type SecurityWarning struct {
	Message string
	File    string
}

// LoadWithWarnings reads configuration and returns security warnings.
// This should be used when security-sensitive options might be present.
func LoadWithWarnings(path string) (*Config, []SecurityWarning, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, nil, err
	}

	var warnings []SecurityWarning

	if cfg.Logging.Audit.Enabled {
		warn := checkFilePermissions(path)
		if warn != nil {
			warnings = append(warnings, *warn)
		}
	}

	return cfg, warnings, nil
}

// checkFilePermissions checks if a file has appropriately restrictive
// permissions. Returns a warning if the file is world-readable or
// world-writable.
func checkFilePermissions(path string) *SecurityWarning {
	if runtime.GOOS == "windows" {
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil
	}

	mode := info.Mode().Perm()

	if mode&0004 != 0 { // world readable
		return &SecurityWarning{
			Message: fmt.Sprintf("config file is world-readable (mode %04o); consider 'chmod 600 %s'", mode, path),
			File:    path,
		}
	}

	if mode&0002 != 0 { // world writable
		return &SecurityWarning{
			Message: fmt.Sprintf("config file is world-writable (mode %04o); this is a security risk", mode),
			File:    path,
		}
	}

	return nil
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: %s: %s", e.Field, e.Message)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, fmt.Sprintf("  - %s: %s", err.Field, err.Message))
	}
	return fmt.Sprintf("config validation failed with %d errors:\n%s", len(e), strings.Join(msgs, "\n"))
}

// Validate checks configuration for errors and returns all validation
// failures. This should be called at startup to fail fast on invalid
// configuration.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if c.Server.Address == "" {
		errs = append(errs, ValidationError{
			Field:   "server.address",
			Message: "must not be empty",
		})
	}

	if c.Server.ListenPort < 0 || c.Server.ListenPort > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.listen_port",
			Message: fmt.Sprintf("must be between 0 and 65535, got %d", c.Server.ListenPort),
		})
	}

	if c.Transfer.MaxUploadRate != "" {
		if _, err := ParseRate(c.Transfer.MaxUploadRate); err != nil {
			errs = append(errs, ValidationError{
				Field:   "transfer.max_upload_rate",
				Message: fmt.Sprintf("invalid rate %q: %v", c.Transfer.MaxUploadRate, err),
			})
		}
	}
	if c.Transfer.MaxDownloadRate != "" {
		if _, err := ParseRate(c.Transfer.MaxDownloadRate); err != nil {
			errs = append(errs, ValidationError{
				Field:   "transfer.max_download_rate",
				Message: fmt.Sprintf("invalid rate %q: %v", c.Transfer.MaxDownloadRate, err),
			})
		}
	}

	switch c.PortMap.GetKind() {
	case "none", "port_forwarding", "try_pcp_nat_pmp":
	default:
		errs = append(errs, ValidationError{
			Field:   "port_map.kind",
			Message: fmt.Sprintf("invalid kind %q; must be none, port_forwarding, or try_pcp_nat_pmp", c.PortMap.Kind),
		})
	}
	if c.PortMap.Port < 0 || c.PortMap.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "port_map.port",
			Message: fmt.Sprintf("must be between 0 and 65535, got %d", c.PortMap.Port),
		})
	}

	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "metrics.port",
			Message: fmt.Sprintf("must be between 0 and 65535, got %d", c.Metrics.Port),
		})
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid level %q; must be debug, info, warn, or error", c.Logging.Level),
		})
	}

	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "logging.audit.path",
			Message: "audit log path is required when audit logging is enabled",
		})
	}
	if c.Logging.Audit.MaxSizeMB < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.audit.max_size_mb",
			Message: fmt.Sprintf("must be non-negative, got %d", c.Logging.Audit.MaxSizeMB),
		})
	}
	if c.Logging.Audit.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.audit.max_backups",
			Message: fmt.Sprintf("must be non-negative, got %d", c.Logging.Audit.MaxBackups),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

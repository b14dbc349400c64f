// Package state persists the small JSON document that lets a restarted
// process resume its prior publishes and downloads, separate from the
// static TOML configuration in internal/config.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// fileName is the saved-state document's name within the app's data
// directory.
const fileName = "state.json"

// PortMappingKind discriminates the PortMapping tagged union.
type PortMappingKind string

const (
	PortMappingNone          PortMappingKind = "none"
	PortMappingPortForwarding PortMappingKind = "port_forwarding"
	PortMappingTryPcpNatPmp  PortMappingKind = "try_pcp_nat_pmp"
)

// PortMapping mirrors the disk-level {None, PortForwarding(optional u16),
// TryPcpNatPmp} variant. Port is only meaningful when Kind is
// PortMappingPortForwarding, and even then may be omitted (a nil pointer)
// to mean "use whatever the OS assigned".
type PortMapping struct {
	Kind PortMappingKind `json:"kind"`
	Port *uint16         `json:"port,omitempty"`
}

// Interval is a previously-downloaded byte range, as persisted to disk.
type Interval struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// PublishRecord is one entry in LastPublishes.
type PublishRecord struct {
	Path string  `json:"path"`
	Hash string  `json:"hash,omitempty"`
	Size *uint64 `json:"size,omitempty"`
}

// DownloadRecord is one entry in LastDownloads.
type DownloadRecord struct {
	Hash      string     `json:"hash"`
	FileSize  uint64     `json:"file_size"`
	Path      string     `json:"path"`
	Intervals []Interval `json:"intervals,omitempty"`
}

// State is the full persisted document.
type State struct {
	ServerAddress      string          `json:"server_address"`
	GatewayAddress     string          `json:"gateway_address,omitempty"`
	PortForwardingText string          `json:"port_forwarding_text,omitempty"`
	InternalPortText   string          `json:"internal_port_text,omitempty"`
	PortMapping        PortMapping     `json:"port_mapping"`
	LastPublishes      []PublishRecord `json:"last_publishes"`
	LastDownloads      []DownloadRecord `json:"last_downloads"`
}

// Default returns an empty state document with no prior history.
func Default(serverAddress string) *State {
	return &State{
		ServerAddress: serverAddress,
		PortMapping:   PortMapping{Kind: PortMappingNone},
		LastPublishes: []PublishRecord{},
		LastDownloads: []DownloadRecord{},
	}
}

// Dir returns the OS-specific per-user data directory filerelay uses for
// its saved state, creating it if it doesn't already exist.
func Dir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("state: resolve user config dir: %w", err)
	}
	dir := filepath.Join(base, "filerelay")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("state: create data dir: %w", err)
	}
	return dir, nil
}

// Load reads the saved state document from dir, or returns Default if no
// file exists yet.
func Load(dir, defaultServerAddress string) (*State, error) {
	path := filepath.Join(dir, fileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(defaultServerAddress), nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: read %s: %w", path, err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("state: parse %s: %w", path, err)
	}
	return &s, nil
}

// Save atomically writes s to dir by writing to a temp file and renaming
// it over the destination, so a crash mid-write never leaves a truncated
// or corrupt document behind.
func Save(dir string, s *State) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshal: %w", err)
	}

	path := filepath.Join(dir, fileName)
	tmp, err := os.CreateTemp(dir, fileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("state: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("state: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("state: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("state: rename into place: %w", err)
	}
	return nil
}

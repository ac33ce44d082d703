package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Version is the manifest schema major version this code writes.
const Version = "1"

// Manifest is the JSON document accompanying every recording. The checksum
// inside it must match the recording file; the ingest server re-hashes the
// uploaded file and the offload client compares the two.
type Manifest struct {
	Version   string    `json:"version"`
	Recording Recording `json:"recording"`
	File      File      `json:"file"`
	Video     Video     `json:"video"`
	Timing    Timing    `json:"timing"`
	Checksum  Checksum  `json:"checksum"`
	Device    Device    `json:"device"`
	Quality   Quality   `json:"quality"`
	// ExpectedCameras lists every node the session was started with; the
	// ingest server uses the first-arriving manifest to decide completeness.
	ExpectedCameras []string `json:"expected_cameras"`
}

type Recording struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	NodeID    string `json:"node_id"`
	Position  string `json:"position"`
}

type File struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	Container string `json:"container"`
	Codec     string `json:"codec"`
}

type Video struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	FPS         int     `json:"fps"`
	BitrateMbps float64 `json:"bitrate_mbps"`
	DurationSec float64 `json:"duration_sec"`
}

type Timing struct {
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	SyncOK       bool      `json:"sync_ok"`
	SyncOffsetMs float64   `json:"sync_offset_ms"`
}

type Checksum struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type Device struct {
	Hostname        string `json:"hostname"`
	Endpoint        string `json:"endpoint"`
	SoftwareVersion string `json:"software_version"`
}

type Quality struct {
	DroppedFrames   int64   `json:"dropped_frames"`
	TemperatureAvgC float64 `json:"temperature_avg_c"`
	TemperatureMaxC float64 `json:"temperature_max_c"`
}

// Validate checks the fields the transfer machinery depends on. Unknown JSON
// fields are tolerated by decoding; unknown major versions are rejected here.
func (m *Manifest) Validate() error {
	major := m.Version
	if i := strings.IndexByte(major, '.'); i >= 0 {
		major = major[:i]
	}
	if major != Version {
		return fmt.Errorf("unsupported manifest version %q", m.Version)
	}
	if m.Recording.ID == "" || m.Recording.SessionID == "" || m.Recording.NodeID == "" {
		return fmt.Errorf("manifest missing recording identity")
	}
	if m.Checksum.Algorithm != "sha256" || m.Checksum.Value == "" {
		return fmt.Errorf("manifest missing sha256 checksum")
	}
	return nil
}

// Write persists the manifest next to the recording file.
func Write(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes and validates manifest bytes.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

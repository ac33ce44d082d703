package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/pitchside/rig/pkg/log"
	"github.com/pitchside/rig/pkg/types"
)

const defaultThermalZone = "/sys/class/thermal/thermal_zone0/temp"

// Manager owns the local recording volume: capacity accounting, the
// deterministic on-disk layout, and cleanup of confirmed artifacts.
//
// Layout: {root}/{session_id}/{node_id}/{recording_id}.{ext} with a sibling
// {recording_id}.json manifest.
type Manager struct {
	root        string
	nodeID      string
	ext         string
	minFree     uint64
	bitrateMbps float64
	thermalPath string
}

// Config parameterizes a Manager.
type Config struct {
	Root        string
	NodeID      string
	Container   string // file extension, e.g. "mp4"
	MinFree     uint64
	BitrateMbps float64
	ThermalPath string // defaults to the Pi SoC thermal zone
}

// NewManager creates the recordings root if needed.
func NewManager(cfg Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create recordings root: %w", err)
	}
	thermal := cfg.ThermalPath
	if thermal == "" {
		thermal = defaultThermalZone
	}
	return &Manager{
		root:        cfg.Root,
		nodeID:      cfg.NodeID,
		ext:         strings.TrimPrefix(cfg.Container, "."),
		minFree:     cfg.MinFree,
		bitrateMbps: cfg.BitrateMbps,
		thermalPath: thermal,
	}, nil
}

// Root returns the recordings root directory.
func (m *Manager) Root() string { return m.root }

// MinFree returns the configured free-space floor in bytes.
func (m *Manager) MinFree() uint64 { return m.minFree }

// Usage returns free and total bytes on the recording volume.
func (m *Manager) Usage() (free, total uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(m.root, &st); err != nil {
		return 0, 0, fmt.Errorf("statfs %s: %w", m.root, err)
	}
	bsize := uint64(st.Bsize)
	return st.Bavail * bsize, st.Blocks * bsize, nil
}

// EstimatedRecordingMinutes converts free space into minutes of capture at
// the configured bitrate.
func (m *Manager) EstimatedRecordingMinutes() float64 {
	free, _, err := m.Usage()
	if err != nil || m.bitrateMbps <= 0 {
		return 0
	}
	bytesPerMinute := m.bitrateMbps * 1e6 / 8 * 60
	return float64(free) / bytesPerMinute
}

// Temperature reads the SoC temperature in Celsius. Returns 0 when the
// thermal zone is unreadable (non-Pi development machines).
func (m *Manager) Temperature() float64 {
	data, err := os.ReadFile(m.thermalPath)
	if err != nil {
		return 0
	}
	milli, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return float64(milli) / 1000.0
}

// RecordingPath allocates the deterministic file path for a session,
// creating the per-session directory.
func (m *Manager) RecordingPath(sessionID string) (string, error) {
	dir := filepath.Join(m.root, sessionID, m.nodeID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	name := types.RecordingID(sessionID, m.nodeID) + "." + m.ext
	return filepath.Join(dir, name), nil
}

// ManifestPath returns the sibling manifest path for a recording file.
func ManifestPath(recordingPath string) string {
	ext := filepath.Ext(recordingPath)
	return strings.TrimSuffix(recordingPath, ext) + ".json"
}

// ListRecordings walks the layout and returns the recording files present,
// newest session first is not guaranteed; callers sort as needed.
func (m *Manager) ListRecordings() ([]types.Recording, error) {
	var out []types.Recording

	sessions, err := os.ReadDir(m.root)
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		if !sess.IsDir() {
			continue
		}
		nodeDir := filepath.Join(m.root, sess.Name(), m.nodeID)
		entries, err := os.ReadDir(nodeDir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			out = append(out, types.Recording{
				RecordingID:  strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())),
				SessionID:    sess.Name(),
				NodeID:       m.nodeID,
				FilePath:     filepath.Join(nodeDir, e.Name()),
				ManifestPath: ManifestPath(filepath.Join(nodeDir, e.Name())),
				SizeBytes:    info.Size(),
				OffloadState: types.OffloadLocal,
			})
		}
	}
	return out, nil
}

// Remove deletes a confirmed recording file. The manifest stays behind as a
// local breadcrumb.
func (m *Manager) Remove(rec types.Recording) error {
	if rec.OffloadState != types.OffloadConfirmed {
		return fmt.Errorf("refusing to delete %s: offload state %s", rec.RecordingID, rec.OffloadState)
	}
	logger := log.WithComponent("storage")
	logger.Info().Str("recording_id", rec.RecordingID).Msg("deleting offloaded recording")
	if err := os.Remove(rec.FilePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

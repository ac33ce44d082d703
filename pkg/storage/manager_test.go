package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitchside/rig/pkg/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	thermal := filepath.Join(t.TempDir(), "temp")
	require.NoError(t, os.WriteFile(thermal, []byte("48500\n"), 0o644))

	m, err := NewManager(Config{
		Root:        t.TempDir(),
		NodeID:      "CAM_L",
		Container:   "mp4",
		MinFree:     10 << 30,
		BitrateMbps: 30,
		ThermalPath: thermal,
	})
	require.NoError(t, err)
	return m
}

func TestRecordingPathLayout(t *testing.T) {
	m := newTestManager(t)

	path, err := m.RecordingPath("GAME_20240315_140000")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(m.Root(), "GAME_20240315_140000", "CAM_L", "GAME_20240315_140000_CAM_L.mp4"), path)
	assert.DirExists(t, filepath.Dir(path))
	assert.Equal(t, filepath.Join(m.Root(), "GAME_20240315_140000", "CAM_L", "GAME_20240315_140000_CAM_L.json"), ManifestPath(path))
}

func TestTemperature(t *testing.T) {
	m := newTestManager(t)
	assert.InDelta(t, 48.5, m.Temperature(), 0.001)

	m.thermalPath = "/nonexistent/thermal"
	assert.Zero(t, m.Temperature())
}

func TestUsageReportsVolume(t *testing.T) {
	m := newTestManager(t)
	free, total, err := m.Usage()
	require.NoError(t, err)
	assert.Greater(t, total, uint64(0))
	assert.LessOrEqual(t, free, total)
}

func TestListRecordings(t *testing.T) {
	m := newTestManager(t)

	path, err := m.RecordingPath("GAME_20240315_140000")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("video"), 0o644))
	require.NoError(t, os.WriteFile(ManifestPath(path), []byte("{}"), 0o644))

	recs, err := m.ListRecordings()
	require.NoError(t, err)
	require.Len(t, recs, 1, "manifest files must not be listed as recordings")

	assert.Equal(t, "GAME_20240315_140000_CAM_L", recs[0].RecordingID)
	assert.Equal(t, int64(5), recs[0].SizeBytes)
	assert.Equal(t, types.OffloadLocal, recs[0].OffloadState)
}

func TestRemoveRequiresConfirmed(t *testing.T) {
	m := newTestManager(t)

	path, err := m.RecordingPath("GAME_20240315_140000")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("video"), 0o644))

	rec := types.Recording{RecordingID: "GAME_20240315_140000_CAM_L", FilePath: path, OffloadState: types.OffloadLocal}
	require.Error(t, m.Remove(rec), "LOCAL recordings must not be deleted")
	assert.FileExists(t, path)

	rec.OffloadState = types.OffloadConfirmed
	require.NoError(t, m.Remove(rec))
	assert.NoFileExists(t, path)
}

package manifest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() *Manifest {
	return &Manifest{
		Version: Version,
		Recording: Recording{
			ID:        "GAME_20240315_140000_CAM_L",
			SessionID: "GAME_20240315_140000",
			NodeID:    "CAM_L",
			Position:  "left",
		},
		File:  File{Name: "GAME_20240315_140000_CAM_L.mp4", SizeBytes: 42, Container: "mp4", Codec: "h265"},
		Video: Video{Width: 3840, Height: 2160, FPS: 30, BitrateMbps: 30, DurationSec: 1.5},
		Timing: Timing{
			StartTime:    time.Date(2024, 3, 15, 14, 0, 0, 0, time.UTC),
			EndTime:      time.Date(2024, 3, 15, 14, 0, 1, 500e6, time.UTC),
			SyncOK:       true,
			SyncOffsetMs: 1.2,
		},
		Checksum:        Checksum{Algorithm: "sha256", Value: "abc123"},
		ExpectedCameras: []string{"CAM_L", "CAM_C", "CAM_R"},
	}
}

func TestWriteLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.json")
	require.NoError(t, Write(path, sample()))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "GAME_20240315_140000_CAM_L", got.Recording.ID)
	assert.Equal(t, []string{"CAM_L", "CAM_C", "CAM_R"}, got.ExpectedCameras)
}

func TestParseToleratesUnknownFields(t *testing.T) {
	data := []byte(`{
		"version": "1",
		"future_field": {"nested": true},
		"recording": {"id": "S_CAM_C", "session_id": "S", "node_id": "CAM_C", "position": "center"},
		"checksum": {"algorithm": "sha256", "value": "deadbeef"},
		"expected_cameras": ["CAM_C"]
	}`)

	m, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", m.Checksum.Value)
}

func TestParseRejectsUnknownMajorVersion(t *testing.T) {
	m := sample()
	m.Version = "2"
	assert.Error(t, m.Validate())

	m.Version = "1.3"
	assert.NoError(t, m.Validate(), "minor revisions of the same major are accepted")
}

func TestValidateRequiresChecksum(t *testing.T) {
	m := sample()
	m.Checksum.Value = ""
	assert.Error(t, m.Validate())

	m = sample()
	m.Checksum.Algorithm = "md5"
	assert.Error(t, m.Validate())
}

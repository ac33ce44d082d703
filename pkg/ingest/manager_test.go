package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitchside/rig/pkg/manifest"
	"github.com/pitchside/rig/pkg/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), 2*time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func initReq(sessionID, nodeID string, payload []byte, chunkSize int64) UploadInit {
	sum := sha256.Sum256(payload)
	return UploadInit{
		NodeID:      nodeID,
		SessionID:   sessionID,
		RecordingID: types.RecordingID(sessionID, nodeID),
		FileSize:    int64(len(payload)),
		ChunkSize:   chunkSize,
		Checksum:    hex.EncodeToString(sum[:]),
	}
}

func chunksOf(payload []byte, size int64) [][]byte {
	var out [][]byte
	for off := int64(0); off < int64(len(payload)); off += size {
		end := off + size
		if end > int64(len(payload)) {
			end = int64(len(payload))
		}
		out = append(out, payload[off:end])
	}
	return out
}

func manifestFor(sessionID, nodeID string, checksum string, expected []string) []byte {
	m := manifest.Manifest{
		Version: manifest.Version,
		Recording: manifest.Recording{
			ID:        types.RecordingID(sessionID, nodeID),
			SessionID: sessionID,
			NodeID:    nodeID,
			Position:  "center",
		},
		Checksum:        manifest.Checksum{Algorithm: "sha256", Value: checksum},
		ExpectedCameras: expected,
	}
	data, _ := json.Marshal(m)
	return data
}

// uploadAll drives a full upload for one camera.
func uploadAll(t *testing.T, m *Manager, sessionID, nodeID string, payload []byte, expected []string) string {
	t.Helper()
	req := initReq(sessionID, nodeID, payload, 4)
	uploadID, received, err := m.Init(req)
	require.NoError(t, err)
	require.Empty(t, received)

	chunks := chunksOf(payload, 4)
	for i, c := range chunks {
		require.NoError(t, m.WriteChunk(uploadID, i, c))
	}

	require.NoError(t, m.PutManifest(sessionID, nodeID, manifestFor(sessionID, nodeID, req.Checksum, expected)))

	sum, size, err := m.Finalize(uploadID, len(chunks))
	require.NoError(t, err)
	require.Equal(t, req.Checksum, sum)
	require.Equal(t, int64(len(payload)), size)

	got, err := m.Confirm(sessionID, nodeID)
	require.NoError(t, err)
	require.Equal(t, req.Checksum, got)
	return sum
}

func TestChecksumRoundTrip(t *testing.T) {
	m := newTestManager(t)
	payload := []byte("the quick brown fox jumps over")

	sum := uploadAll(t, m, "GAME_20240315_140000", "CAM_C", payload, []string{"CAM_C"})

	// The bytes stored on the server hash to the manifest checksum.
	stored, err := os.ReadFile(filepath.Join(m.Root(), "sessions", "GAME_20240315_140000", "CAM_C", "recording.mp4"))
	require.NoError(t, err)
	got := sha256.Sum256(stored)
	assert.Equal(t, sum, hex.EncodeToString(got[:]))
}

func TestResumeReportsReceivedChunks(t *testing.T) {
	m := newTestManager(t)
	payload := []byte("0123456789abcdefghij") // 5 chunks of 4
	req := initReq("GAME_20240315_140000", "CAM_L", payload, 4)

	uploadID, _, err := m.Init(req)
	require.NoError(t, err)

	chunks := chunksOf(payload, 4)
	// Interrupted after 3 of 5.
	for i := 0; i < 3; i++ {
		require.NoError(t, m.WriteChunk(uploadID, i, chunks[i]))
	}

	// Re-init returns the same upload and exactly the persisted indices.
	uploadID2, received, err := m.Init(req)
	require.NoError(t, err)
	assert.Equal(t, uploadID, uploadID2, "one open upload per recording")
	assert.Equal(t, []int{0, 1, 2}, received)

	for i := 3; i < len(chunks); i++ {
		require.NoError(t, m.WriteChunk(uploadID, i, chunks[i]))
	}
	sum, _, err := m.Finalize(uploadID, len(chunks))
	require.NoError(t, err)
	assert.Equal(t, req.Checksum, sum)
}

func TestDuplicateChunkIsNoOp(t *testing.T) {
	m := newTestManager(t)
	payload := []byte("abcdefgh")
	req := initReq("GAME_20240315_140000", "CAM_L", payload, 4)
	uploadID, _, err := m.Init(req)
	require.NoError(t, err)

	require.NoError(t, m.WriteChunk(uploadID, 0, payload[:4]))
	require.NoError(t, m.WriteChunk(uploadID, 0, payload[:4]), "same index, same size: accepted as no-op")

	err = m.WriteChunk(uploadID, 0, payload[:2])
	require.Error(t, err, "same index, different size: rejected")
}

func TestFinalizeRejectsIncompleteUpload(t *testing.T) {
	m := newTestManager(t)
	payload := []byte("abcdefgh")
	req := initReq("GAME_20240315_140000", "CAM_L", payload, 4)
	uploadID, _, err := m.Init(req)
	require.NoError(t, err)

	require.NoError(t, m.WriteChunk(uploadID, 0, payload[:4]))
	_, _, err = m.Finalize(uploadID, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incomplete")
}

func TestAtomicPublication(t *testing.T) {
	m := newTestManager(t)
	session := "GAME_20240315_140000"
	expected := []string{"CAM_L", "CAM_C", "CAM_R"}

	published := filepath.Join(m.Root(), "sessions", session)

	uploadAll(t, m, session, "CAM_L", []byte("left-camera-video"), expected)
	_, err := os.Stat(published)
	require.True(t, os.IsNotExist(err), "session invisible before every camera confirmed")

	uploadAll(t, m, session, "CAM_C", []byte("center-camera-video"), expected)
	_, err = os.Stat(published)
	require.True(t, os.IsNotExist(err))

	uploadAll(t, m, session, "CAM_R", []byte("right-camera-video"), expected)

	// Third confirm publishes; the directory appears complete or not at all.
	sess, err := m.SessionStatus(session)
	require.NoError(t, err)
	assert.Equal(t, types.SessionPublished, sess.Status)

	for _, cam := range expected {
		assert.FileExists(t, filepath.Join(published, cam, "recording.mp4"))
		assert.FileExists(t, filepath.Join(published, cam, "manifest.json"))
	}
	_, err = os.Stat(filepath.Join(m.Root(), "staging", session))
	assert.True(t, os.IsNotExist(err), "staging entry gone after rename")
}

func TestConfirmIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	session := "GAME_20240315_140000"
	uploadAll(t, m, session, "CAM_C", []byte("video"), []string{"CAM_C"})

	first, err := m.Confirm(session, "CAM_C")
	require.NoError(t, err)
	second, err := m.Confirm(session, "CAM_C")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestConfirmWithoutFinalizeFails(t *testing.T) {
	m := newTestManager(t)
	req := initReq("GAME_20240315_140000", "CAM_L", []byte("abcd"), 4)
	_, _, err := m.Init(req)
	require.NoError(t, err)

	_, err = m.Confirm("GAME_20240315_140000", "CAM_L")
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestAbandonDropsPartialAndRestartsClean(t *testing.T) {
	m := newTestManager(t)
	payload := []byte("abcdefgh")
	req := initReq("GAME_20240315_140000", "CAM_L", payload, 4)

	uploadID, _, err := m.Init(req)
	require.NoError(t, err)
	require.NoError(t, m.WriteChunk(uploadID, 0, payload[:4]))

	require.NoError(t, m.Abandon(uploadID))
	require.NoError(t, m.Abandon(uploadID), "abandon is idempotent")

	// A fresh init starts from zero with a new upload_id.
	uploadID2, received, err := m.Init(req)
	require.NoError(t, err)
	assert.NotEqual(t, uploadID, uploadID2)
	assert.Empty(t, received)
}

func TestScannerPublishesPartialAfterTimeout(t *testing.T) {
	m, err := NewManager(t.TempDir(), 50*time.Millisecond)
	require.NoError(t, err)
	defer m.Close()

	session := "GAME_20240315_140000"
	expected := []string{"CAM_L", "CAM_C", "CAM_R"}

	// Only two of three cameras arrive (scenario C).
	uploadAll(t, m, session, "CAM_L", []byte("left"), expected)
	uploadAll(t, m, session, "CAM_R", []byte("right"), expected)

	sess, err := m.SessionStatus(session)
	require.NoError(t, err)
	require.Equal(t, types.SessionOpen, sess.Status)

	time.Sleep(60 * time.Millisecond)
	m.scanOnce()

	sess, err = m.SessionStatus(session)
	require.NoError(t, err)
	assert.Equal(t, types.SessionPartial, sess.Status)
	assert.FileExists(t, filepath.Join(m.Root(), "sessions", session, "CAM_L", "recording.mp4"))
}

func TestInitSurvivesRestart(t *testing.T) {
	root := t.TempDir()
	m, err := NewManager(root, 2*time.Hour)
	require.NoError(t, err)

	payload := []byte("0123456789ab")
	req := initReq("GAME_20240315_140000", "CAM_L", payload, 4)
	uploadID, _, err := m.Init(req)
	require.NoError(t, err)
	require.NoError(t, m.WriteChunk(uploadID, 0, payload[:4]))
	require.NoError(t, m.Close())

	// New manager over the same root: same upload, same progress.
	m2, err := NewManager(root, 2*time.Hour)
	require.NoError(t, err)
	defer m2.Close()

	uploadID2, received, err := m2.Init(req)
	require.NoError(t, err)
	assert.Equal(t, uploadID, uploadID2)
	assert.Equal(t, []int{0}, received)
}

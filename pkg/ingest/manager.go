package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pitchside/rig/pkg/log"
	"github.com/pitchside/rig/pkg/manifest"
	"github.com/pitchside/rig/pkg/metrics"
	"github.com/pitchside/rig/pkg/types"
)

// Layout under the ingest root:
//
//	{root}/staging/{session_id}/{node_id}/recording.{ext} + manifest.json
//	{root}/staging/.uploads/{upload_id}/chunk_NNNNNN
//	{root}/sessions/{session_id}/...            (published, atomic rename)
//
// Staging and sessions live on the same filesystem so publication is one
// rename.
const defaultExt = "mp4"

// Manager owns the content layout and the upload/session bookkeeping.
type Manager struct {
	root            string
	store           *Store
	completeTimeout time.Duration
	logger          zerolog.Logger

	// Per-recording locks serialize chunk writes and finalize; status reads
	// go straight to the bolt store.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// pubMu serializes publication checks so concurrent confirms race to a
	// single rename.
	pubMu sync.Mutex

	scanning bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// UploadInit is the wire body of POST /upload/init.
type UploadInit struct {
	NodeID      string `json:"node_id"`
	SessionID   string `json:"session_id"`
	RecordingID string `json:"recording_id"`
	FileSize    int64  `json:"file_size"`
	ChunkSize   int64  `json:"chunk_size"`
	Checksum    string `json:"checksum"`
}

// NewManager builds the layout directories and opens the state store.
func NewManager(root string, completeTimeout time.Duration) (*Manager, error) {
	for _, dir := range []string{
		filepath.Join(root, "staging", ".uploads"),
		filepath.Join(root, "sessions"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create layout: %w", err)
		}
	}

	store, err := NewStore(root)
	if err != nil {
		return nil, err
	}

	return &Manager{
		root:            root,
		store:           store,
		completeTimeout: completeTimeout,
		logger:          log.WithComponent("ingest"),
		locks:           make(map[string]*sync.Mutex),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}, nil
}

// Close stops the scanner and closes the store.
func (m *Manager) Close() error {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
		if m.scanning {
			<-m.doneCh
		}
	}
	return m.store.Close()
}

func (m *Manager) lock(recordingID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[recordingID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[recordingID] = l
	}
	return l
}

func (m *Manager) uploadDir(uploadID string) string {
	return filepath.Join(m.root, "staging", ".uploads", uploadID)
}

func (m *Manager) stagingDir(sessionID string) string {
	return filepath.Join(m.root, "staging", sessionID)
}

func (m *Manager) publishedDir(sessionID string) string {
	return filepath.Join(m.root, "sessions", sessionID)
}

// Init opens an upload, or resumes the existing one for the same recording:
// concurrent or repeated init calls observe a single upload_id and the chunk
// indices already persisted.
func (m *Manager) Init(req UploadInit) (uploadID string, received []int, err error) {
	if !types.ValidSessionID(req.SessionID) {
		return "", nil, fmt.Errorf("invalid session_id %q", req.SessionID)
	}
	if req.ChunkSize <= 0 || req.FileSize < 0 {
		return "", nil, fmt.Errorf("invalid sizes")
	}

	l := m.lock(req.RecordingID)
	l.Lock()
	defer l.Unlock()

	if existing, err := m.store.GetUpload(req.RecordingID); err == nil {
		// Same recording, same declared content: resume.
		if existing.Checksum == req.Checksum && existing.FileSize == req.FileSize {
			return existing.UploadID, m.receivedChunks(existing.UploadID), nil
		}
		// Different content for the same recording id: the retry replaces the
		// stale partial.
		m.dropUploadLocked(existing)
	}

	u := &UploadRecord{
		UploadID:    uuid.New().String(),
		RecordingID: req.RecordingID,
		SessionID:   req.SessionID,
		NodeID:      req.NodeID,
		FileSize:    req.FileSize,
		ChunkSize:   req.ChunkSize,
		Checksum:    req.Checksum,
		CreatedAt:   time.Now(),
	}
	if err := os.MkdirAll(m.uploadDir(u.UploadID), 0o755); err != nil {
		return "", nil, err
	}
	if err := m.store.PutUpload(u); err != nil {
		return "", nil, err
	}

	if err := m.touchSession(req.SessionID, req.NodeID); err != nil {
		return "", nil, err
	}

	if n, err := m.store.CountUploads(); err == nil {
		metrics.ActiveUploads.Set(float64(n))
	}
	m.logger.Info().
		Str("upload_id", u.UploadID).Str("recording_id", req.RecordingID).
		Int64("file_size", req.FileSize).Msg("upload opened")
	return u.UploadID, nil, nil
}

// receivedChunks lists the chunk indices already persisted for an upload.
func (m *Manager) receivedChunks(uploadID string) []int {
	entries, err := os.ReadDir(m.uploadDir(uploadID))
	if err != nil {
		return nil
	}
	var out []int
	for _, e := range entries {
		var idx int
		if _, err := fmt.Sscanf(e.Name(), "chunk_%06d", &idx); err == nil {
			out = append(out, idx)
		}
	}
	sort.Ints(out)
	return out
}

// WriteChunk persists one chunk. A chunk arriving at an index already on disk
// is a no-op when its size matches; a size conflict is rejected.
func (m *Manager) WriteChunk(uploadID string, index int, data []byte) error {
	u, err := m.store.GetUploadByID(uploadID)
	if err != nil {
		return err
	}
	if index < 0 || int64(index)*u.ChunkSize >= max64(u.FileSize, 1) {
		return fmt.Errorf("chunk index %d out of range", index)
	}

	l := m.lock(u.RecordingID)
	l.Lock()
	defer l.Unlock()

	path := filepath.Join(m.uploadDir(uploadID), fmt.Sprintf("chunk_%06d", index))
	if info, err := os.Stat(path); err == nil {
		if info.Size() == int64(len(data)) {
			return nil // duplicate delivery, content assumed identical
		}
		return fmt.Errorf("chunk %d size conflict: have %d got %d", index, info.Size(), len(data))
	}

	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Finalize assembles the chunks, hashes the file, moves it into the session
// staging area, and returns the server-side checksum.
func (m *Manager) Finalize(uploadID string, totalChunks int) (checksum string, size int64, err error) {
	u, err := m.store.GetUploadByID(uploadID)
	if err != nil {
		return "", 0, err
	}

	l := m.lock(u.RecordingID)
	l.Lock()
	defer l.Unlock()

	received := m.receivedChunks(uploadID)
	if len(received) != totalChunks {
		return "", 0, fmt.Errorf("upload incomplete: %d of %d chunks", len(received), totalChunks)
	}

	destDir := filepath.Join(m.stagingDir(u.SessionID), u.NodeID)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", 0, err
	}
	dest := filepath.Join(destDir, "recording."+defaultExt)

	tmp := dest + ".assembling"
	out, err := os.Create(tmp)
	if err != nil {
		return "", 0, err
	}

	h := sha256.New()
	w := io.MultiWriter(out, h)
	for i := 0; i < totalChunks; i++ {
		chunk, err := os.Open(filepath.Join(m.uploadDir(uploadID), fmt.Sprintf("chunk_%06d", i)))
		if err != nil {
			out.Close()
			os.Remove(tmp)
			return "", 0, err
		}
		n, err := io.Copy(w, chunk)
		chunk.Close()
		if err != nil {
			out.Close()
			os.Remove(tmp)
			return "", 0, err
		}
		size += n
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", 0, err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", 0, err
	}

	checksum = hex.EncodeToString(h.Sum(nil))

	// The upload is done; drop the chunk spool but keep the session entry
	// waiting for confirm.
	os.RemoveAll(m.uploadDir(uploadID))
	if err := m.store.DeleteUpload(u.RecordingID); err != nil {
		return "", 0, err
	}
	if n, err := m.store.CountUploads(); err == nil {
		metrics.ActiveUploads.Set(float64(n))
	}

	if err := m.updateCamera(u.SessionID, u.NodeID, func(c *CameraRecord) {
		c.Checksum = checksum
		c.SizeBytes = size
	}); err != nil {
		return "", 0, err
	}

	m.logger.Info().
		Str("upload_id", uploadID).Str("recording_id", u.RecordingID).
		Str("checksum", checksum).Int64("size", size).Msg("upload finalized")
	return checksum, size, nil
}

// Abandon drops an open upload and its chunks (client detected a checksum
// mismatch and restarts from scratch).
func (m *Manager) Abandon(uploadID string) error {
	u, err := m.store.GetUploadByID(uploadID)
	if err != nil {
		// Already gone; abandon is idempotent.
		return nil
	}
	l := m.lock(u.RecordingID)
	l.Lock()
	defer l.Unlock()
	m.dropUploadLocked(u)
	return nil
}

func (m *Manager) dropUploadLocked(u *UploadRecord) {
	os.RemoveAll(m.uploadDir(u.UploadID))
	_ = m.store.DeleteUpload(u.RecordingID)
	// A stale assembled file for this recording is also stale content.
	os.Remove(filepath.Join(m.stagingDir(u.SessionID), u.NodeID, "recording."+defaultExt))
	if n, err := m.store.CountUploads(); err == nil {
		metrics.ActiveUploads.Set(float64(n))
	}
}

// PutManifest validates and persists a camera's manifest. The first manifest
// to declare expected_cameras fixes the session's completeness set.
func (m *Manager) PutManifest(sessionID, nodeID string, data []byte) error {
	man, err := manifest.Parse(data)
	if err != nil {
		return err
	}
	if man.Recording.SessionID != sessionID {
		return fmt.Errorf("manifest session %q does not match %q", man.Recording.SessionID, sessionID)
	}

	dir := filepath.Join(m.stagingDir(sessionID), nodeID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0o644); err != nil {
		return err
	}

	if err := m.touchSession(sessionID, nodeID); err != nil {
		return err
	}
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if len(sess.Expected) == 0 && len(man.ExpectedCameras) > 0 {
		sess.Expected = man.ExpectedCameras
	}
	cam := sess.Cameras[nodeID]
	cam.HasManifest = true
	sess.Cameras[nodeID] = cam
	if err := m.store.PutSession(sess); err != nil {
		return err
	}

	// A late manifest can be the last missing piece.
	return m.maybePublish(sessionID)
}

// Confirm marks a camera's recording as accepted and returns the stored
// checksum. Idempotent: repeated confirms return the same answer. Publication
// is evaluated after every confirm.
func (m *Manager) Confirm(sessionID, nodeID string) (string, error) {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return "", err
	}
	cam, ok := sess.Cameras[nodeID]
	if !ok || cam.Checksum == "" {
		return "", fmt.Errorf("%w: no finalized recording for %s/%s", types.ErrNotFound, sessionID, nodeID)
	}

	if !cam.Confirmed {
		cam.Confirmed = true
		sess.Cameras[nodeID] = cam
		if err := m.store.PutSession(sess); err != nil {
			return "", err
		}
		m.logger.Info().Str("session_id", sessionID).Str("node_id", nodeID).Msg("recording confirmed")
	}

	if err := m.maybePublish(sessionID); err != nil {
		m.logger.Error().Err(err).Str("session_id", sessionID).Msg("publish check failed")
	}
	return cam.Checksum, nil
}

// touchSession creates the session record on first contact.
func (m *Manager) touchSession(sessionID, nodeID string) error {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		sess = &SessionRecord{
			SessionID:     sessionID,
			Status:        types.SessionOpen,
			FirstUploadAt: time.Now(),
			Cameras:       make(map[string]CameraRecord),
		}
	}
	if _, ok := sess.Cameras[nodeID]; !ok {
		sess.Cameras[nodeID] = CameraRecord{}
	}
	return m.store.PutSession(sess)
}

func (m *Manager) updateCamera(sessionID, nodeID string, fn func(*CameraRecord)) error {
	if err := m.touchSession(sessionID, nodeID); err != nil {
		return err
	}
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	cam := sess.Cameras[nodeID]
	fn(&cam)
	sess.Cameras[nodeID] = cam
	return m.store.PutSession(sess)
}

// maybePublish atomically renames the staged session into sessions/ once
// every expected camera is confirmed with a manifest on disk.
func (m *Manager) maybePublish(sessionID string) error {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()

	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if sess.Status == types.SessionPublished || sess.Status == types.SessionPartial {
		return nil
	}
	if len(sess.Expected) == 0 {
		return nil // no manifest has declared the participant set yet
	}
	for _, nodeID := range sess.Expected {
		cam, ok := sess.Cameras[nodeID]
		if !ok || !cam.Confirmed || !cam.HasManifest {
			return nil
		}
	}
	return m.publish(sess, types.SessionPublished)
}

// publish moves the whole session directory in one rename.
func (m *Manager) publish(sess *SessionRecord, status types.SessionStatus) error {
	src := m.stagingDir(sess.SessionID)
	dst := m.publishedDir(sess.SessionID)

	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("staged session missing: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("publish rename: %w", err)
	}

	sess.Status = status
	sess.PublishedAt = time.Now()
	if err := m.store.PutSession(sess); err != nil {
		return err
	}

	metrics.SessionsPublished.WithLabelValues(strings.ToLower(string(status))).Inc()
	m.logger.Info().Str("session_id", sess.SessionID).Str("status", string(status)).Msg("session published")
	return nil
}

// StartScanner launches the completion-timeout loop: sessions whose
// participants never all arrived are published PARTIAL after the timeout.
func (m *Manager) StartScanner(interval time.Duration) {
	m.scanning = true
	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.scanOnce()
			}
		}
	}()
}

func (m *Manager) scanOnce() {
	sessions, err := m.store.ListSessions()
	if err != nil {
		return
	}
	for _, sess := range sessions {
		if sess.Status != types.SessionOpen {
			continue
		}
		if time.Since(sess.FirstUploadAt) < m.completeTimeout {
			continue
		}
		// Only confirmed cameras count; a timed-out session with none is left
		// in staging for the operator.
		confirmed := 0
		for _, cam := range sess.Cameras {
			if cam.Confirmed {
				confirmed++
			}
		}
		if confirmed == 0 {
			continue
		}
		m.pubMu.Lock()
		if cur, err := m.store.GetSession(sess.SessionID); err != nil ||
			cur.Status != types.SessionOpen {
			m.pubMu.Unlock()
			continue
		}
		err := m.publish(sess, types.SessionPartial)
		m.pubMu.Unlock()
		if err != nil {
			m.logger.Error().Err(err).Str("session_id", sess.SessionID).Msg("partial publish failed")
		}
	}
}

// SessionStatus reports a session and its cameras.
func (m *Manager) SessionStatus(sessionID string) (*SessionRecord, error) {
	return m.store.GetSession(sessionID)
}

// ActiveUploadCount returns the number of open uploads.
func (m *Manager) ActiveUploadCount() int {
	n, _ := m.store.CountUploads()
	return n
}

// Root returns the ingest root directory.
func (m *Manager) Root() string { return m.root }

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

package ingest

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pitchside/rig/pkg/types"
)

var (
	// Bucket names
	bucketUploads  = []byte("uploads")
	bucketSessions = []byte("sessions")
)

// UploadRecord is the persisted state of one open upload. One record exists
// per recording_id at a time; a fresh init for the same recording returns the
// same upload.
type UploadRecord struct {
	UploadID    string    `json:"upload_id"`
	RecordingID string    `json:"recording_id"`
	SessionID   string    `json:"session_id"`
	NodeID      string    `json:"node_id"`
	FileSize    int64     `json:"file_size"`
	ChunkSize   int64     `json:"chunk_size"`
	Checksum    string    `json:"checksum"`
	CreatedAt   time.Time `json:"created_at"`
}

// CameraRecord is the per-camera slice of a session's ingest state.
type CameraRecord struct {
	Confirmed   bool   `json:"confirmed"`
	Checksum    string `json:"checksum,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
	HasManifest bool   `json:"has_manifest"`
}

// SessionRecord is the persisted ingest state of one session.
type SessionRecord struct {
	SessionID     string                  `json:"session_id"`
	Status        types.SessionStatus     `json:"status"`
	FirstUploadAt time.Time               `json:"first_upload_at"`
	PublishedAt   time.Time               `json:"published_at,omitempty"`
	Expected      []string                `json:"expected,omitempty"`
	Cameras       map[string]CameraRecord `json:"cameras"`
}

// Store is the bbolt-backed persistence for upload and session state. It
// survives server restarts so interrupted uploads resume with the same
// upload_id.
type Store struct {
	db *bolt.DB
}

// NewStore opens (or creates) the ingest database under dataDir.
func NewStore(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "ingest.db")

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketUploads, bucketSessions} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upload operations (keyed by recording_id: one open upload per recording).

func (s *Store) PutUpload(u *UploadRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUploads)
		data, err := json.Marshal(u)
		if err != nil {
			return err
		}
		return b.Put([]byte(u.RecordingID), data)
	})
}

func (s *Store) GetUpload(recordingID string) (*UploadRecord, error) {
	var u UploadRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUploads).Get([]byte(recordingID))
		if data == nil {
			return fmt.Errorf("%w: upload for %s", types.ErrNotFound, recordingID)
		}
		return json.Unmarshal(data, &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUploadByID resolves an upload by its upload_id.
func (s *Store) GetUploadByID(uploadID string) (*UploadRecord, error) {
	var found *UploadRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUploads).ForEach(func(k, v []byte) error {
			var u UploadRecord
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}
			if u.UploadID == uploadID {
				found = &u
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: upload %s", types.ErrNotFound, uploadID)
	}
	return found, nil
}

func (s *Store) DeleteUpload(recordingID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUploads).Delete([]byte(recordingID))
	})
}

// CountUploads returns the number of open uploads.
func (s *Store) CountUploads() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketUploads).Stats().KeyN
		return nil
	})
	return n, err
}

// Session operations.

func (s *Store) PutSession(rec *SessionRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.SessionID), data)
	})
}

func (s *Store) GetSession(sessionID string) (*SessionRecord, error) {
	var rec SessionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(sessionID))
		if data == nil {
			return fmt.Errorf("%w: session %s", types.ErrNotFound, sessionID)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) ListSessions() ([]*SessionRecord, error) {
	var out []*SessionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var rec SessionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
			return nil
		})
	})
	return out, err
}

package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitchside/rig/pkg/log"
	"github.com/pitchside/rig/pkg/metrics"
	"github.com/pitchside/rig/pkg/offload"
	"github.com/pitchside/rig/pkg/types"

	"golang.org/x/sys/unix"
)

// maxChunkBody bounds one multipart chunk request.
const maxChunkBody = 256 << 20

// Server is the stateless HTTP front of the ingest storage layout.
type Server struct {
	manager *Manager
	http    *http.Server
}

// NewServer wires the ingest routes.
func NewServer(manager *Manager, addr string) *Server {
	s := &Server{manager: manager}

	r := chi.NewRouter()
	r.Post("/upload/init", s.handleInit)
	r.Post("/upload/chunk", s.handleChunk)
	r.Post("/upload/finalize", s.handleFinalize)
	r.Post("/upload/abandon", s.handleAbandon)
	r.Post("/upload/confirm", s.handleConfirm)
	r.Get("/health", s.handleHealth)
	r.Get("/sessions/{id}", s.handleSession)
	r.Post("/sessions/{id}/manifest", s.handleManifest)
	r.Get("/healthz", metrics.HealthHandler())
	r.Handle("/metrics", metrics.Handler())

	s.http = &http.Server{Addr: addr, Handler: r}
	return s
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	ingestLogger := log.WithComponent("ingest")
	ingestLogger.Info().Str("addr", s.http.Addr).Msg("ingest API listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the route tree (tests mount it on httptest servers).
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, types.ErrorResponse{Error: err.Error(), Code: code})
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var req UploadInit
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	if req.NodeID == "" || req.SessionID == "" || req.RecordingID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", errors.New("node_id, session_id, recording_id are required"))
		return
	}

	uploadID, received, err := s.manager.Init(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	if received == nil {
		received = []int{}
	}
	writeJSON(w, http.StatusOK, offload.InitResponse{UploadID: uploadID, ReceivedChunks: received})
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxChunkBody); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	uploadID := r.FormValue("upload_id")
	index, err := strconv.Atoi(r.FormValue("chunk_index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", errors.New("chunk_index must be an integer"))
		return
	}

	file, _, err := r.FormFile("bytes")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", errors.New("missing chunk bytes"))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "io_error", err)
		return
	}

	if err := s.manager.WriteChunk(uploadID, index, data); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, types.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, "chunk_rejected", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req offload.FinalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}

	checksum, size, err := s.manager.Finalize(req.UploadID, req.TotalChunks)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, types.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, "finalize_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, offload.FinalizeResponse{ChecksumSHA256: checksum, SizeBytes: size})
}

func (s *Server) handleAbandon(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UploadID string `json:"upload_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	if err := s.manager.Abandon(req.UploadID); err != nil {
		writeError(w, http.StatusInternalServerError, "abandon_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		NodeID    string `json:"node_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}

	checksum, err := s.manager.Confirm(req.SessionID, req.NodeID)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, types.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, "confirm_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, offload.ConfirmResponse{ChecksumSHA256: checksum})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var free uint64
	var st unix.Statfs_t
	if err := unix.Statfs(s.manager.Root(), &st); err == nil {
		free = st.Bavail * uint64(st.Bsize)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"storage_free_bytes": free,
		"active_uploads":     s.manager.ActiveUploadCount(),
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	sess, err := s.manager.SessionStatus(sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err)
		return
	}

	cameras := make([]string, 0, len(sess.Cameras))
	confirmed := make(map[string]bool, len(sess.Cameras))
	for id, cam := range sess.Cameras {
		cameras = append(cameras, id)
		confirmed[id] = cam.Confirmed
	}
	sort.Strings(cameras)

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":      sess.SessionID,
		"status":          sess.Status,
		"cameras":         cameras,
		"confirmed":       confirmed,
		"expected":        sess.Expected,
		"first_upload_at": sess.FirstUploadAt.Format(time.RFC3339),
	})
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	nodeID := r.URL.Query().Get("node_id")
	if nodeID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", errors.New("node_id query parameter is required"))
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	if err := s.manager.PutManifest(sessionID, nodeID, data); err != nil {
		writeError(w, http.StatusBadRequest, "manifest_rejected", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

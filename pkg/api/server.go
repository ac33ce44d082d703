// Package api serves a node's control surface: the per-node recording
// endpoints, the coordinator endpoints (identical shape on every node), and
// the operational endpoints (/healthz, /metrics).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitchside/rig/pkg/client"
	"github.com/pitchside/rig/pkg/coordinator"
	"github.com/pitchside/rig/pkg/log"
	"github.com/pitchside/rig/pkg/metrics"
	"github.com/pitchside/rig/pkg/offload"
	"github.com/pitchside/rig/pkg/recorder"
	"github.com/pitchside/rig/pkg/registry"
	"github.com/pitchside/rig/pkg/timesync"
	"github.com/pitchside/rig/pkg/types"
)

// Config holds the server's collaborators and tunables.
type Config struct {
	ListenAddr   string
	TempMaxC     float64
	TestDuration time.Duration
}

// Server is one node's HTTP control API.
type Server struct {
	cfg     Config
	machine *recorder.Machine
	sync    *timesync.Monitor
	coord   *coordinator.Coordinator
	reg     *registry.Registry
	uploads *offload.Worker

	http *http.Server
}

// NewServer wires the node and coordinator routes.
func NewServer(cfg Config, machine *recorder.Machine, syncMon *timesync.Monitor, coord *coordinator.Coordinator, reg *registry.Registry, uploads *offload.Worker) *Server {
	s := &Server{
		cfg:     cfg,
		machine: machine,
		sync:    syncMon,
		coord:   coord,
		reg:     reg,
		uploads: uploads,
	}

	r := chi.NewRouter()
	r.Use(requestMetrics)
	r.Use(s.reverseLearn)

	// Node control.
	r.Get("/status", s.handleStatus)
	r.Get("/preflight", s.handlePreflight)
	r.Post("/arm", s.handleArm)
	r.Post("/start", s.handleStart)
	r.Post("/stop", s.handleStop)
	r.Post("/abort", s.handleAbort)
	r.Post("/sync/trigger", s.handleSyncTrigger)
	r.Get("/sync/time", timesync.ServeTime)
	r.Post("/selftest", s.handleSelfTest)
	r.Get("/offload/jobs", s.handleOffloadJobs)

	// Coordinator: identical shape on every node.
	r.Route("/coordinator", func(r chi.Router) {
		r.Get("/status", s.handleClusterStatus)
		r.Post("/preflight", s.handleClusterPreflight)
		r.Post("/start", s.handleClusterStart)
		r.Post("/stop", s.handleClusterStop)
		r.Post("/sync", s.handleClusterSync)
		r.Post("/test", s.handleClusterTest)
		r.Get("/sessions", s.handleSessions)
		r.Get("/peers", s.handlePeers)
		r.Post("/peers", s.handleAddPeer)
		r.Delete("/peers/{id}", s.handleRemovePeer)
	})

	// Operational.
	r.Get("/healthz", metrics.HealthHandler())
	r.Handle("/metrics", metrics.Handler())

	s.http = &http.Server{Addr: cfg.ListenAddr, Handler: r}
	return s
}

// requestMetrics counts requests and observes latency per route pattern.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = r.URL.Path
		}
		metrics.APIRequestsTotal.WithLabelValues(pattern, http.StatusText(ww.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(pattern).Observe(time.Since(start).Seconds())
	})
}

// reverseLearn records calling peers that identify themselves, so a node
// learns its cluster even before discovery or static config mention a peer.
func (s *Server) reverseLearn(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if nodeID, endpoint, ok := client.CallerIdentity(r); ok {
			s.reg.Observe(nodeID, endpoint)
		}
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	apiLogger := log.WithComponent("api")
	apiLogger.Info().Str("addr", s.http.Addr).Msg("node API listening")
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

// writeMachineError maps the error taxonomy onto the node API status codes.
func writeMachineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, types.ErrorResponse{Error: err.Error(), Code: "invalid_state"})
	case errors.Is(err, types.ErrPrecondition):
		status := http.StatusPreconditionFailed
		if strings.Contains(err.Error(), "camera") {
			// The camera being absent is a service problem, not a request one.
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, types.ErrorResponse{Error: err.Error(), Code: "precondition_failed"})
	case errors.Is(err, types.ErrNotFound):
		writeJSON(w, http.StatusNotFound, types.ErrorResponse{Error: err.Error(), Code: "not_found"})
	case errors.Is(err, types.ErrDriverFailure):
		writeJSON(w, http.StatusInternalServerError, types.ErrorResponse{Error: err.Error(), Code: "driver_failure"})
	default:
		writeJSON(w, http.StatusInternalServerError, types.ErrorResponse{Error: err.Error(), Code: "internal"})
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.machine.Snapshot())
}

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.machine.Preflight(s.cfg.TempMaxC))
}

func (s *Server) handleArm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: "invalid body", Code: "bad_request"})
		return
	}
	if err := s.machine.Arm(req.SessionID); err != nil {
		writeMachineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	startedAt, err := s.machine.Start()
	if err != nil {
		writeMachineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]time.Time{"started_at": startedAt})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	// An empty body means "stop whatever is recording".
	_ = json.NewDecoder(r.Body).Decode(&req)

	rec, err := s.machine.Stop(req.SessionID)
	if err != nil {
		writeMachineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	if err := s.machine.Abort(); err != nil {
		writeMachineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSyncTrigger(w http.ResponseWriter, r *http.Request) {
	res := s.sync.Trigger()
	if res.Status == types.SyncFail && res.Error != "" {
		writeJSON(w, http.StatusServiceUnavailable, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSelfTest(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.machine.SelfTest(s.cfg.TestDuration))
}

func (s *Server) handleOffloadJobs(w http.ResponseWriter, r *http.Request) {
	if s.uploads == nil {
		writeJSON(w, http.StatusOK, []offload.Job{})
		return
	}
	writeJSON(w, http.StatusOK, s.uploads.Jobs())
}

func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Status(r.Context()))
}

func (s *Server) handleClusterPreflight(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Preflight(r.Context()))
}

func (s *Server) handleClusterStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	writeJSON(w, http.StatusOK, s.coord.Start(r.Context(), req.SessionID))
}

func (s *Server) handleClusterStop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Stop(r.Context()))
}

func (s *Server) handleClusterSync(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Sync(r.Context()))
}

func (s *Server) handleClusterTest(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Test(r.Context()))
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Sessions())
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.List())
}

func (s *Server) handleAddPeer(w http.ResponseWriter, r *http.Request) {
	var p types.Peer
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.NodeID == "" || p.Endpoint == "" {
		writeJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: "node_id and endpoint are required", Code: "bad_request"})
		return
	}
	p.Static = true
	s.reg.Add(p)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRemovePeer(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.Remove(chi.URLParam(r, "id")); err != nil {
		writeMachineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

package recorder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pitchside/rig/pkg/camera"
	"github.com/pitchside/rig/pkg/events"
	"github.com/pitchside/rig/pkg/log"
	"github.com/pitchside/rig/pkg/manifest"
	"github.com/pitchside/rig/pkg/metrics"
	"github.com/pitchside/rig/pkg/storage"
	"github.com/pitchside/rig/pkg/timesync"
	"github.com/pitchside/rig/pkg/types"
)

// Config parameterizes the per-node recording state machine.
type Config struct {
	Identity        types.NodeIdentity
	Settings        camera.Settings
	StopGrace       time.Duration
	SyncToleranceMs float64
	ExpectedCameras []string
	SoftwareVersion string
	Hostname        string
}

// Machine is the per-node recording lifecycle state machine. All transitions
// are serialized under one mutex; status reads snapshot under the same lock.
type Machine struct {
	cfg     Config
	driver  camera.Driver
	store   *storage.Manager
	sync    *timesync.Monitor
	broker  *events.Broker
	logger  zerolog.Logger

	// OnFinalized receives every finalized recording in LOCAL state. Set
	// before first use; called outside the state lock.
	OnFinalized func(rec types.Recording)

	mu           sync.Mutex
	state        types.RecordingState
	sessionID    string
	filePath     string
	session      camera.Session
	armedOffset   float64
	startedWall   time.Time
	startedMono   time.Time
	lastErr       string
	watchGen      int
	watchCancel   chan struct{}
	lastFinalized *types.Recording
}

// NewMachine builds a machine in IDLE.
func NewMachine(cfg Config, driver camera.Driver, store *storage.Manager, syncMon *timesync.Monitor, broker *events.Broker) *Machine {
	m := &Machine{
		cfg:    cfg,
		driver: driver,
		store:  store,
		sync:   syncMon,
		broker: broker,
		logger: log.WithComponent("recorder"),
		state:  types.StateIdle,
	}
	metrics.SetRecordingState(cfg.Identity.NodeID, string(types.StateIdle))
	return m
}

// State returns the current state.
func (m *Machine) State() types.RecordingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot assembles the node state document served by GET /status.
func (m *Machine) Snapshot() types.NodeState {
	free, total, _ := m.store.Usage()
	syncRes := m.sync.Status()

	m.mu.Lock()
	defer m.mu.Unlock()

	offset := syncRes.OffsetMs
	if syncRes.Status == types.SyncUnknown {
		offset = types.OffsetMs(math.NaN())
	}

	return types.NodeState{
		NodeID:            m.cfg.Identity.NodeID,
		Position:          m.cfg.Identity.Position,
		IsMaster:          m.cfg.Identity.IsMaster,
		CameraDetected:    m.driver.Detect(),
		RecordingState:    m.state,
		CurrentSessionID:  m.sessionID,
		StorageFreeBytes:  free,
		StorageTotalBytes: total,
		SyncOffsetMs:      types.OffsetMs(offset),
		SyncStatus:        syncRes.Status,
		TemperatureC:      m.store.Temperature(),
		LastHeartbeatAt:   time.Now(),
	}
}

// LastError returns the reason the machine entered ERROR, if it did.
func (m *Machine) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Preflight runs the local admission checks without modifying state.
func (m *Machine) Preflight(tempMaxC float64) types.NodePreflight {
	free, _, usageErr := m.store.Usage()
	syncRes := m.sync.Status()
	temp := m.store.Temperature()

	checks := []types.CheckResult{
		{
			Name:    "camera",
			Passed:  m.driver.Detect(),
			Message: m.driver.Model(),
		},
		{
			Name:   "storage",
			Passed: usageErr == nil && free >= m.store.MinFree(),
			Message: fmt.Sprintf("%.1f GiB free, need %.0f",
				float64(free)/(1<<30), float64(m.store.MinFree())/(1<<30)),
		},
		{
			Name:    "sync",
			Passed:  m.cfg.Identity.IsMaster || syncRes.Status == types.SyncOK,
			Message: fmt.Sprintf("offset %.2f ms (%s)", syncRes.OffsetMs, syncRes.Status),
		},
		{
			Name:    "temperature",
			Passed:  temp < tempMaxC,
			Message: fmt.Sprintf("%.1f C", temp),
		},
	}

	all := true
	for _, c := range checks {
		all = all && c.Passed
	}
	return types.NodePreflight{
		NodeID:    m.cfg.Identity.NodeID,
		Position:  m.cfg.Identity.Position,
		Reachable: true,
		Checks:    checks,
		AllPassed: all,
	}
}

// Arm validates preconditions, reserves the recording file, and opens the
// driver session. IDLE -> ARMED.
func (m *Machine) Arm(sessionID string) error {
	if !types.ValidSessionID(sessionID) {
		return types.PreconditionError("session_id", fmt.Sprintf("%q does not match the session grammar", sessionID))
	}

	// Gather precondition inputs before taking the lock; Usage and sync
	// queries must not serialize against transitions.
	free, _, usageErr := m.store.Usage()
	offsetMs, fresh := m.sync.OffsetFresh()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != types.StateIdle {
		return types.TransitionError(m.state, "arm")
	}
	if !m.driver.Detect() {
		return types.PreconditionError("camera", "camera not detected")
	}
	if usageErr != nil || free < m.store.MinFree() {
		return types.PreconditionError("storage", fmt.Sprintf("%.1f GiB free, need %.0f",
			float64(free)/(1<<30), float64(m.store.MinFree())/(1<<30)))
	}
	if !m.cfg.Identity.IsMaster {
		if !fresh {
			return types.PreconditionError("sync", "no fresh offset measurement from master")
		}
		if math.Abs(offsetMs) > m.cfg.SyncToleranceMs {
			return types.PreconditionError("sync", fmt.Sprintf("offset %.2f ms exceeds %.1f ms tolerance", offsetMs, m.cfg.SyncToleranceMs))
		}
	}

	path, err := m.store.RecordingPath(sessionID)
	if err != nil {
		return types.PreconditionError("storage", err.Error())
	}
	session, err := m.driver.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open: %v", types.ErrDriverFailure, err)
	}

	m.state = types.StateArmed
	m.sessionID = sessionID
	m.filePath = path
	m.session = session
	m.armedOffset = offsetMs
	m.setStateLocked(types.StateArmed)

	sessionLogger := log.ForSession(m.logger, sessionID)
	sessionLogger.Info().Str("path", path).Msg("armed")
	m.publish(events.EventRecordingArmed, sessionID, nil)
	return nil
}

// Start enters RECORDING. ARMED -> RECORDING.
func (m *Machine) Start() (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != types.StateArmed {
		return time.Time{}, types.TransitionError(m.state, "start")
	}
	if err := m.session.Start(); err != nil {
		m.toErrorLocked(fmt.Sprintf("driver start: %v", err))
		return time.Time{}, fmt.Errorf("%w: start: %v", types.ErrDriverFailure, err)
	}

	now := time.Now()
	m.startedWall = now
	m.startedMono = now // carries the monotonic reading
	m.state = types.StateRecording
	m.setStateLocked(types.StateRecording)

	m.watchGen++
	m.watchCancel = make(chan struct{})
	go m.watchDriver(m.session, m.sessionID, m.watchGen, m.watchCancel)

	startedLogger := log.ForSession(m.logger, m.sessionID)
	startedLogger.Info().Time("started_at", now).Msg("recording")
	m.publish(events.EventRecordingStarted, m.sessionID, nil)
	return now, nil
}

// watchDriver surfaces asynchronous driver failures while RECORDING.
func (m *Machine) watchDriver(session camera.Session, sessionID string, gen int, cancel <-chan struct{}) {
	var err error
	var ok bool
	select {
	case err, ok = <-session.Failed():
	case <-cancel:
		return
	}
	if !ok || err == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Ignore failures from a superseded session or after a clean stop.
	if m.watchGen != gen || m.state != types.StateRecording || m.sessionID != sessionID {
		return
	}
	m.toErrorLocked(fmt.Sprintf("driver failure: %v", err))
	m.logger.Error().Err(err).Str("session_id", sessionID).Msg("driver failed mid-recording")
	m.publish(events.EventRecordingFailed, sessionID, map[string]string{"error": err.Error()})
}

// Stop drives RECORDING -> FINALIZING -> IDLE. It finalizes even if the
// caller has hung up: the flush deadline comes from the configured stop
// grace, not the request context.
//
// Stop is idempotent per session: a second call for the already-finalized
// session returns the same recording.
func (m *Machine) Stop(sessionID string) (*types.Recording, error) {
	m.mu.Lock()

	if m.state != types.StateRecording {
		// Idempotent stop: the session already finalized.
		if last := m.lastFinalized; last != nil && (sessionID == "" || last.SessionID == sessionID) && m.state == types.StateIdle {
			m.mu.Unlock()
			return last, nil
		}
		defer m.mu.Unlock()
		return nil, types.TransitionError(m.state, "stop")
	}
	if sessionID != "" && sessionID != m.sessionID {
		defer m.mu.Unlock()
		return nil, types.TransitionError(m.state, "stop for foreign session")
	}

	session := m.session
	sid := m.sessionID
	path := m.filePath
	startedWall := m.startedWall
	startedMono := m.startedMono
	armedOffset := m.armedOffset

	m.state = types.StateFinalizing
	m.setStateLocked(types.StateFinalizing)
	m.watchGen++ // detach the failure watchdog
	m.closeWatchLocked()
	m.mu.Unlock()

	finalizingLogger := log.ForSession(m.logger, sid)
	finalizingLogger.Info().Msg("finalizing")
	m.publish(events.EventRecordingStopped, sid, nil)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StopGrace)
	defer cancel()
	result, err := session.Stop(ctx)

	endWall := time.Now()
	if err != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.toErrorLocked(fmt.Sprintf("finalize: %v", err))
		metrics.RecordingsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: stop: %v", types.ErrDriverFailure, err)
	}

	rec, err := m.finalize(sid, path, startedWall, startedMono, endWall, armedOffset, result)
	if err != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.toErrorLocked(fmt.Sprintf("finalize: %v", err))
		metrics.RecordingsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	m.mu.Lock()
	m.state = types.StateIdle
	m.sessionID = ""
	m.filePath = ""
	m.session = nil
	m.lastFinalized = rec
	m.setStateLocked(types.StateIdle)
	emit := m.OnFinalized
	m.mu.Unlock()

	metrics.RecordingsTotal.WithLabelValues("ok").Inc()
	finalizedLogger := log.ForRecording(m.logger, rec.RecordingID)
	finalizedLogger.Info().
		Int64("size_bytes", rec.SizeBytes).
		Float64("duration_s", rec.DurationSeconds).
		Msg("finalized")
	m.publish(events.EventRecordingFinalized, sid, map[string]string{"recording_id": rec.RecordingID})

	if emit != nil {
		emit(*rec)
	}
	return rec, nil
}

// finalize hashes the closed file, writes the manifest, and emits the
// Recording in LOCAL state.
func (m *Machine) finalize(sessionID, path string, startedWall, startedMono, endWall time.Time, offsetMs float64, result camera.Result) (*types.Recording, error) {
	sum, size, err := hashFile(path)
	if err != nil {
		return nil, fmt.Errorf("checksum: %w", err)
	}

	duration := result.DurationSeconds
	if duration <= 0 {
		duration = endWall.Sub(startedMono).Seconds()
	}

	tempAvg, tempMax := result.TemperatureAvgC, result.TemperatureMaxC
	if tempMax == 0 {
		t := m.store.Temperature()
		tempAvg, tempMax = t, t
	}

	recordingID := types.RecordingID(sessionID, m.cfg.Identity.NodeID)
	man := &manifest.Manifest{
		Version: manifest.Version,
		Recording: manifest.Recording{
			ID:        recordingID,
			SessionID: sessionID,
			NodeID:    m.cfg.Identity.NodeID,
			Position:  string(m.cfg.Identity.Position),
		},
		File: manifest.File{
			Name:      filepath.Base(path),
			SizeBytes: size,
			Container: m.cfg.Settings.Container,
			Codec:     m.cfg.Settings.Codec,
		},
		Video: manifest.Video{
			Width:       m.cfg.Settings.Width,
			Height:      m.cfg.Settings.Height,
			FPS:         m.cfg.Settings.FPS,
			BitrateMbps: m.cfg.Settings.BitrateMbps,
			DurationSec: duration,
		},
		Timing: manifest.Timing{
			StartTime:    startedWall.UTC(),
			EndTime:      endWall.UTC(),
			SyncOK:       math.Abs(offsetMs) <= m.cfg.SyncToleranceMs,
			SyncOffsetMs: offsetMs,
		},
		Checksum: manifest.Checksum{Algorithm: "sha256", Value: sum},
		Device: manifest.Device{
			Hostname:        m.cfg.Hostname,
			Endpoint:        m.cfg.Identity.Endpoint,
			SoftwareVersion: m.cfg.SoftwareVersion,
		},
		Quality: manifest.Quality{
			DroppedFrames:   result.DroppedFrames,
			TemperatureAvgC: tempAvg,
			TemperatureMaxC: tempMax,
		},
		ExpectedCameras: m.cfg.ExpectedCameras,
	}

	manifestPath := storage.ManifestPath(path)
	if err := manifest.Write(manifestPath, man); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	return &types.Recording{
		RecordingID:     recordingID,
		SessionID:       sessionID,
		NodeID:          m.cfg.Identity.NodeID,
		FilePath:        path,
		ManifestPath:    manifestPath,
		SizeBytes:       size,
		DurationSeconds: duration,
		Checksum:        sum,
		OffloadState:    types.OffloadLocal,
		StartedAt:       startedWall,
		EndedAt:         endWall,
	}, nil
}

// Abort discards an armed session. ARMED -> IDLE.
func (m *Machine) Abort() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != types.StateArmed {
		return types.TransitionError(m.state, "abort")
	}
	if err := m.session.Abort(); err != nil {
		m.logger.Warn().Err(err).Msg("abort cleanup failed")
	}

	sid := m.sessionID
	m.state = types.StateIdle
	m.sessionID = ""
	m.filePath = ""
	m.session = nil
	m.setStateLocked(types.StateIdle)

	abortedLogger := log.ForSession(m.logger, sid)
	abortedLogger.Info().Msg("aborted")
	m.publish(events.EventRecordingAborted, sid, nil)
	return nil
}

// Reset acknowledges an ERROR. ERROR -> IDLE. The failed recording file, if
// any, is preserved on disk.
func (m *Machine) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != types.StateError {
		return types.TransitionError(m.state, "reset")
	}
	m.state = types.StateIdle
	m.sessionID = ""
	m.filePath = ""
	m.session = nil
	m.lastErr = ""
	m.setStateLocked(types.StateIdle)
	m.logger.Info().Msg("error acknowledged, back to idle")
	return nil
}

// Shutdown stops an in-progress recording before process exit, bounded by
// grace.
func (m *Machine) Shutdown(grace time.Duration) {
	deadline := time.Now().Add(grace)
	for {
		switch m.State() {
		case types.StateRecording:
			if _, err := m.Stop(""); err != nil {
				m.logger.Error().Err(err).Msg("shutdown finalize failed")
				return
			}
		case types.StateArmed:
			_ = m.Abort()
			return
		case types.StateFinalizing:
			if time.Now().After(deadline) {
				return
			}
			time.Sleep(100 * time.Millisecond)
		default:
			return
		}
	}
}

func (m *Machine) toErrorLocked(reason string) {
	m.state = types.StateError
	m.lastErr = reason
	m.setStateLocked(types.StateError)
	m.closeWatchLocked()
}

// closeWatchLocked releases the failure watchdog goroutine, once.
func (m *Machine) closeWatchLocked() {
	if m.watchCancel != nil {
		close(m.watchCancel)
		m.watchCancel = nil
	}
}

func (m *Machine) setStateLocked(state types.RecordingState) {
	metrics.SetRecordingState(m.cfg.Identity.NodeID, string(state))
}

func (m *Machine) publish(typ events.EventType, sessionID string, extra map[string]string) {
	if m.broker == nil {
		return
	}
	meta := map[string]string{"node_id": m.cfg.Identity.NodeID, "session_id": sessionID}
	for k, v := range extra {
		meta[k] = v
	}
	m.broker.Publish(events.New(typ, string(typ), meta))
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}


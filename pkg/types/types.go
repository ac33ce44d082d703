package types

import (
	"encoding/json"
	"math"
	"regexp"
	"time"
)

// Position is the physical placement of a camera node on the rig.
type Position string

const (
	PositionLeft   Position = "left"
	PositionCenter Position = "center"
	PositionRight  Position = "right"
)

// NodeIdentity identifies one node in the cluster.
type NodeIdentity struct {
	NodeID   string   `json:"node_id"`
	Position Position `json:"position"`
	IsMaster bool     `json:"is_master"`
	Endpoint string   `json:"endpoint"` // host:port for inter-node HTTP
}

// RecordingState is the bounded per-node recording lifecycle state.
type RecordingState string

const (
	StateIdle       RecordingState = "IDLE"
	StateArmed      RecordingState = "ARMED"
	StateRecording  RecordingState = "RECORDING"
	StateFinalizing RecordingState = "FINALIZING"
	StateError      RecordingState = "ERROR"
)

// OffsetMs is a clock offset in milliseconds. NaN means unknown and crosses
// the wire as null.
type OffsetMs float64

// Known reports whether the offset has been measured.
func (o OffsetMs) Known() bool { return !math.IsNaN(float64(o)) }

func (o OffsetMs) MarshalJSON() ([]byte, error) {
	if math.IsNaN(float64(o)) {
		return []byte("null"), nil
	}
	return json.Marshal(float64(o))
}

func (o *OffsetMs) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*o = OffsetMs(math.NaN())
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*o = OffsetMs(f)
	return nil
}

// NodeState is the authoritative per-node state, replicated lazily to the
// coordinator on query.
type NodeState struct {
	NodeID            string         `json:"node_id"`
	Position          Position       `json:"position"`
	IsMaster          bool           `json:"is_master"`
	CameraDetected    bool           `json:"camera_detected"`
	RecordingState    RecordingState `json:"recording_state"`
	CurrentSessionID  string         `json:"current_session_id,omitempty"`
	StorageFreeBytes  uint64         `json:"storage_free_bytes"`
	StorageTotalBytes uint64         `json:"storage_total_bytes"`
	SyncOffsetMs      OffsetMs       `json:"sync_offset_ms"`
	SyncStatus        SyncStatus     `json:"sync_status"`
	TemperatureC      float64        `json:"temperature_c"`
	LastHeartbeatAt   time.Time      `json:"last_heartbeat_at"`
}

// SyncStatus classifies the node's clock offset against the master.
type SyncStatus string

const (
	SyncOK      SyncStatus = "ok"
	SyncWarn    SyncStatus = "warn"
	SyncFail    SyncStatus = "fail"
	SyncUnknown SyncStatus = "unknown"
)

// SessionStatus is the lifecycle state of a cluster recording session.
type SessionStatus string

const (
	SessionOpen      SessionStatus = "OPEN"
	SessionClosed    SessionStatus = "CLOSED"
	SessionPublished SessionStatus = "PUBLISHED"
	SessionPartial   SessionStatus = "PARTIAL"
)

// Session is a logical recording event spanning all participating nodes.
type Session struct {
	SessionID    string        `json:"session_id"`
	StartedAt    time.Time     `json:"started_at"`
	EndedAt      time.Time     `json:"ended_at,omitempty"`
	Participants []string      `json:"participants"`
	Status       SessionStatus `json:"status"`
}

// OffloadState tracks a recording artifact through the upload pipeline.
type OffloadState string

const (
	OffloadLocal     OffloadState = "LOCAL"
	OffloadUploading OffloadState = "UPLOADING"
	OffloadUploaded  OffloadState = "UPLOADED"
	OffloadConfirmed OffloadState = "CONFIRMED"
	OffloadFailed    OffloadState = "FAILED"
)

// Recording is the per-node artifact of one session.
type Recording struct {
	RecordingID     string       `json:"recording_id"`
	SessionID       string       `json:"session_id"`
	NodeID          string       `json:"node_id"`
	FilePath        string       `json:"file_path"`
	ManifestPath    string       `json:"manifest_path"`
	SizeBytes       int64        `json:"size_bytes"`
	DurationSeconds float64      `json:"duration_seconds"`
	Checksum        string       `json:"checksum"`
	OffloadState    OffloadState `json:"offload_state"`
	StartedAt       time.Time    `json:"started_at"`
	EndedAt         time.Time    `json:"ended_at"`
}

// RecordingID derives the canonical recording identifier for a session/node pair.
func RecordingID(sessionID, nodeID string) string {
	return sessionID + "_" + nodeID
}

var sessionIDRe = regexp.MustCompile(`^[A-Za-z0-9_]{3,64}$`)

// ValidSessionID reports whether id matches the session ID grammar.
func ValidSessionID(id string) bool {
	return sessionIDRe.MatchString(id)
}

// GenerateSessionID builds the auto-form session ID from the given (master)
// clock reading.
func GenerateSessionID(now time.Time) string {
	return "GAME_" + now.UTC().Format("20060102_150405")
}

// ErrorResponse is the wire form of every API error: a short human-readable
// reason plus a machine tag.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// CheckResult is one preflight admission check on one node.
type CheckResult struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message"`
}

// NodePreflight aggregates the admission checks for a single node.
type NodePreflight struct {
	NodeID    string        `json:"node_id"`
	Position  Position      `json:"position"`
	Reachable bool          `json:"reachable"`
	Checks    []CheckResult `json:"checks"`
	AllPassed bool          `json:"all_passed"`
}

// PreflightReport is the cluster-wide preflight aggregate.
type PreflightReport struct {
	Passed    bool                     `json:"passed"`
	Timestamp time.Time                `json:"timestamp"`
	Cameras   map[string]NodePreflight `json:"cameras"`
}

// PeerStatus is the reachability classification of a registry entry.
type PeerStatus string

const (
	PeerOnline     PeerStatus = "online"
	PeerOffline    PeerStatus = "offline"
	PeerDiscovered PeerStatus = "discovered"
	PeerUnknown    PeerStatus = "unknown"
)

// Peer is one entry in the peer registry.
type Peer struct {
	NodeID   string     `json:"node_id"`
	Position Position   `json:"position"`
	Endpoint string     `json:"endpoint"`
	IsMaster bool       `json:"is_master"`
	Static   bool       `json:"static"` // admin-entered, wins over discovery
	Status   PeerStatus `json:"status"`
	LastSeen time.Time  `json:"last_seen,omitempty"`
}

// NodeStartResult is the per-node outcome of a cluster start.
type NodeStartResult struct {
	Armed     bool      `json:"armed"`
	Started   bool      `json:"started"`
	Aborted   bool      `json:"aborted,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// ClusterStartResult is the aggregate returned by POST /coordinator/start.
type ClusterStartResult struct {
	Success   bool                       `json:"success"`
	SessionID string                     `json:"session_id"`
	Cameras   map[string]NodeStartResult `json:"cameras"`
	Message   string                     `json:"message,omitempty"`
}

// NodeStopResult is the per-node outcome of a cluster stop.
type NodeStopResult struct {
	Stopped   bool       `json:"stopped"`
	Recording *Recording `json:"recording,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// ClusterStopResult is the aggregate returned by POST /coordinator/stop.
type ClusterStopResult struct {
	Success   bool                      `json:"success"`
	SessionID string                    `json:"session_id"`
	Cameras   map[string]NodeStopResult `json:"cameras"`
	Message   string                    `json:"message,omitempty"`
}

// SyncResult is one node's clock offset measurement against the master.
type SyncResult struct {
	NodeID     string     `json:"node_id"`
	IsMaster   bool       `json:"is_master"`
	OffsetMs   OffsetMs   `json:"offset_ms"`
	RTTMs      float64    `json:"rtt_ms"`
	Status     SyncStatus `json:"status"`
	MeasuredAt time.Time  `json:"measured_at"`
	Error      string     `json:"error,omitempty"`
}

// ClusterStatus is the aggregate returned by GET /coordinator/status.
type ClusterStatus struct {
	Timestamp time.Time            `json:"timestamp"`
	Session   *Session             `json:"session,omitempty"`
	Summary   ClusterSummary       `json:"summary"`
	Cameras   map[string]NodeState `json:"cameras"`
	Offline   []string             `json:"offline,omitempty"`
}

// ClusterSummary is the dashboard roll-up inside ClusterStatus.
type ClusterSummary struct {
	CamerasOnline  int    `json:"cameras_online"`
	CamerasTotal   int    `json:"cameras_total"`
	AnyRecording   bool   `json:"any_recording"`
	AllSynced      bool   `json:"all_synced"`
	TotalFreeBytes uint64 `json:"total_free_bytes"`
}

// SelfTestResult is the outcome of a node's fixed-duration test cycle.
type SelfTestResult struct {
	Passed           bool     `json:"passed"`
	CameraDetected   bool     `json:"camera_detected"`
	RecordingStarted bool     `json:"recording_started"`
	RecordingStopped bool     `json:"recording_stopped"`
	FileCreated      bool     `json:"file_created"`
	FileSizeBytes    int64    `json:"file_size_bytes"`
	DurationSeconds  float64  `json:"duration_seconds"`
	Errors           []string `json:"errors,omitempty"`
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Node metrics
	RecordingState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rig_recording_state",
			Help: "Current recording state machine state (1 = active state)",
		},
		[]string{"node_id", "state"},
	)

	StorageFreeBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rig_storage_free_bytes",
			Help: "Free bytes on the recording volume",
		},
		[]string{"node_id"},
	)

	TemperatureCelsius = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rig_temperature_celsius",
			Help: "SoC temperature in degrees Celsius",
		},
		[]string{"node_id"},
	)

	// Sync metrics
	SyncOffsetMs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rig_sync_offset_ms",
			Help: "Clock offset from the master node in milliseconds",
		},
		[]string{"node_id"},
	)

	SyncRTTMs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rig_sync_rtt_ms",
			Help: "Round-trip time of the last sync query in milliseconds",
		},
		[]string{"node_id"},
	)

	// Cluster metrics
	PeersOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rig_peers_online",
			Help: "Number of peers currently reachable",
		},
	)

	RecordingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rig_recordings_total",
			Help: "Total recordings finalized by outcome",
		},
		[]string{"outcome"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rig_api_requests_total",
			Help: "Total number of API requests by path and status",
		},
		[]string{"path", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rig_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)

	// Upload metrics
	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rig_uploads_total",
			Help: "Total offload uploads by outcome",
		},
		[]string{"outcome"},
	)

	UploadBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rig_upload_bytes_total",
			Help: "Total bytes uploaded to the ingest server",
		},
	)

	UploadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rig_upload_duration_seconds",
			Help:    "End-to-end upload duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	// Ingest metrics
	ActiveUploads = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rig_ingest_active_uploads",
			Help: "Uploads currently open on the ingest server",
		},
	)

	SessionsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rig_ingest_sessions_total",
			Help: "Sessions finalized by the ingest server, by status",
		},
		[]string{"status"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(RecordingState)
	prometheus.MustRegister(StorageFreeBytes)
	prometheus.MustRegister(TemperatureCelsius)
	prometheus.MustRegister(SyncOffsetMs)
	prometheus.MustRegister(SyncRTTMs)
	prometheus.MustRegister(PeersOnline)
	prometheus.MustRegister(RecordingsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(UploadsTotal)
	prometheus.MustRegister(UploadBytesTotal)
	prometheus.MustRegister(UploadDuration)
	prometheus.MustRegister(ActiveUploads)
	prometheus.MustRegister(SessionsPublished)
}

// SetRecordingState flips the per-state gauge so exactly one state is 1.
func SetRecordingState(nodeID, state string) {
	for _, s := range []string{"IDLE", "ARMED", "RECORDING", "FINALIZING", "ERROR"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		RecordingState.WithLabelValues(nodeID, s).Set(v)
	}
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

package offload

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pitchside/rig/pkg/events"
	"github.com/pitchside/rig/pkg/log"
	"github.com/pitchside/rig/pkg/metrics"
	"github.com/pitchside/rig/pkg/storage"
	"github.com/pitchside/rig/pkg/types"
)

// JobStatus tracks an upload job through the queue.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobUploading  JobStatus = "uploading"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Job is the queue's view of one recording transfer.
type Job struct {
	RecordingID string    `json:"recording_id"`
	SessionID   string    `json:"session_id"`
	NodeID      string    `json:"node_id"`
	Status      JobStatus `json:"status"`
	Attempts    int       `json:"attempts"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// retrySchedule is the attempt spacing in seconds; its length is the attempt
// budget.
var retrySchedule = []time.Duration{0, 5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second}

// Worker drains the upload queue sequentially: at most one active upload per
// node; the ingest server handles node-level parallelism.
type Worker struct {
	client  *Client
	store   *storage.Manager
	broker  *events.Broker
	logger  zerolog.Logger
	delete  bool
	backoff []time.Duration

	mu      sync.Mutex
	jobs    map[string]*Job
	queue   []types.Recording
	wake    chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// NewWorker builds the upload worker. deleteAfterConfirm enables local file
// removal once a recording is CONFIRMED.
func NewWorker(client *Client, store *storage.Manager, broker *events.Broker, deleteAfterConfirm bool) *Worker {
	return &Worker{
		client:  client,
		store:   store,
		broker:  broker,
		logger:  log.WithComponent("offload"),
		delete:  deleteAfterConfirm,
		backoff: retrySchedule,
		jobs:    make(map[string]*Job),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the queue loop.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	go w.run()
}

// Stop terminates the loop after the in-flight attempt.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()
	close(w.stopCh)
	<-w.doneCh
}

// Enqueue queues a finalized recording for upload. Duplicate enqueues of the
// same recording are ignored while a job is pending or uploading.
func (w *Worker) Enqueue(rec types.Recording) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if j, ok := w.jobs[rec.RecordingID]; ok && (j.Status == JobPending || j.Status == JobUploading) {
		return
	}
	w.jobs[rec.RecordingID] = &Job{
		RecordingID: rec.RecordingID,
		SessionID:   rec.SessionID,
		NodeID:      rec.NodeID,
		Status:      JobPending,
	}
	w.queue = append(w.queue, rec)

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Jobs returns every known job, sorted by recording ID.
func (w *Worker) Jobs() []Job {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Job, 0, len(w.jobs))
	for _, j := range w.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].RecordingID < out[k].RecordingID })
	return out
}

// PendingCount returns the number of queued, not yet processed jobs.
func (w *Worker) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

func (w *Worker) run() {
	defer close(w.doneCh)
	for {
		w.mu.Lock()
		var rec *types.Recording
		if len(w.queue) > 0 {
			r := w.queue[0]
			w.queue = w.queue[1:]
			rec = &r
		}
		w.mu.Unlock()

		if rec == nil {
			select {
			case <-w.stopCh:
				return
			case <-w.wake:
				continue
			}
		}

		w.process(*rec)

		select {
		case <-w.stopCh:
			return
		default:
		}
	}
}

// Upload runs one blocking upload outside the queue (CLI and tests).
func (w *Worker) Upload(rec types.Recording) error {
	w.mu.Lock()
	w.jobs[rec.RecordingID] = &Job{
		RecordingID: rec.RecordingID,
		SessionID:   rec.SessionID,
		NodeID:      rec.NodeID,
		Status:      JobPending,
	}
	w.mu.Unlock()
	return w.process(rec)
}

func (w *Worker) process(rec types.Recording) error {
	logger := log.ForRecording(w.logger, rec.RecordingID)

	w.setJob(rec.RecordingID, func(j *Job) {
		j.Status = JobUploading
		j.StartedAt = time.Now()
	})
	w.publish(events.EventUploadStarted, rec)

	manifestJSON, err := os.ReadFile(rec.ManifestPath)
	if err != nil {
		w.fail(rec, "manifest unreadable: "+err.Error())
		return err
	}

	started := time.Now()
	var lastErr error
	for attempt := 0; attempt < len(w.backoff); attempt++ {
		if delay := w.backoff[attempt]; delay > 0 {
			select {
			case <-time.After(delay):
			case <-w.stopCh:
				w.fail(rec, "shutdown during retry wait")
				return lastErr
			}
		}

		w.setJob(rec.RecordingID, func(j *Job) { j.Attempts = attempt + 1 })

		err := w.client.uploadOnce(context.Background(), rec, manifestJSON)
		if err == nil {
			w.succeed(rec, time.Since(started))
			return nil
		}
		lastErr = err

		var perm permanentError
		if errors.As(err, &perm) {
			logger.Error().Err(err).Msg("permanent upload failure")
			w.fail(rec, err.Error())
			return err
		}
		logger.Warn().Err(err).Int("attempt", attempt+1).Msg("upload attempt failed")
	}

	logger.Error().Err(lastErr).Msg("upload retry budget exhausted")
	w.fail(rec, lastErr.Error())
	return lastErr
}

func (w *Worker) succeed(rec types.Recording, took time.Duration) {
	w.setJob(rec.RecordingID, func(j *Job) {
		j.Status = JobCompleted
		j.CompletedAt = time.Now()
		j.Error = ""
	})
	metrics.UploadsTotal.WithLabelValues("confirmed").Inc()
	metrics.UploadBytesTotal.Add(float64(rec.SizeBytes))
	metrics.UploadDuration.Observe(took.Seconds())
	w.publish(events.EventUploadConfirmed, rec)
	succeedLogger := log.ForRecording(w.logger, rec.RecordingID)
	succeedLogger.Info().Dur("took", took).Msg("upload confirmed")

	if w.delete {
		rec.OffloadState = types.OffloadConfirmed
		if err := w.store.Remove(rec); err != nil {
			w.logger.Warn().Err(err).Msg("post-confirm cleanup failed")
		}
	}
}

func (w *Worker) fail(rec types.Recording, reason string) {
	w.setJob(rec.RecordingID, func(j *Job) {
		j.Status = JobFailed
		j.CompletedAt = time.Now()
		j.Error = reason
	})
	metrics.UploadsTotal.WithLabelValues("failed").Inc()
	w.publish(events.EventUploadFailed, rec)
}

func (w *Worker) setJob(recordingID string, fn func(*Job)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if j, ok := w.jobs[recordingID]; ok {
		fn(j)
	}
}

// SetRetrySchedule replaces the default attempt spacing. The slice length is
// the attempt budget. Tests shrink it; production keeps the default.
func (w *Worker) SetRetrySchedule(schedule []time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(schedule) > 0 {
		w.backoff = schedule
	}
}

// RetryBudget returns the configured number of attempts.
func (w *Worker) RetryBudget() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.backoff)
}

func (w *Worker) publish(typ events.EventType, rec types.Recording) {
	if w.broker == nil {
		return
	}
	w.broker.Publish(events.New(typ, string(typ), map[string]string{
		"recording_id": rec.RecordingID,
		"session_id":   rec.SessionID,
	}))
}

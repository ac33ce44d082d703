package timesync

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pitchside/rig/pkg/events"
	"github.com/pitchside/rig/pkg/log"
	"github.com/pitchside/rig/pkg/metrics"
	"github.com/pitchside/rig/pkg/types"
)

// Source queries the master's wall clock. Implementations return the
// master's receive and send timestamps for one round trip.
type Source interface {
	QueryTime(ctx context.Context) (recv, send time.Time, err error)
}

// EstimateOffset computes the clock offset and round-trip time from one
// query exchange using the midpoint estimator:
//
//	offset ≈ ((t_master_recv + t_master_send) / 2) − ((t_slave_send + t_slave_recv) / 2)
func EstimateOffset(slaveSend, masterRecv, masterSend, slaveRecv time.Time) (offsetMs, rttMs float64) {
	masterMid := masterRecv.UnixNano()/2 + masterSend.UnixNano()/2
	slaveMid := slaveSend.UnixNano()/2 + slaveRecv.UnixNano()/2
	offsetMs = float64(masterMid-slaveMid) / 1e6

	rtt := slaveRecv.Sub(slaveSend) - masterSend.Sub(masterRecv)
	rttMs = float64(rtt) / 1e6
	return offsetMs, rttMs
}

// Config parameterizes a Monitor.
type Config struct {
	NodeID      string
	IsMaster    bool
	ToleranceMs float64
	RTTMaxMs    float64
	Stale       time.Duration
	Interval    time.Duration
}

// Monitor tracks this node's offset from the master clock. The master node
// runs a Monitor too; it reports a zero offset and never degrades.
type Monitor struct {
	cfg    Config
	source Source
	broker *events.Broker

	mu         sync.Mutex
	offsetMs   float64
	rttMs      float64
	measuredAt time.Time
	lastErr    error
	inflight   context.CancelFunc

	triggerCh chan chan types.SyncResult
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewMonitor builds a monitor. source may be nil for the master node.
func NewMonitor(cfg Config, source Source, broker *events.Broker) *Monitor {
	return &Monitor{
		cfg:       cfg,
		source:    source,
		broker:    broker,
		offsetMs:  math.NaN(),
		triggerCh: make(chan chan types.SyncResult, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the periodic sync loop. No-op on the master.
func (m *Monitor) Start() {
	if m.cfg.IsMaster {
		close(m.doneCh)
		return
	}
	go m.run()
}

// Stop terminates the loop and abandons any in-flight query.
func (m *Monitor) Stop() {
	select {
	case <-m.stopCh:
		return
	default:
	}
	close(m.stopCh)

	m.mu.Lock()
	if m.inflight != nil {
		m.inflight()
	}
	m.mu.Unlock()
	<-m.doneCh
}

func (m *Monitor) run() {
	defer close(m.doneCh)
	logger := log.WithComponent("timesync")

	// First measurement without waiting a full interval.
	m.measure()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			prev := m.Status().Status
			m.measure()
			cur := m.Status().Status
			if prev != cur {
				logger.Info().Str("from", string(prev)).Str("to", string(cur)).Msg("sync status changed")
				m.publishTransition(prev, cur)
			}
		case reply := <-m.triggerCh:
			m.measure()
			reply <- m.Status()
		}
	}
}

// Trigger forces an immediate sync pass and returns its result. An in-flight
// periodic query is superseded.
func (m *Monitor) Trigger() types.SyncResult {
	if m.cfg.IsMaster {
		return m.Status()
	}

	m.mu.Lock()
	if m.inflight != nil {
		m.inflight() // newer query supersedes
	}
	m.mu.Unlock()

	reply := make(chan types.SyncResult, 1)
	select {
	case m.triggerCh <- reply:
		select {
		case res := <-reply:
			return res
		case <-m.stopCh:
			return m.Status()
		}
	case <-m.stopCh:
		return m.Status()
	default:
		// A trigger is already queued; fall back to the current status.
		return m.Status()
	}
}

func (m *Monitor) measure() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	m.mu.Lock()
	m.inflight = cancel
	m.mu.Unlock()
	defer cancel()

	slaveSend := time.Now()
	masterRecv, masterSend, err := m.source.QueryTime(ctx)
	slaveRecv := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflight = nil

	if err != nil {
		m.lastErr = err
		return
	}

	m.offsetMs, m.rttMs = EstimateOffset(slaveSend, masterRecv, masterSend, slaveRecv)
	m.measuredAt = slaveRecv
	m.lastErr = nil

	metrics.SyncOffsetMs.WithLabelValues(m.cfg.NodeID).Set(m.offsetMs)
	metrics.SyncRTTMs.WithLabelValues(m.cfg.NodeID).Set(m.rttMs)
}

// Status returns the current classified sync state.
func (m *Monitor) Status() types.SyncResult {
	if m.cfg.IsMaster {
		return types.SyncResult{
			NodeID:     m.cfg.NodeID,
			IsMaster:   true,
			OffsetMs:   0,
			Status:     types.SyncOK,
			MeasuredAt: time.Now(),
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	res := types.SyncResult{
		NodeID:     m.cfg.NodeID,
		OffsetMs:   types.OffsetMs(m.offsetMs),
		RTTMs:      m.rttMs,
		MeasuredAt: m.measuredAt,
	}
	if m.lastErr != nil {
		res.Error = m.lastErr.Error()
	}
	res.Status = m.classifyLocked()
	return res
}

// OffsetFresh returns the last measured offset and whether it is usable for
// arm gating (measured within the staleness window).
func (m *Monitor) OffsetFresh() (offsetMs float64, fresh bool) {
	if m.cfg.IsMaster {
		return 0, true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.measuredAt.IsZero() || time.Since(m.measuredAt) > m.cfg.Stale {
		return m.offsetMs, false
	}
	return m.offsetMs, true
}

func (m *Monitor) classifyLocked() types.SyncStatus {
	if m.measuredAt.IsZero() {
		return types.SyncUnknown
	}
	if time.Since(m.measuredAt) > m.cfg.Stale {
		return types.SyncFail
	}
	abs := math.Abs(m.offsetMs)
	switch {
	case abs <= m.cfg.ToleranceMs && m.rttMs <= m.cfg.RTTMaxMs:
		return types.SyncOK
	case abs <= 2*m.cfg.ToleranceMs:
		return types.SyncWarn
	default:
		return types.SyncFail
	}
}

func (m *Monitor) publishTransition(prev, cur types.SyncStatus) {
	if m.broker == nil {
		return
	}
	meta := map[string]string{"node_id": m.cfg.NodeID, "status": string(cur)}
	switch {
	case cur == types.SyncFail:
		m.broker.Publish(events.New(events.EventSyncDegraded, "time sync degraded", meta))
	case prev == types.SyncFail && cur == types.SyncOK:
		m.broker.Publish(events.New(events.EventSyncRestored, "time sync restored", meta))
	}
}

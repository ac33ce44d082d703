package timesync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitchside/rig/pkg/types"
)

// fakeSource simulates a master clock skewed by a fixed offset with a fixed
// one-way network delay.
type fakeSource struct {
	mu       sync.Mutex
	offset   time.Duration
	delay    time.Duration
	err      error
	queries  int
}

func (f *fakeSource) QueryTime(ctx context.Context) (time.Time, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.err != nil {
		return time.Time{}, time.Time{}, f.err
	}
	time.Sleep(f.delay)
	now := time.Now().Add(f.offset)
	time.Sleep(f.delay)
	return now, now, nil
}

func testConfig() Config {
	return Config{
		NodeID:      "CAM_L",
		ToleranceMs: 5,
		RTTMaxMs:    50,
		Stale:       time.Minute,
		Interval:    time.Hour, // tests drive measurement explicitly
	}
}

func TestEstimateOffsetSymmetricDelay(t *testing.T) {
	base := time.Unix(1000, 0)
	// Slave sends at t=0, master (10ms ahead) stamps recv/send at t=5ms+10ms
	// skew, slave receives at t=10ms.
	slaveSend := base
	masterRecv := base.Add(5*time.Millisecond + 10*time.Millisecond)
	masterSend := masterRecv
	slaveRecv := base.Add(10 * time.Millisecond)

	offset, rtt := EstimateOffset(slaveSend, masterRecv, masterSend, slaveRecv)
	assert.InDelta(t, 10.0, offset, 0.001)
	assert.InDelta(t, 10.0, rtt, 0.001)
}

func TestMonitorClassification(t *testing.T) {
	tests := []struct {
		name   string
		offset time.Duration
		want   types.SyncStatus
	}{
		{"within tolerance", 2 * time.Millisecond, types.SyncOK},
		{"warn band", 8 * time.Millisecond, types.SyncWarn},
		{"out of bounds", 30 * time.Millisecond, types.SyncFail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{offset: tt.offset}
			m := NewMonitor(testConfig(), src, nil)
			m.measure()
			assert.Equal(t, tt.want, m.Status().Status)
		})
	}
}

func TestMonitorUnknownBeforeFirstMeasurement(t *testing.T) {
	m := NewMonitor(testConfig(), &fakeSource{}, nil)
	st := m.Status()
	assert.Equal(t, types.SyncUnknown, st.Status)
	assert.False(t, st.MeasuredAt.After(time.Time{}))

	_, fresh := m.OffsetFresh()
	assert.False(t, fresh)
}

func TestMonitorStaleness(t *testing.T) {
	cfg := testConfig()
	cfg.Stale = 10 * time.Millisecond
	src := &fakeSource{}
	m := NewMonitor(cfg, src, nil)

	m.measure()
	assert.Equal(t, types.SyncOK, m.Status().Status)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, types.SyncFail, m.Status().Status, "stale measurement classifies as fail")

	_, fresh := m.OffsetFresh()
	assert.False(t, fresh)
}

func TestMonitorMasterAlwaysOK(t *testing.T) {
	cfg := testConfig()
	cfg.IsMaster = true
	m := NewMonitor(cfg, nil, nil)
	m.Start()
	defer m.Stop()

	st := m.Status()
	assert.True(t, st.IsMaster)
	assert.Equal(t, types.SyncOK, st.Status)
	assert.Zero(t, st.OffsetMs)

	offset, fresh := m.OffsetFresh()
	assert.True(t, fresh)
	assert.Zero(t, offset)
}

func TestMonitorQueryErrorKeepsLastMeasurement(t *testing.T) {
	src := &fakeSource{}
	m := NewMonitor(testConfig(), src, nil)
	m.measure()
	require.Equal(t, types.SyncOK, m.Status().Status)

	src.mu.Lock()
	src.err = errors.New("connection refused")
	src.mu.Unlock()

	m.measure()
	st := m.Status()
	assert.Equal(t, types.SyncOK, st.Status, "fresh prior measurement still in effect")
	assert.Contains(t, st.Error, "connection refused")
}

func TestMonitorTriggerRunsImmediately(t *testing.T) {
	src := &fakeSource{offset: 2 * time.Millisecond}
	m := NewMonitor(testConfig(), src, nil)
	m.Start()
	defer m.Stop()

	res := m.Trigger()
	assert.Equal(t, types.SyncOK, res.Status)

	src.mu.Lock()
	n := src.queries
	src.mu.Unlock()
	assert.GreaterOrEqual(t, n, 1)
}

package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pitchside/rig/pkg/types"
)

func resetHealth() {
	health.mu.Lock()
	health.components = make(map[string]ComponentState)
	health.mu.Unlock()
}

func TestRecorderConditionFollowsStateMachine(t *testing.T) {
	resetHealth()

	ObserveRecorder(types.StateRecording, "")
	rep := CurrentHealth()
	assert.Equal(t, ConditionReady, rep.Status)
	assert.Equal(t, "RECORDING", rep.Components["recorder"].Detail)

	ObserveRecorder(types.StateError, "driver failure: device disconnected")
	rep = CurrentHealth()
	assert.Equal(t, ConditionFailed, rep.Status)
	assert.Contains(t, rep.Components["recorder"].Detail, "device disconnected")

	ObserveRecorder(types.StateIdle, "")
	assert.Equal(t, ConditionReady, CurrentHealth().Status)
}

func TestSyncLossDegradesButDoesNotFail(t *testing.T) {
	resetHealth()

	ObserveRecorder(types.StateRecording, "")
	ObserveSync(types.SyncFail)

	rep := CurrentHealth()
	assert.Equal(t, ConditionDegraded, rep.Status,
		"a node out of sync keeps recording, it is not down")
	assert.Equal(t, ConditionDegraded, rep.Components["timesync"].Condition)

	ObserveSync(types.SyncOK)
	assert.Equal(t, ConditionReady, CurrentHealth().Status)
}

func TestCameraAbsenceFails(t *testing.T) {
	resetHealth()

	ObserveCamera(true, "simulated 3840x2160@30")
	assert.Equal(t, ConditionReady, CurrentHealth().Status)

	ObserveCamera(false, "")
	rep := CurrentHealth()
	assert.Equal(t, ConditionFailed, rep.Status)
	assert.Equal(t, "not detected", rep.Components["camera"].Detail)
}

func TestReportConditionKeepsSinceAcrossRepeats(t *testing.T) {
	resetHealth()

	ReportCondition("offload", ConditionDegraded, "attempt 1 failed")
	first := CurrentHealth().Components["offload"].Since

	ReportCondition("offload", ConditionDegraded, "attempt 2 failed")
	again := CurrentHealth().Components["offload"]
	assert.Equal(t, first, again.Since, "same condition keeps its onset time")
	assert.Equal(t, "attempt 2 failed", again.Detail)
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	resetHealth()

	ObserveCamera(true, "fixture")
	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 200, rec.Code)

	// Degraded still answers 200.
	ObserveSync(types.SyncFail)
	rec = httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 200, rec.Code)

	// A failed subsystem answers 503.
	ObserveRecorder(types.StateError, "write error")
	rec = httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 503, rec.Code)
}

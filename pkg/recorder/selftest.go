package recorder

import (
	"fmt"
	"os"
	"time"

	"github.com/pitchside/rig/pkg/types"
)

// SelfTest runs a fixed-duration arm/start/stop cycle against the driver to
// verify the capture path end to end. The artifact is deleted afterwards and
// is never handed to the offload pipeline.
func (m *Machine) SelfTest(duration time.Duration) types.SelfTestResult {
	res := types.SelfTestResult{
		CameraDetected: m.driver.Detect(),
	}

	sessionID := "TEST_" + time.Now().UTC().Format("20060102_150405")

	// The test cycle must not feed the upload queue.
	m.mu.Lock()
	saved := m.OnFinalized
	m.OnFinalized = nil
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.OnFinalized = saved
		m.mu.Unlock()
	}()

	if err := m.Arm(sessionID); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("arm: %v", err))
		return res
	}
	if _, err := m.Start(); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("start: %v", err))
		return res
	}
	res.RecordingStarted = true

	time.Sleep(duration)

	rec, err := m.Stop(sessionID)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("stop: %v", err))
		return res
	}
	res.RecordingStopped = true
	res.DurationSeconds = rec.DurationSeconds

	if info, err := os.Stat(rec.FilePath); err == nil {
		res.FileCreated = true
		res.FileSizeBytes = info.Size()
	}

	// Clean up the test artifacts.
	os.Remove(rec.FilePath)
	os.Remove(rec.ManifestPath)

	// The finalized test recording must not linger as the idempotent-stop
	// answer for a real session.
	m.mu.Lock()
	if m.lastFinalized != nil && m.lastFinalized.SessionID == sessionID {
		m.lastFinalized = nil
	}
	m.mu.Unlock()

	res.Passed = res.CameraDetected && res.RecordingStarted && res.RecordingStopped &&
		res.FileCreated && res.FileSizeBytes > 0 && len(res.Errors) == 0
	return res
}

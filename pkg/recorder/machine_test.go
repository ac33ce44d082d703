package recorder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitchside/rig/pkg/camera"
	"github.com/pitchside/rig/pkg/manifest"
	"github.com/pitchside/rig/pkg/storage"
	"github.com/pitchside/rig/pkg/timesync"
	"github.com/pitchside/rig/pkg/types"
)

const testSession = "GAME_20240315_140000"

type fixedSource struct {
	offset time.Duration
}

func (f fixedSource) QueryTime(ctx context.Context) (time.Time, time.Time, error) {
	now := time.Now().Add(f.offset)
	return now, now, nil
}

type machineEnv struct {
	machine *Machine
	driver  *camera.FixtureDriver
	store   *storage.Manager
	sync    *timesync.Monitor
}

func newMachineEnv(t *testing.T, isMaster bool, offset time.Duration) *machineEnv {
	t.Helper()

	store, err := storage.NewManager(storage.Config{
		Root:        t.TempDir(),
		NodeID:      "CAM_L",
		Container:   "mp4",
		MinFree:     1, // local disks always pass in tests
		BitrateMbps: 30,
		ThermalPath: "/nonexistent",
	})
	require.NoError(t, err)

	mon := timesync.NewMonitor(timesync.Config{
		NodeID:      "CAM_L",
		IsMaster:    isMaster,
		ToleranceMs: 5,
		RTTMaxMs:    50,
		Stale:       time.Minute,
		Interval:    time.Hour,
	}, fixedSource{offset: offset}, nil)
	mon.Start()
	t.Cleanup(mon.Stop)
	if !isMaster {
		mon.Trigger()
	}

	driver := camera.NewFixtureDriver([]byte("4k-video-payload"))
	m := NewMachine(Config{
		Identity:        types.NodeIdentity{NodeID: "CAM_L", Position: types.PositionLeft, IsMaster: isMaster, Endpoint: "127.0.0.1:8080"},
		Settings:        camera.Settings{Width: 3840, Height: 2160, FPS: 30, Codec: "h265", Container: "mp4", BitrateMbps: 30},
		StopGrace:       time.Second,
		SyncToleranceMs: 5,
		ExpectedCameras: []string{"CAM_L", "CAM_C", "CAM_R"},
		SoftwareVersion: "test",
		Hostname:        "cam-l",
	}, driver, store, mon, nil)

	return &machineEnv{machine: m, driver: driver, store: store, sync: mon}
}

func TestFullRecordingCycle(t *testing.T) {
	env := newMachineEnv(t, false, time.Millisecond)
	m := env.machine

	var emitted []types.Recording
	m.OnFinalized = func(rec types.Recording) { emitted = append(emitted, rec) }

	require.NoError(t, m.Arm(testSession))
	assert.Equal(t, types.StateArmed, m.State())

	startedAt, err := m.Start()
	require.NoError(t, err)
	assert.False(t, startedAt.IsZero())
	assert.Equal(t, types.StateRecording, m.State())

	rec, err := m.Stop(testSession)
	require.NoError(t, err)
	assert.Equal(t, types.StateIdle, m.State())

	// The checksum is over the closed file's bytes.
	want := sha256.Sum256([]byte("4k-video-payload"))
	assert.Equal(t, hex.EncodeToString(want[:]), rec.Checksum)
	assert.Equal(t, types.OffloadLocal, rec.OffloadState)
	assert.Equal(t, "GAME_20240315_140000_CAM_L", rec.RecordingID)

	// Manifest sits beside the recording and round-trips.
	man, err := manifest.Load(rec.ManifestPath)
	require.NoError(t, err)
	assert.Equal(t, rec.Checksum, man.Checksum.Value)
	assert.Equal(t, []string{"CAM_L", "CAM_C", "CAM_R"}, man.ExpectedCameras)
	assert.True(t, man.Timing.SyncOK)

	require.Len(t, emitted, 1)
	assert.Equal(t, rec.RecordingID, emitted[0].RecordingID)
}

func TestStopIsIdempotent(t *testing.T) {
	env := newMachineEnv(t, true, 0)
	m := env.machine

	require.NoError(t, m.Arm(testSession))
	_, err := m.Start()
	require.NoError(t, err)

	first, err := m.Stop(testSession)
	require.NoError(t, err)

	second, err := m.Stop(testSession)
	require.NoError(t, err, "second stop for the same session succeeds")
	assert.Equal(t, first.RecordingID, second.RecordingID)
	assert.Equal(t, first.Checksum, second.Checksum)

	// Exactly one recording file exists for the pair.
	recs, err := env.store.ListRecordings()
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestArmRejectsBadSessionID(t *testing.T) {
	env := newMachineEnv(t, true, 0)
	err := env.machine.Arm("no")
	require.ErrorIs(t, err, types.ErrPrecondition)
	assert.Equal(t, types.StateIdle, env.machine.State())
}

func TestArmRequiresCamera(t *testing.T) {
	env := newMachineEnv(t, true, 0)
	env.driver.SetDetected(false)

	err := env.machine.Arm(testSession)
	require.ErrorIs(t, err, types.ErrPrecondition)
	assert.Contains(t, err.Error(), "camera")
}

func TestArmGatesOnSyncOffset(t *testing.T) {
	// 30ms offset, tolerance 5ms: arm must fail on a slave.
	env := newMachineEnv(t, false, 30*time.Millisecond)
	err := env.machine.Arm(testSession)
	require.ErrorIs(t, err, types.ErrPrecondition)
	assert.Contains(t, err.Error(), "sync")
	assert.Equal(t, types.StateIdle, env.machine.State())

	// Back within tolerance, arming succeeds.
	env2 := newMachineEnv(t, false, time.Millisecond)
	require.NoError(t, env2.machine.Arm(testSession))
}

func TestMasterArmsWithoutSyncMeasurement(t *testing.T) {
	env := newMachineEnv(t, true, 0)
	require.NoError(t, env.machine.Arm(testSession))
}

func TestAbortReturnsToIdleAndRemovesFile(t *testing.T) {
	env := newMachineEnv(t, true, 0)
	m := env.machine

	require.NoError(t, m.Arm(testSession))
	require.NoError(t, m.Abort())
	assert.Equal(t, types.StateIdle, m.State())

	recs, err := env.store.ListRecordings()
	require.NoError(t, err)
	assert.Empty(t, recs, "aborted arm leaves no recording file")

	// Abort outside ARMED is forbidden.
	require.ErrorIs(t, m.Abort(), types.ErrInvalidTransition)
}

func TestDriverFailureEntersErrorAndPreservesFile(t *testing.T) {
	env := newMachineEnv(t, true, 0)
	m := env.machine

	require.NoError(t, m.Arm(testSession))
	_, err := m.Start()
	require.NoError(t, err)

	env.driver.LastSession().InjectFailure(errors.New("device disconnected"))

	require.Eventually(t, func() bool {
		return m.State() == types.StateError
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, m.LastError(), "device disconnected")

	// The partial file is preserved.
	recs, err := env.store.ListRecordings()
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	// Only reset leaves ERROR.
	_, err = m.Start()
	require.ErrorIs(t, err, types.ErrInvalidTransition)
	require.ErrorIs(t, m.Arm(testSession), types.ErrInvalidTransition)
	require.NoError(t, m.Reset())
	assert.Equal(t, types.StateIdle, m.State())
}

func TestInvalidTransitionsDoNotAdvanceState(t *testing.T) {
	env := newMachineEnv(t, true, 0)
	m := env.machine

	_, err := m.Start()
	require.ErrorIs(t, err, types.ErrInvalidTransition)
	assert.Equal(t, types.StateIdle, m.State())

	_, err = m.Stop(testSession)
	require.ErrorIs(t, err, types.ErrInvalidTransition)
	assert.Equal(t, types.StateIdle, m.State())

	require.ErrorIs(t, m.Reset(), types.ErrInvalidTransition)

	// Double arm is forbidden.
	require.NoError(t, m.Arm(testSession))
	require.ErrorIs(t, m.Arm(testSession), types.ErrInvalidTransition)
}

func TestStopForForeignSessionRejected(t *testing.T) {
	env := newMachineEnv(t, true, 0)
	m := env.machine

	require.NoError(t, m.Arm(testSession))
	_, err := m.Start()
	require.NoError(t, err)

	_, err = m.Stop("OTHER_SESSION_1")
	require.ErrorIs(t, err, types.ErrInvalidTransition)
	assert.Equal(t, types.StateRecording, m.State())

	_, err = m.Stop(testSession)
	require.NoError(t, err)
}

func TestSnapshotReflectsState(t *testing.T) {
	env := newMachineEnv(t, true, 0)
	m := env.machine

	st := m.Snapshot()
	assert.Equal(t, types.StateIdle, st.RecordingState)
	assert.True(t, st.CameraDetected)
	assert.Empty(t, st.CurrentSessionID)

	require.NoError(t, m.Arm(testSession))
	_, err := m.Start()
	require.NoError(t, err)

	st = m.Snapshot()
	assert.Equal(t, types.StateRecording, st.RecordingState)
	assert.Equal(t, testSession, st.CurrentSessionID)
}

func TestSelfTestCleansUpAndSkipsOffload(t *testing.T) {
	env := newMachineEnv(t, true, 0)
	m := env.machine

	var emitted int
	m.OnFinalized = func(types.Recording) { emitted++ }

	res := m.SelfTest(50 * time.Millisecond)
	assert.True(t, res.Passed, "self test should pass with fixture driver: %v", res.Errors)
	assert.True(t, res.FileCreated)
	assert.Greater(t, res.FileSizeBytes, int64(0))
	assert.Zero(t, emitted, "self test output is never offloaded")

	recs, err := env.store.ListRecordings()
	require.NoError(t, err)
	assert.Empty(t, recs, "test artifacts are deleted")
	assert.Equal(t, types.StateIdle, m.State())
}

func TestPreflightIsPure(t *testing.T) {
	env := newMachineEnv(t, true, 0)
	m := env.machine

	for i := 0; i < 3; i++ {
		pf := m.Preflight(75)
		assert.True(t, pf.AllPassed)
		assert.Len(t, pf.Checks, 4)
	}
	assert.Equal(t, types.StateIdle, m.State())

	recs, err := env.store.ListRecordings()
	require.NoError(t, err)
	assert.Empty(t, recs)
}

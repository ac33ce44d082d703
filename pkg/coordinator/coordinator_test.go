package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitchside/rig/pkg/registry"
	"github.com/pitchside/rig/pkg/types"
)

// fakeTarget is a scriptable in-memory node.
type fakeTarget struct {
	mu        sync.Mutex
	id        string
	state     types.RecordingState
	armErr    error
	startErr  error
	stopErr   error
	unreachable bool

	armCalls   int
	abortCalls int
	stopCalls  int
}

func newFakeTarget(id string) *fakeTarget {
	return &fakeTarget{id: id, state: types.StateIdle}
}

func (f *fakeTarget) ID() string { return f.id }

func (f *fakeTarget) reach() error {
	if f.unreachable {
		return fmt.Errorf("%w: %s", types.ErrPeerUnreachable, f.id)
	}
	return nil
}

func (f *fakeTarget) Status(ctx context.Context) (types.NodeState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.reach(); err != nil {
		return types.NodeState{}, err
	}
	return types.NodeState{
		NodeID:         f.id,
		RecordingState: f.state,
		SyncStatus:     types.SyncOK,
		IsMaster:       f.id == "CAM_C",
	}, nil
}

func (f *fakeTarget) Preflight(ctx context.Context) (types.NodePreflight, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.reach(); err != nil {
		return types.NodePreflight{}, err
	}
	return types.NodePreflight{
		NodeID:    f.id,
		Reachable: true,
		AllPassed: true,
		Checks:    []types.CheckResult{{Name: "camera", Passed: true}},
	}, nil
}

func (f *fakeTarget) Arm(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armCalls++
	if err := f.reach(); err != nil {
		return err
	}
	if f.armErr != nil {
		return f.armErr
	}
	f.state = types.StateArmed
	return nil
}

func (f *fakeTarget) Start(ctx context.Context) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.reach(); err != nil {
		return time.Time{}, err
	}
	if f.startErr != nil {
		return time.Time{}, f.startErr
	}
	f.state = types.StateRecording
	return time.Now(), nil
}

func (f *fakeTarget) Stop(ctx context.Context, sessionID string) (*types.Recording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	if err := f.reach(); err != nil {
		return nil, err
	}
	if f.stopErr != nil {
		return nil, f.stopErr
	}
	f.state = types.StateIdle
	return &types.Recording{
		RecordingID: types.RecordingID(sessionID, f.id),
		SessionID:   sessionID,
		NodeID:      f.id,
		Checksum:    "aa",
	}, nil
}

func (f *fakeTarget) Abort(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abortCalls++
	if err := f.reach(); err != nil {
		return err
	}
	f.state = types.StateIdle
	return nil
}

func (f *fakeTarget) TriggerSync(ctx context.Context) (types.SyncResult, error) {
	if err := f.reach(); err != nil {
		return types.SyncResult{}, err
	}
	return types.SyncResult{NodeID: f.id, Status: types.SyncOK}, nil
}

func (f *fakeTarget) SelfTest(ctx context.Context) (types.SelfTestResult, error) {
	if err := f.reach(); err != nil {
		return types.SelfTestResult{}, err
	}
	return types.SelfTestResult{Passed: true}, nil
}

// newCluster builds a coordinator over a local fake plus remote fakes.
func newCluster(t *testing.T, local *fakeTarget, remotes ...*fakeTarget) (*Coordinator, *registry.Registry) {
	t.Helper()

	byID := make(map[string]*fakeTarget)
	var peers []types.Peer
	for _, r := range remotes {
		byID[r.id] = r
		peers = append(peers, types.Peer{NodeID: r.id, Endpoint: r.id + ":8080"})
	}
	reg := registry.New(local.id, peers, 5*time.Second, nil)

	c := New(Config{
		ExpectedCameras: []string{"CAM_L", "CAM_C", "CAM_R"},
		MinParticipants: 2,
		ArmTimeout:      time.Second,
		StatusTimeout:   time.Second,
		StopTimeout:     2 * time.Second,
		TestTimeout:     2 * time.Second,
	}, local, reg, func(p types.Peer) Target { return byID[p.NodeID] })
	return c, reg
}

func TestStartHappyPath(t *testing.T) {
	camL := newFakeTarget("CAM_L")
	camC := newFakeTarget("CAM_C")
	camR := newFakeTarget("CAM_R")
	c, _ := newCluster(t, camC, camL, camR)

	res := c.Start(context.Background(), "GAME_20240315_140000")
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "GAME_20240315_140000", res.SessionID)
	for _, id := range []string{"CAM_L", "CAM_C", "CAM_R"} {
		assert.True(t, res.Cameras[id].Armed, id)
		assert.True(t, res.Cameras[id].Started, id)
	}

	sess := c.CurrentSession()
	require.NotNil(t, sess)
	assert.Equal(t, types.SessionOpen, sess.Status)
	assert.Len(t, sess.Participants, 3)
}

func TestStartGeneratesSessionID(t *testing.T) {
	camL := newFakeTarget("CAM_L")
	camC := newFakeTarget("CAM_C")
	camR := newFakeTarget("CAM_R")
	c, _ := newCluster(t, camC, camL, camR)

	res := c.Start(context.Background(), "")
	require.True(t, res.Success)
	assert.Regexp(t, `^GAME_\d{8}_\d{6}$`, res.SessionID)
}

func TestStartAbortsAllWhenPeerOffline(t *testing.T) {
	camL := newFakeTarget("CAM_L")
	camC := newFakeTarget("CAM_C")
	camR := newFakeTarget("CAM_R")
	camR.unreachable = true
	c, _ := newCluster(t, camC, camL, camR)

	res := c.Start(context.Background(), "TEST_B")
	require.False(t, res.Success)

	assert.True(t, res.Cameras["CAM_L"].Armed)
	assert.True(t, res.Cameras["CAM_L"].Aborted)
	assert.True(t, res.Cameras["CAM_C"].Armed)
	assert.True(t, res.Cameras["CAM_C"].Aborted)
	assert.Equal(t, "peer_unreachable", res.Cameras["CAM_R"].Error)

	// Nobody is left armed or recording.
	assert.Equal(t, types.StateIdle, camL.state)
	assert.Equal(t, types.StateIdle, camC.state)
	assert.Equal(t, 1, camL.abortCalls)
	assert.Nil(t, c.CurrentSession())
}

func TestStartPartialBelowFloorFails(t *testing.T) {
	camL := newFakeTarget("CAM_L")
	camC := newFakeTarget("CAM_C")
	camR := newFakeTarget("CAM_R")
	// Both slaves fail to start after arming: 1 < MinParticipants(2).
	camL.startErr = fmt.Errorf("%w: encoder", types.ErrDriverFailure)
	camR.startErr = fmt.Errorf("%w: encoder", types.ErrDriverFailure)
	c, _ := newCluster(t, camC, camL, camR)

	res := c.Start(context.Background(), "TEST_PARTIAL")
	assert.False(t, res.Success)
	assert.True(t, res.Cameras["CAM_C"].Started)
	assert.NotEmpty(t, res.Cameras["CAM_L"].Error)
}

func TestStartRejectsConcurrentSession(t *testing.T) {
	camL := newFakeTarget("CAM_L")
	camC := newFakeTarget("CAM_C")
	camR := newFakeTarget("CAM_R")
	c, _ := newCluster(t, camC, camL, camR)

	require.True(t, c.Start(context.Background(), "GAME_20240315_140000").Success)
	res := c.Start(context.Background(), "GAME_20240315_150000")
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "already recording")
}

func TestStopOnlyTargetsRecordingNodes(t *testing.T) {
	camL := newFakeTarget("CAM_L")
	camC := newFakeTarget("CAM_C")
	camR := newFakeTarget("CAM_R")
	c, _ := newCluster(t, camC, camL, camR)

	require.True(t, c.Start(context.Background(), "GAME_20240315_140000").Success)

	// CAM_R fell into ERROR mid-recording (scenario C).
	camR.mu.Lock()
	camR.state = types.StateError
	camR.mu.Unlock()

	res := c.Stop(context.Background())
	assert.True(t, res.Success)
	assert.True(t, res.Cameras["CAM_L"].Stopped)
	assert.True(t, res.Cameras["CAM_C"].Stopped)
	assert.Equal(t, "node in ERROR", res.Cameras["CAM_R"].Error)
	assert.Zero(t, camR.stopCalls, "stop is not sent to a node in ERROR")

	require.NotNil(t, res.Cameras["CAM_L"].Recording)
	assert.Equal(t, "GAME_20240315_140000_CAM_L", res.Cameras["CAM_L"].Recording.RecordingID)

	// Session closed and moved to history.
	assert.Nil(t, c.CurrentSession())
	sessions := c.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, types.SessionClosed, sessions[0].Status)
}

func TestPreflightReportsMissingExpectedCamera(t *testing.T) {
	camL := newFakeTarget("CAM_L")
	camC := newFakeTarget("CAM_C")
	// CAM_R not configured at all.
	c, _ := newCluster(t, camC, camL)

	rep := c.Preflight(context.Background())
	assert.False(t, rep.Passed)
	require.Contains(t, rep.Cameras, "CAM_R")
	assert.False(t, rep.Cameras["CAM_R"].Reachable)
}

func TestPreflightDoesNotMutate(t *testing.T) {
	camL := newFakeTarget("CAM_L")
	camC := newFakeTarget("CAM_C")
	camR := newFakeTarget("CAM_R")
	c, _ := newCluster(t, camC, camL, camR)

	for i := 0; i < 3; i++ {
		rep := c.Preflight(context.Background())
		assert.True(t, rep.Passed)
	}
	assert.Zero(t, camL.armCalls)
	assert.Equal(t, types.StateIdle, camL.state)
}

func TestStatusReportsOfflinePeersWithoutFailing(t *testing.T) {
	camL := newFakeTarget("CAM_L")
	camC := newFakeTarget("CAM_C")
	camR := newFakeTarget("CAM_R")
	camR.unreachable = true
	c, _ := newCluster(t, camC, camL, camR)

	st := c.Status(context.Background())
	assert.Equal(t, 2, st.Summary.CamerasOnline)
	assert.Equal(t, 3, st.Summary.CamerasTotal)
	assert.Contains(t, st.Offline, "CAM_R")
	assert.Contains(t, st.Cameras, "CAM_L")
}

func TestSyncAndTestFanOut(t *testing.T) {
	camL := newFakeTarget("CAM_L")
	camC := newFakeTarget("CAM_C")
	camR := newFakeTarget("CAM_R")
	c, _ := newCluster(t, camC, camL, camR)

	syncRes := c.Sync(context.Background())
	require.Len(t, syncRes, 3)
	assert.Equal(t, types.SyncOK, syncRes["CAM_L"].Status)

	testRes := c.Test(context.Background())
	require.Len(t, testRes, 3)
	assert.True(t, testRes["CAM_R"].Passed)
}

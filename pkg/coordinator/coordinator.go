// Package coordinator is the fan-out control plane. It runs on every node;
// whichever node the dashboard addresses orchestrates that request. It holds
// no replicated cluster state: peers are orchestrated best-effort and every
// decision is reported per peer.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pitchside/rig/pkg/log"
	"github.com/pitchside/rig/pkg/registry"
	"github.com/pitchside/rig/pkg/types"
)

// Target is one controllable node, local or remote. The local node is driven
// in-process; remote nodes through the HTTP client.
type Target interface {
	ID() string
	Status(ctx context.Context) (types.NodeState, error)
	Preflight(ctx context.Context) (types.NodePreflight, error)
	Arm(ctx context.Context, sessionID string) error
	Start(ctx context.Context) (time.Time, error)
	Stop(ctx context.Context, sessionID string) (*types.Recording, error)
	Abort(ctx context.Context) error
	TriggerSync(ctx context.Context) (types.SyncResult, error)
	SelfTest(ctx context.Context) (types.SelfTestResult, error)
}

// TargetFactory builds a Target for a peer registry entry.
type TargetFactory func(peer types.Peer) Target

// Config holds the coordinator timeouts and admission thresholds.
type Config struct {
	ExpectedCameras []string
	MinParticipants int
	ArmTimeout      time.Duration
	StatusTimeout   time.Duration
	StopTimeout     time.Duration
	TestTimeout     time.Duration
}

// Coordinator orchestrates the local node plus every registry peer.
type Coordinator struct {
	cfg     Config
	local   Target
	reg     *registry.Registry
	factory TargetFactory
	logger  zerolog.Logger

	mu       sync.Mutex
	current  *types.Session
	history  []types.Session
}

// New builds a coordinator around the local target and the peer registry.
func New(cfg Config, local Target, reg *registry.Registry, factory TargetFactory) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		local:   local,
		reg:     reg,
		factory: factory,
		logger:  log.WithComponent("coordinator"),
	}
}

// targets returns the local node plus one Target per registry peer.
func (c *Coordinator) targets() []Target {
	peers := c.reg.List()
	out := make([]Target, 0, len(peers)+1)
	out = append(out, c.local)
	for _, p := range peers {
		out = append(out, c.factory(p))
	}
	return out
}

// fanOut runs fn against every target concurrently, bounded by timeout, and
// collects the per-node results.
func fanOut[T any](ctx context.Context, targets []Target, timeout time.Duration, fn func(ctx context.Context, t Target) (T, error)) map[string]result[T] {
	type entry struct {
		id  string
		res result[T]
	}

	ch := make(chan entry, len(targets))
	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			tctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			v, err := fn(tctx, t)
			ch <- entry{id: t.ID(), res: result[T]{value: v, err: err}}
		}(t)
	}
	wg.Wait()
	close(ch)

	out := make(map[string]result[T], len(targets))
	for e := range ch {
		out[e.id] = e.res
	}
	return out
}

type result[T any] struct {
	value T
	err   error
}

// Status aggregates node state across the cluster. Unreachable peers are
// reported offline without failing the call.
func (c *Coordinator) Status(ctx context.Context) types.ClusterStatus {
	targets := c.targets()
	results := fanOut(ctx, targets, c.cfg.StatusTimeout, func(ctx context.Context, t Target) (types.NodeState, error) {
		return t.Status(ctx)
	})

	status := types.ClusterStatus{
		Timestamp: time.Now(),
		Cameras:   make(map[string]types.NodeState, len(results)),
	}
	summary := types.ClusterSummary{CamerasTotal: len(targets), AllSynced: true}

	for id, r := range results {
		if r.err != nil {
			status.Offline = append(status.Offline, id)
			continue
		}
		st := r.value
		status.Cameras[id] = st
		summary.CamerasOnline++
		summary.TotalFreeBytes += st.StorageFreeBytes
		if st.RecordingState == types.StateRecording {
			summary.AnyRecording = true
		}
		if !st.IsMaster && st.SyncStatus != types.SyncOK {
			summary.AllSynced = false
		}
	}
	status.Summary = summary

	c.mu.Lock()
	if c.current != nil {
		sess := *c.current
		status.Session = &sess
	}
	c.mu.Unlock()
	return status
}

// Preflight runs the admission checks on every node in parallel. It never
// modifies state.
func (c *Coordinator) Preflight(ctx context.Context) types.PreflightReport {
	targets := c.targets()
	results := fanOut(ctx, targets, c.cfg.ArmTimeout, func(ctx context.Context, t Target) (types.NodePreflight, error) {
		return t.Preflight(ctx)
	})

	report := types.PreflightReport{
		Passed:    true,
		Timestamp: time.Now(),
		Cameras:   make(map[string]types.NodePreflight, len(results)),
	}

	for id, r := range results {
		if r.err != nil {
			report.Passed = false
			report.Cameras[id] = types.NodePreflight{
				NodeID:    id,
				Reachable: false,
				Checks: []types.CheckResult{{
					Name: "online", Passed: false, Message: r.err.Error(),
				}},
			}
			continue
		}
		report.Cameras[id] = r.value
		if !r.value.AllPassed {
			report.Passed = false
		}
	}

	// Every expected camera must be present in the registry at all.
	seen := make(map[string]bool, len(report.Cameras))
	for id := range report.Cameras {
		seen[id] = true
	}
	for _, want := range c.cfg.ExpectedCameras {
		if !seen[want] {
			report.Passed = false
			report.Cameras[want] = types.NodePreflight{
				NodeID:    want,
				Reachable: false,
				Checks: []types.CheckResult{{
					Name: "online", Passed: false, Message: "not in peer registry",
				}},
			}
		}
	}
	return report
}

// Start runs the two-phase cluster start: arm everywhere, abort all on any
// arm failure, otherwise fire start near-simultaneously. Partial start
// success is acceptable above the participant floor.
func (c *Coordinator) Start(ctx context.Context, sessionID string) types.ClusterStartResult {
	if sessionID == "" {
		sessionID = types.GenerateSessionID(time.Now())
	}
	res := types.ClusterStartResult{
		SessionID: sessionID,
		Cameras:   make(map[string]types.NodeStartResult),
	}
	if !types.ValidSessionID(sessionID) {
		res.Message = "invalid session_id"
		return res
	}

	c.mu.Lock()
	if c.current != nil && c.current.Status == types.SessionOpen {
		open := c.current.SessionID
		c.mu.Unlock()
		res.Message = "session " + open + " already recording"
		return res
	}
	c.mu.Unlock()

	targets := c.targets()
	logger := log.ForSession(c.logger, sessionID)

	// Phase 1: arm everywhere.
	armResults := fanOut(ctx, targets, c.cfg.ArmTimeout, func(ctx context.Context, t Target) (struct{}, error) {
		return struct{}{}, t.Arm(ctx, sessionID)
	})

	armed := make([]Target, 0, len(targets))
	armFailed := false
	for _, t := range targets {
		r := armResults[t.ID()]
		if r.err != nil {
			armFailed = true
			res.Cameras[t.ID()] = types.NodeStartResult{Error: errorTag(r.err)}
			logger.Warn().Str("peer", t.ID()).Err(r.err).Msg("arm failed")
		} else {
			armed = append(armed, t)
			res.Cameras[t.ID()] = types.NodeStartResult{Armed: true}
		}
	}

	if armFailed {
		// Roll the armed nodes back and report aggregate failure.
		abortResults := fanOut(ctx, armed, c.cfg.ArmTimeout, func(ctx context.Context, t Target) (struct{}, error) {
			return struct{}{}, t.Abort(ctx)
		})
		for _, t := range armed {
			entry := res.Cameras[t.ID()]
			entry.Aborted = abortResults[t.ID()].err == nil
			res.Cameras[t.ID()] = entry
		}
		res.Message = "arm failed, cluster start aborted"
		logger.Error().Msg(res.Message)
		return res
	}

	// Phase 2: start all armed nodes as close together as the network allows.
	startResults := fanOut(ctx, armed, c.cfg.ArmTimeout, func(ctx context.Context, t Target) (time.Time, error) {
		return t.Start(ctx)
	})

	var participants []string
	for _, t := range armed {
		entry := res.Cameras[t.ID()]
		r := startResults[t.ID()]
		if r.err != nil {
			entry.Error = errorTag(r.err)
			logger.Warn().Str("peer", t.ID()).Err(r.err).Msg("start failed")
		} else {
			entry.Started = true
			entry.StartedAt = r.value
			participants = append(participants, t.ID())
		}
		res.Cameras[t.ID()] = entry
	}

	res.Success = len(participants) >= c.cfg.MinParticipants
	if res.Success {
		c.mu.Lock()
		c.current = &types.Session{
			SessionID:    sessionID,
			StartedAt:    time.Now(),
			Participants: participants,
			Status:       types.SessionOpen,
		}
		c.mu.Unlock()
		res.Message = "recording"
		logger.Info().Strs("participants", participants).Msg("cluster recording started")
	} else {
		res.Message = "too few nodes entered RECORDING"
		logger.Error().Int("started", len(participants)).Int("min", c.cfg.MinParticipants).Msg(res.Message)
	}
	return res
}

// Stop fans out stop to every node currently recording and waits until each
// reaches IDLE or ERROR, bounded by the stop timeout.
func (c *Coordinator) Stop(ctx context.Context) types.ClusterStopResult {
	c.mu.Lock()
	var sessionID string
	if c.current != nil {
		sessionID = c.current.SessionID
	}
	c.mu.Unlock()

	res := types.ClusterStopResult{
		SessionID: sessionID,
		Cameras:   make(map[string]types.NodeStopResult),
	}

	targets := c.targets()

	// Only nodes actually recording get a stop; the rest are reported as-is.
	statuses := fanOut(ctx, targets, c.cfg.StatusTimeout, func(ctx context.Context, t Target) (types.NodeState, error) {
		return t.Status(ctx)
	})

	var recording []Target
	for _, t := range targets {
		st := statuses[t.ID()]
		if st.err != nil {
			res.Cameras[t.ID()] = types.NodeStopResult{Error: errorTag(st.err)}
			continue
		}
		switch st.value.RecordingState {
		case types.StateRecording:
			recording = append(recording, t)
		case types.StateError:
			res.Cameras[t.ID()] = types.NodeStopResult{Error: "node in ERROR"}
		}
	}

	stopResults := fanOut(ctx, recording, c.cfg.StopTimeout, func(ctx context.Context, t Target) (*types.Recording, error) {
		return t.Stop(ctx, sessionID)
	})

	allStopped := true
	for _, t := range recording {
		r := stopResults[t.ID()]
		if r.err != nil {
			allStopped = false
			res.Cameras[t.ID()] = types.NodeStopResult{Error: errorTag(r.err)}
			continue
		}
		res.Cameras[t.ID()] = types.NodeStopResult{Stopped: true, Recording: r.value}
	}
	res.Success = allStopped

	c.mu.Lock()
	if c.current != nil {
		c.current.EndedAt = time.Now()
		c.current.Status = types.SessionClosed
		c.history = append(c.history, *c.current)
		if len(c.history) > 20 {
			c.history = c.history[len(c.history)-20:]
		}
		c.current = nil
	}
	c.mu.Unlock()

	if res.Success {
		res.Message = "all cameras stopped"
	} else {
		res.Message = "some cameras failed to stop"
	}
	return res
}

// Sync triggers a time-sync pass on every node.
func (c *Coordinator) Sync(ctx context.Context) map[string]types.SyncResult {
	targets := c.targets()
	results := fanOut(ctx, targets, c.cfg.ArmTimeout, func(ctx context.Context, t Target) (types.SyncResult, error) {
		return t.TriggerSync(ctx)
	})

	out := make(map[string]types.SyncResult, len(results))
	for id, r := range results {
		if r.err != nil {
			out[id] = types.SyncResult{NodeID: id, Status: types.SyncFail, Error: errorTag(r.err)}
			continue
		}
		out[id] = r.value
	}
	return out
}

// Test runs the fixed-duration recording self-check on every node.
func (c *Coordinator) Test(ctx context.Context) map[string]types.SelfTestResult {
	targets := c.targets()
	results := fanOut(ctx, targets, c.cfg.TestTimeout, func(ctx context.Context, t Target) (types.SelfTestResult, error) {
		return t.SelfTest(ctx)
	})

	out := make(map[string]types.SelfTestResult, len(results))
	for id, r := range results {
		if r.err != nil {
			out[id] = types.SelfTestResult{Errors: []string{errorTag(r.err)}}
			continue
		}
		out[id] = r.value
	}
	return out
}

// Sessions returns the retained session history, newest first.
func (c *Coordinator) Sessions() []types.Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]types.Session, 0, len(c.history)+1)
	if c.current != nil {
		out = append(out, *c.current)
	}
	for i := len(c.history) - 1; i >= 0; i-- {
		out = append(out, c.history[i])
	}
	return out
}

// CurrentSession returns the open session, if any.
func (c *Coordinator) CurrentSession() *types.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	sess := *c.current
	return &sess
}

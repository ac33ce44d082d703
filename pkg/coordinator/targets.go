package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pitchside/rig/pkg/client"
	"github.com/pitchside/rig/pkg/recorder"
	"github.com/pitchside/rig/pkg/registry"
	"github.com/pitchside/rig/pkg/timesync"
	"github.com/pitchside/rig/pkg/types"
)

// errorTag compresses an error into the short machine tag shown per peer.
func errorTag(err error) string {
	switch {
	case errors.Is(err, types.ErrPeerUnreachable):
		return "peer_unreachable"
	case errors.Is(err, types.ErrPrecondition):
		return "precondition_failed: " + err.Error()
	case errors.Is(err, types.ErrInvalidTransition):
		return "invalid_state: " + err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "peer_unreachable"
	default:
		return err.Error()
	}
}

// LocalTarget drives this node's own machinery in-process.
type LocalTarget struct {
	NodeID   string
	Machine  *recorder.Machine
	Sync     *timesync.Monitor
	TempMaxC float64
	TestLen  time.Duration
}

func (l *LocalTarget) ID() string { return l.NodeID }

func (l *LocalTarget) Status(ctx context.Context) (types.NodeState, error) {
	return l.Machine.Snapshot(), nil
}

func (l *LocalTarget) Preflight(ctx context.Context) (types.NodePreflight, error) {
	return l.Machine.Preflight(l.TempMaxC), nil
}

func (l *LocalTarget) Arm(ctx context.Context, sessionID string) error {
	return l.Machine.Arm(sessionID)
}

func (l *LocalTarget) Start(ctx context.Context) (time.Time, error) {
	return l.Machine.Start()
}

func (l *LocalTarget) Stop(ctx context.Context, sessionID string) (*types.Recording, error) {
	return l.Machine.Stop(sessionID)
}

func (l *LocalTarget) Abort(ctx context.Context) error {
	return l.Machine.Abort()
}

func (l *LocalTarget) TriggerSync(ctx context.Context) (types.SyncResult, error) {
	return l.Sync.Trigger(), nil
}

func (l *LocalTarget) SelfTest(ctx context.Context) (types.SelfTestResult, error) {
	return l.Machine.SelfTest(l.TestLen), nil
}

// remoteTarget wraps the HTTP client and feeds reachability back into the
// registry.
type remoteTarget struct {
	peer types.Peer
	c    *client.Node
	reg  *registry.Registry
}

// NewRemoteFactory builds the TargetFactory used in production: one HTTP
// client per peer, cached per endpoint. The clients carry no client-level
// timeout; every coordinator call arrives with its own context deadline, and
// a stop is allowed to run much longer than an arm.
func NewRemoteFactory(reg *registry.Registry) TargetFactory {
	var mu sync.Mutex
	cache := make(map[string]*client.Node)

	return func(peer types.Peer) Target {
		mu.Lock()
		c, ok := cache[peer.Endpoint]
		if !ok {
			c = client.NewNode(peer.Endpoint, 0)
			cache[peer.Endpoint] = c
		}
		mu.Unlock()
		return &remoteTarget{peer: peer, c: c, reg: reg}
	}
}

func (r *remoteTarget) ID() string { return r.peer.NodeID }

// observe records the exchange outcome in the registry.
func (r *remoteTarget) observe(err error) {
	if errors.Is(err, types.ErrPeerUnreachable) {
		r.reg.MarkUnreachable(r.peer.NodeID)
		return
	}
	r.reg.MarkSeen(r.peer.NodeID)
}

func (r *remoteTarget) Status(ctx context.Context) (types.NodeState, error) {
	st, err := r.c.Status(ctx)
	r.observe(err)
	return st, err
}

func (r *remoteTarget) Preflight(ctx context.Context) (types.NodePreflight, error) {
	pf, err := r.c.Preflight(ctx)
	r.observe(err)
	return pf, err
}

func (r *remoteTarget) Arm(ctx context.Context, sessionID string) error {
	err := r.c.Arm(ctx, sessionID)
	r.observe(err)
	return err
}

func (r *remoteTarget) Start(ctx context.Context) (time.Time, error) {
	t, err := r.c.Start(ctx)
	r.observe(err)
	return t, err
}

func (r *remoteTarget) Stop(ctx context.Context, sessionID string) (*types.Recording, error) {
	rec, err := r.c.Stop(ctx, sessionID)
	r.observe(err)
	return rec, err
}

func (r *remoteTarget) Abort(ctx context.Context) error {
	err := r.c.Abort(ctx)
	r.observe(err)
	return err
}

func (r *remoteTarget) TriggerSync(ctx context.Context) (types.SyncResult, error) {
	res, err := r.c.TriggerSync(ctx)
	r.observe(err)
	return res, err
}

func (r *remoteTarget) SelfTest(ctx context.Context) (types.SelfTestResult, error) {
	res, err := r.c.SelfTest(ctx)
	r.observe(err)
	return res, err
}

package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitchside/rig/pkg/events"
	"github.com/pitchside/rig/pkg/log"
	"github.com/pitchside/rig/pkg/metrics"
	"github.com/pitchside/rig/pkg/types"
)

// Registry tracks the known peer nodes and their reachability. Reads
// dominate, so it sits behind a reader-writer lock.
//
// Entry precedence: static (admin-entered) entries win over discovery and
// reverse-learning; only an administrative call may remove a static entry.
type Registry struct {
	mu          sync.RWMutex
	peers       map[string]*types.Peer
	peerTimeout time.Duration
	broker      *events.Broker
	selfID      string
}

// New builds a registry seeded with the static configuration entries.
func New(selfID string, static []types.Peer, peerTimeout time.Duration, broker *events.Broker) *Registry {
	r := &Registry{
		peers:       make(map[string]*types.Peer),
		peerTimeout: peerTimeout,
		broker:      broker,
		selfID:      selfID,
	}
	for i := range static {
		p := static[i]
		if p.NodeID == selfID {
			continue
		}
		p.Static = true
		p.Status = types.PeerUnknown
		r.peers[p.NodeID] = &p
	}
	return r
}

// Add registers or replaces a peer (administrative mutation).
func (r *Registry) Add(p types.Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.NodeID == r.selfID {
		return
	}
	if p.Status == "" {
		p.Status = types.PeerUnknown
	}
	r.peers[p.NodeID] = &p
	registryLogger := log.WithComponent("registry")
	registryLogger.Info().
		Str("peer", p.NodeID).Str("endpoint", p.Endpoint).Bool("static", p.Static).
		Msg("peer added")
}

// Remove deletes a peer (administrative mutation).
func (r *Registry) Remove(nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[nodeID]; !ok {
		return fmt.Errorf("%w: peer %s", types.ErrNotFound, nodeID)
	}
	delete(r.peers, nodeID)
	return nil
}

// Learn merges a discovery announcement or reverse-learned origin. Static
// entries keep their admin-entered endpoint.
func (r *Registry) Learn(nodeID string, position types.Position, endpoint string, isMaster bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if nodeID == r.selfID {
		return
	}

	if existing, ok := r.peers[nodeID]; ok {
		if !existing.Static {
			existing.Endpoint = endpoint
			existing.Position = position
			existing.IsMaster = isMaster
		}
		existing.LastSeen = time.Now()
		if existing.Status == types.PeerUnknown || existing.Status == types.PeerOffline {
			existing.Status = types.PeerDiscovered
		}
		return
	}

	r.peers[nodeID] = &types.Peer{
		NodeID:   nodeID,
		Position: position,
		Endpoint: endpoint,
		IsMaster: isMaster,
		Status:   types.PeerDiscovered,
		LastSeen: time.Now(),
	}
}

// Observe reverse-learns a calling peer: known peers are marked seen, unknown
// ones get a minimal discovered entry. Unlike Learn it never rewrites an
// existing entry's metadata.
func (r *Registry) Observe(nodeID, endpoint string) {
	if nodeID == r.selfID || nodeID == "" {
		return
	}
	r.mu.Lock()
	if p, ok := r.peers[nodeID]; ok {
		p.LastSeen = time.Now()
		p.Status = types.PeerOnline
		r.mu.Unlock()
		return
	}
	r.peers[nodeID] = &types.Peer{
		NodeID:   nodeID,
		Endpoint: endpoint,
		Status:   types.PeerDiscovered,
		LastSeen: time.Now(),
	}
	r.mu.Unlock()
}

// MarkSeen records a successful exchange with a peer.
func (r *Registry) MarkSeen(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[nodeID]
	if !ok {
		return
	}
	wasOffline := p.Status == types.PeerOffline || p.Status == types.PeerUnknown
	p.LastSeen = time.Now()
	p.Status = types.PeerOnline
	if wasOffline && r.broker != nil {
		r.broker.Publish(events.New(events.EventPeerOnline, "peer online", map[string]string{"node_id": nodeID}))
	}
}

// MarkUnreachable records a failed exchange with a peer.
func (r *Registry) MarkUnreachable(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[nodeID]
	if !ok {
		return
	}
	if p.Status == types.PeerOnline && r.broker != nil {
		r.broker.Publish(events.New(events.EventPeerOffline, "peer offline", map[string]string{"node_id": nodeID}))
	}
	p.Status = types.PeerOffline
}

// Get returns one peer by ID.
func (r *Registry) Get(nodeID string) (types.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[nodeID]
	if !ok {
		return types.Peer{}, false
	}
	return r.snapshotLocked(p), true
}

// List returns all peers sorted by node ID.
func (r *Registry) List() []types.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Peer, 0, len(r.peers))
	online := 0
	for _, p := range r.peers {
		snap := r.snapshotLocked(p)
		if snap.Status == types.PeerOnline {
			online++
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })

	metrics.PeersOnline.Set(float64(online))
	return out
}

// snapshotLocked copies a peer, demoting online status past the timeout.
func (r *Registry) snapshotLocked(p *types.Peer) types.Peer {
	snap := *p
	if snap.Status == types.PeerOnline && time.Since(snap.LastSeen) > r.peerTimeout {
		snap.Status = types.PeerOffline
	}
	return snap
}

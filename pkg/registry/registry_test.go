package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitchside/rig/pkg/types"
)

func staticPeers() []types.Peer {
	return []types.Peer{
		{NodeID: "CAM_C", Position: types.PositionCenter, Endpoint: "192.168.1.2:8080", IsMaster: true},
		{NodeID: "CAM_R", Position: types.PositionRight, Endpoint: "192.168.1.3:8080"},
	}
}

func TestNewSkipsSelf(t *testing.T) {
	peers := append(staticPeers(), types.Peer{NodeID: "CAM_L", Endpoint: "192.168.1.1:8080"})
	r := New("CAM_L", peers, 5*time.Second, nil)

	list := r.List()
	require.Len(t, list, 2)
	for _, p := range list {
		assert.NotEqual(t, "CAM_L", p.NodeID)
		assert.True(t, p.Static)
	}
}

func TestLearnDoesNotOverrideStaticEndpoint(t *testing.T) {
	r := New("CAM_L", staticPeers(), 5*time.Second, nil)

	r.Learn("CAM_C", types.PositionCenter, "10.0.0.9:9999", true)

	p, ok := r.Get("CAM_C")
	require.True(t, ok)
	assert.Equal(t, "192.168.1.2:8080", p.Endpoint, "static config is authoritative")
	assert.Equal(t, types.PeerDiscovered, p.Status)
}

func TestLearnAddsDiscoveredPeer(t *testing.T) {
	r := New("CAM_L", nil, 5*time.Second, nil)

	r.Learn("CAM_C", types.PositionCenter, "192.168.1.2:8080", true)

	p, ok := r.Get("CAM_C")
	require.True(t, ok)
	assert.False(t, p.Static)
	assert.True(t, p.IsMaster)
	assert.Equal(t, types.PeerDiscovered, p.Status)
}

func TestMarkSeenAndTimeoutDemotion(t *testing.T) {
	r := New("CAM_L", staticPeers(), 50*time.Millisecond, nil)

	r.MarkSeen("CAM_C")
	p, _ := r.Get("CAM_C")
	assert.Equal(t, types.PeerOnline, p.Status)

	time.Sleep(80 * time.Millisecond)
	p, _ = r.Get("CAM_C")
	assert.Equal(t, types.PeerOffline, p.Status, "silence past the peer timeout means offline")
}

func TestMarkUnreachable(t *testing.T) {
	r := New("CAM_L", staticPeers(), 5*time.Second, nil)
	r.MarkSeen("CAM_R")
	r.MarkUnreachable("CAM_R")

	p, _ := r.Get("CAM_R")
	assert.Equal(t, types.PeerOffline, p.Status)
}

func TestObserveReverseLearns(t *testing.T) {
	r := New("CAM_L", nil, 5*time.Second, nil)

	r.Observe("CAM_L", "ignored")
	assert.Empty(t, r.List(), "self is never learned")

	r.Observe("CAM_R", "192.168.1.3:8080")
	p, ok := r.Get("CAM_R")
	require.True(t, ok, "unknown caller gets a discovered entry")
	assert.Equal(t, types.PeerDiscovered, p.Status)

	r.Observe("CAM_R", "10.0.0.9:1")
	p, _ = r.Get("CAM_R")
	assert.Equal(t, "192.168.1.3:8080", p.Endpoint, "observe never rewrites an existing entry")
	assert.Equal(t, types.PeerOnline, p.Status)
}

func TestAdminAddRemove(t *testing.T) {
	r := New("CAM_L", nil, 5*time.Second, nil)

	r.Add(types.Peer{NodeID: "CAM_C", Endpoint: "192.168.1.2:8080", Static: true})
	_, ok := r.Get("CAM_C")
	require.True(t, ok)

	require.NoError(t, r.Remove("CAM_C"))
	_, ok = r.Get("CAM_C")
	assert.False(t, ok)

	err := r.Remove("CAM_C")
	require.ErrorIs(t, err, types.ErrNotFound)
}

package registry

import (
	"context"
	"time"

	"github.com/pitchside/rig/pkg/log"
	"github.com/pitchside/rig/pkg/types"
)

// ProbeFunc checks one peer's liveness; a nil error means the peer answered.
type ProbeFunc func(ctx context.Context, peer types.Peer) error

// Monitor polls the registry's peers in the background so reachability stays
// fresh between coordinator calls.
type Monitor struct {
	reg      *Registry
	probe    ProbeFunc
	interval time.Duration
	timeout  time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMonitor builds a peer monitor.
func NewMonitor(reg *Registry, probe ProbeFunc, interval, timeout time.Duration) *Monitor {
	return &Monitor{
		reg:      reg,
		probe:    probe,
		interval: interval,
		timeout:  timeout,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the poll loop.
func (m *Monitor) Start() {
	go m.run()
}

// Stop terminates the loop.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) run() {
	defer close(m.doneCh)
	logger := log.WithComponent("registry")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.ProbeAll()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.ProbeAll()
			logger.Debug().Int("peers", len(m.reg.List())).Msg("peer probe pass")
		}
	}
}

// ProbeAll checks every peer once, concurrently. Coordinator operations that
// need fresh data call this on demand.
func (m *Monitor) ProbeAll() {
	peers := m.reg.List()
	done := make(chan struct{}, len(peers))

	for _, p := range peers {
		go func(p types.Peer) {
			defer func() { done <- struct{}{} }()
			ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
			defer cancel()
			if err := m.probe(ctx, p); err != nil {
				m.reg.MarkUnreachable(p.NodeID)
				return
			}
			m.reg.MarkSeen(p.NodeID)
		}(p)
	}
	for range peers {
		<-done
	}
}

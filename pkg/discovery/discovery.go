package discovery

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/pitchside/rig/pkg/log"
	"github.com/pitchside/rig/pkg/registry"
	"github.com/pitchside/rig/pkg/types"
)

// Announcement is the LAN broadcast message nodes emit so peers can find
// each other without static configuration.
type Announcement struct {
	NodeID   string         `json:"node_id"`
	Position types.Position `json:"position"`
	Endpoint string         `json:"endpoint"`
	IsMaster bool           `json:"is_master"`
}

// Service periodically broadcasts this node's announcement and merges
// received announcements into the peer registry. Static registry entries are
// never overridden.
type Service struct {
	self      Announcement
	broadcast string
	interval  time.Duration
	reg       *registry.Registry

	conn   *net.UDPConn
	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a discovery service broadcasting to broadcastAddr (e.g.
// "255.255.255.255:8089") and listening on the same port.
func New(self Announcement, broadcastAddr string, interval time.Duration, reg *registry.Registry) *Service {
	return &Service{
		self:      self,
		broadcast: broadcastAddr,
		interval:  interval,
		reg:       reg,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start binds the listen socket and launches the announce and receive loops.
func (s *Service) Start() error {
	dst, err := net.ResolveUDPAddr("udp4", s.broadcast)
	if err != nil {
		return fmt.Errorf("resolve discovery addr: %w", err)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: dst.Port})
	if err != nil {
		return fmt.Errorf("bind discovery port: %w", err)
	}
	s.conn = conn

	go s.announceLoop(dst)
	go s.receiveLoop()
	discoveryLogger := log.WithComponent("discovery")
	discoveryLogger.Info().Str("addr", s.broadcast).Msg("discovery started")
	return nil
}

// StartSplit is Start with distinct listen and broadcast endpoints, used when
// the announce target is not the local listen port (tests, relays).
func (s *Service) StartSplit(listenAddr string) error {
	dst, err := net.ResolveUDPAddr("udp4", s.broadcast)
	if err != nil {
		return fmt.Errorf("resolve discovery addr: %w", err)
	}
	listen, err := net.ResolveUDPAddr("udp4", listenAddr)
	if err != nil {
		return fmt.Errorf("resolve listen addr: %w", err)
	}

	conn, err := net.ListenUDP("udp4", listen)
	if err != nil {
		return fmt.Errorf("bind discovery port: %w", err)
	}
	s.conn = conn

	go s.announceLoop(dst)
	go s.receiveLoop()
	return nil
}

// Stop terminates both loops.
func (s *Service) Stop() {
	close(s.stopCh)
	if s.conn != nil {
		s.conn.Close()
	}
	<-s.doneCh
}

func (s *Service) announceLoop(dst *net.UDPAddr) {
	logger := log.WithComponent("discovery")
	payload, err := json.Marshal(s.self)
	if err != nil {
		logger.Error().Err(err).Msg("marshal announcement")
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	send := func() {
		if _, err := s.conn.WriteToUDP(payload, dst); err != nil {
			logger.Debug().Err(err).Msg("broadcast failed")
		}
	}

	send()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			send()
		}
	}
}

func (s *Service) receiveLoop() {
	defer close(s.doneCh)
	logger := log.WithComponent("discovery")
	buf := make([]byte, 2048)

	for {
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				logger.Debug().Err(err).Msg("discovery read failed")
				continue
			}
		}

		var ann Announcement
		if err := json.Unmarshal(buf[:n], &ann); err != nil {
			continue
		}
		if ann.NodeID == "" || ann.NodeID == s.self.NodeID {
			continue
		}

		endpoint := ann.Endpoint
		if host, port, err := net.SplitHostPort(endpoint); err == nil && (host == "" || host == "0.0.0.0") {
			// A wildcard endpoint is useless to peers; use the sender address.
			endpoint = net.JoinHostPort(src.IP.String(), port)
		}
		s.reg.Learn(ann.NodeID, ann.Position, endpoint, ann.IsMaster)
	}
}

package camera

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"
)

// SimulatedDriver produces pseudo-video files at the configured bitrate so
// the whole pipeline runs on machines without camera hardware.
type SimulatedDriver struct {
	settings Settings
}

// NewSimulatedDriver builds a simulated driver with the given capture
// settings.
func NewSimulatedDriver(settings Settings) *SimulatedDriver {
	return &SimulatedDriver{settings: settings}
}

func (d *SimulatedDriver) Detect() bool { return true }

func (d *SimulatedDriver) Model() string {
	return fmt.Sprintf("simulated %dx%d@%d", d.settings.Width, d.settings.Height, d.settings.FPS)
}

// Open creates the target file and prepares a write loop.
func (d *SimulatedDriver) Open(path string) (Session, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}

	bytesPerTick := int(d.settings.BitrateMbps * 1e6 / 8 / 10) // 100ms ticks
	if bytesPerTick < 1 {
		bytesPerTick = 4096
	}

	return &simSession{
		file:     f,
		path:     path,
		perTick:  bytesPerTick,
		failedCh: make(chan error, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

type simSession struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	perTick int

	started   bool
	stopped   bool
	startedAt time.Time
	written   int64

	failedCh chan error
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func (s *simSession) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("simulated session already started")
	}
	s.started = true
	s.startedAt = time.Now()

	go s.writeLoop()
	return nil
}

func (s *simSession) writeLoop() {
	defer close(s.doneCh)

	buf := make([]byte, s.perTick)
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			rnd.Read(buf)
			s.mu.Lock()
			n, err := s.file.Write(buf)
			s.written += int64(n)
			s.mu.Unlock()
			if err != nil {
				select {
				case s.failedCh <- err:
				default:
				}
				return
			}
		}
	}
}

func (s *simSession) Stop(ctx context.Context) (Result, error) {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return Result{}, fmt.Errorf("simulated session not recording")
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	select {
	case <-s.doneCh:
	case <-ctx.Done():
		// Force close below; partial file stays valid.
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return Result{}, err
	}
	if err := s.file.Close(); err != nil {
		return Result{}, err
	}

	duration := time.Since(s.startedAt).Seconds()
	return Result{
		SizeBytes:       s.written,
		DurationSeconds: duration,
	}, nil
}

func (s *simSession) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("cannot abort a started session")
	}
	s.stopped = true
	s.file.Close()
	return os.Remove(s.path)
}

func (s *simSession) Failed() <-chan error {
	return s.failedCh
}

package camera

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// FixtureDriver is a deterministic in-test driver. Tests control detection,
// the bytes written, and can inject failures mid-recording.
type FixtureDriver struct {
	mu       sync.Mutex
	detected bool
	payload  []byte
	openErr  error
	sessions []*FixtureSession
}

// NewFixtureDriver builds a fixture that reports a detected camera and writes
// payload to the recording file on Stop.
func NewFixtureDriver(payload []byte) *FixtureDriver {
	return &FixtureDriver{detected: true, payload: payload}
}

// SetDetected controls what Detect reports.
func (d *FixtureDriver) SetDetected(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.detected = v
}

// FailOpen makes the next Open return err.
func (d *FixtureDriver) FailOpen(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErr = err
}

// LastSession returns the most recently opened session.
func (d *FixtureDriver) LastSession() *FixtureSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

func (d *FixtureDriver) Detect() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.detected
}

func (d *FixtureDriver) Model() string { return "fixture" }

func (d *FixtureDriver) Open(path string) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		err := d.openErr
		d.openErr = nil
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	s := &FixtureSession{
		path:     path,
		file:     f,
		payload:  d.payload,
		failedCh: make(chan error, 1),
	}
	d.sessions = append(d.sessions, s)
	return s, nil
}

// FixtureSession is the Session returned by FixtureDriver.
type FixtureSession struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	payload []byte

	started bool
	stopped bool
	stopErr error

	failedCh chan error
}

// InjectFailure simulates an asynchronous driver fault mid-recording.
func (s *FixtureSession) InjectFailure(err error) {
	select {
	case s.failedCh <- err:
	default:
	}
}

// FailStop makes Stop return err.
func (s *FixtureSession) FailStop(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopErr = err
}

func (s *FixtureSession) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("fixture session already started")
	}
	s.started = true
	return nil
}

func (s *FixtureSession) Stop(ctx context.Context) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stopped {
		return Result{}, fmt.Errorf("fixture session not recording")
	}
	s.stopped = true
	if s.stopErr != nil {
		s.file.Close()
		return Result{}, s.stopErr
	}
	if _, err := s.file.Write(s.payload); err != nil {
		return Result{}, err
	}
	if err := s.file.Close(); err != nil {
		return Result{}, err
	}
	return Result{
		SizeBytes:       int64(len(s.payload)),
		DurationSeconds: 1.0,
		TemperatureAvgC: 45.0,
		TemperatureMaxC: 48.5,
	}, nil
}

func (s *FixtureSession) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("cannot abort a started session")
	}
	s.stopped = true
	s.file.Close()
	return os.Remove(s.path)
}

func (s *FixtureSession) Failed() <-chan error {
	return s.failedCh
}

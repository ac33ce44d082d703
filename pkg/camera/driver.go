package camera

import (
	"context"
	"fmt"
)

// Result is the finalization summary the driver returns when a capture
// session is closed.
type Result struct {
	SizeBytes       int64
	DurationSeconds float64
	DroppedFrames   int64
	TemperatureAvgC float64
	TemperatureMaxC float64
}

// Session is one open capture writing to a single file. A session is opened
// by Driver.Open and terminated by exactly one of Start+Stop or Abort.
type Session interface {
	// Start begins writing frames to the file.
	Start() error

	// Stop flushes and closes the file. The driver may flush until the
	// context deadline, after which it is forcefully closed; the file stays
	// valid either way.
	Stop(ctx context.Context) (Result, error)

	// Abort discards the session and removes the file. Only valid before
	// Start.
	Abort() error

	// Failed delivers at most one asynchronous driver failure (device
	// disconnect, write error) occurring between Start and Stop.
	Failed() <-chan error
}

// Driver is the camera session contract. The hardware driver ships
// separately; this repo carries the simulated driver and a test fixture.
type Driver interface {
	// Detect reports whether camera hardware is present and usable.
	Detect() bool

	// Model returns a human-readable device description.
	Model() string

	// Open allocates a capture session writing to path. The file must exist
	// and be writable when Open returns.
	Open(path string) (Session, error)
}

// Settings carries the capture parameters handed to drivers.
type Settings struct {
	Width       int
	Height      int
	FPS         int
	Codec       string
	Container   string
	BitrateMbps float64
}

// New selects a driver implementation by name.
func New(name string, settings Settings) (Driver, error) {
	switch name {
	case "simulated", "":
		return NewSimulatedDriver(settings), nil
	default:
		return nil, fmt.Errorf("unknown camera driver %q", name)
	}
}

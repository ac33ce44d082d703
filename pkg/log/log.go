// Package log owns the process-wide zerolog root. Components derive child
// loggers scoped by component, node, session, or recording rather than
// logging through the root directly.
package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the root logger. Before Init it discards everything, which keeps
// package-level tests quiet.
var Logger zerolog.Logger

// Config holds logging configuration.
type Config struct {
	// Level is a zerolog level name ("debug", "info", "warn", "error");
	// anything unparseable falls back to info.
	Level string
	// JSONOutput selects machine-readable output; the default is the console
	// writer for humans at a terminal.
	JSONOutput bool
	// Output overrides the destination (stdout when nil).
	Output io.Writer
}

// Init configures the root logger once at process start.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// WithComponent derives a child logger for one long-lived component
// (recorder, coordinator, ingest, ...).
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNodeID derives a child logger tagged with this node's identity.
func WithNodeID(nodeID string) zerolog.Logger {
	return Logger.With().Str("node_id", nodeID).Logger()
}

// ForSession scopes a component logger to one recording session, so every
// line of an arm/start/stop cycle carries the session ID.
func ForSession(parent zerolog.Logger, sessionID string) zerolog.Logger {
	return parent.With().Str("session_id", sessionID).Logger()
}

// ForRecording scopes a component logger to one recording artifact through
// finalization and offload.
func ForRecording(parent zerolog.Logger, recordingID string) zerolog.Logger {
	return parent.With().Str("recording_id", recordingID).Logger()
}

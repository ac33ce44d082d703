/*
Package recorder implements the per-node recording lifecycle state machine.

The machine has five bounded states and drives the camera session driver
through them:

	IDLE ──arm(session_id)──► ARMED
	ARMED ──start────────────► RECORDING
	ARMED ──abort────────────► IDLE
	RECORDING ──stop─────────► FINALIZING
	RECORDING ──driver_fail──► ERROR
	FINALIZING ──ok──────────► IDLE    (recording emitted: LOCAL)
	FINALIZING ──fail────────► ERROR
	ERROR ──reset────────────► IDLE

# Two-phase start

arm validates the admission preconditions (camera present, free space above
the floor, clock offset within tolerance on slaves), reserves the recording
file, and opens the driver session. start then enters RECORDING without any
further checks, so a coordinator can arm the whole cluster first and fire the
starts near-simultaneously. A failed arm anywhere lets the coordinator abort
the peers that did arm.

# Serialization

All transitions are serialized under one mutex; only one transition runs at a
time. Status reads snapshot under the same mutex. Driver failures mid-
recording arrive on a watchdog goroutine and take the RECORDING -> ERROR
edge; a superseded watchdog (the session already stopped cleanly) is a no-op.

# Finalization

stop signals the driver, waits up to the configured grace for the flush, then
hashes the closed file with SHA-256, writes the manifest beside it, and emits
the Recording in LOCAL state through OnFinalized. The stop deadline comes
from configuration, never from the caller's request context: a stopped
recording is finalized even if the network call that requested it died.

Stop is idempotent per session: repeating it returns the already-finalized
recording and touches nothing.
*/
package recorder

package engine

import "fmt"

var (
	ErrRunNotFound      = fmt.Errorf("run not found")
	ErrSnapshotNotFound = fmt.Errorf("snapshot not found")

	// ErrSnapshotMismatch means the caller acted on a stale snapshot: the
	// run has advanced since the caller last observed it.
	ErrSnapshotMismatch = fmt.Errorf("snapshot is not the latest for the run")

	ErrInvalidTransition = fmt.Errorf("invalid execution status transition")

	// ErrNotTerminalStatus rejects completing an attempt with a status that
	// does not end the run.
	ErrNotTerminalStatus = fmt.Errorf("completion status is not terminal")

	// ErrHeartbeatLost means the liveness key already expired; the run is
	// subject to stall recovery and the worker must not continue.
	ErrHeartbeatLost = fmt.Errorf("heartbeat key expired")
)

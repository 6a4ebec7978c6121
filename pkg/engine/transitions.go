package engine

import "github.com/runlane/runlane/pkg/enums"

// transitions is the closed set of allowed execution status moves. Terminal
// statuses have no outgoing edges. EXECUTING and SUSPENDED move both ways;
// every other edge is one-directional. QUEUED edges from claimed statuses
// cover stall recovery.
var transitions = map[enums.RunExecutionStatus][]enums.RunExecutionStatus{
	enums.RunExecutionStatusQueued: {
		enums.RunExecutionStatusDequeuedForExecution,
		enums.RunExecutionStatusCancelled,
		enums.RunExecutionStatusExpired,
	},
	enums.RunExecutionStatusDequeuedForExecution: {
		enums.RunExecutionStatusExecuting,
		enums.RunExecutionStatusQueued,
		enums.RunExecutionStatusCancelled,
		enums.RunExecutionStatusSystemFailure,
	},
	enums.RunExecutionStatusExecuting: {
		enums.RunExecutionStatusSuspended,
		enums.RunExecutionStatusQueued,
		enums.RunExecutionStatusCompleted,
		enums.RunExecutionStatusFailed,
		enums.RunExecutionStatusCancelled,
		enums.RunExecutionStatusSystemFailure,
	},
	enums.RunExecutionStatusSuspended: {
		enums.RunExecutionStatusExecuting,
		enums.RunExecutionStatusCancelled,
		enums.RunExecutionStatusExpired,
		enums.RunExecutionStatusSystemFailure,
	},
}

// ValidTransition reports whether a run may move from one execution status
// to another.
func ValidTransition(from, to enums.RunExecutionStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

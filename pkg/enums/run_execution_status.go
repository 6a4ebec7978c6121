package enums

import "fmt"

// RunExecutionStatus is the lifecycle state recorded by each execution
// snapshot. A run's current status is its most recent snapshot's status.
type RunExecutionStatus int

const (
	RunExecutionStatusQueued RunExecutionStatus = iota
	RunExecutionStatusDequeuedForExecution
	RunExecutionStatusExecuting
	RunExecutionStatusSuspended
	RunExecutionStatusCompleted
	RunExecutionStatusFailed
	RunExecutionStatusCancelled
	RunExecutionStatusSystemFailure
	RunExecutionStatusExpired
)

func (s RunExecutionStatus) String() string {
	switch s {
	case RunExecutionStatusQueued:
		return "QUEUED"
	case RunExecutionStatusDequeuedForExecution:
		return "DEQUEUED_FOR_EXECUTION"
	case RunExecutionStatusExecuting:
		return "EXECUTING"
	case RunExecutionStatusSuspended:
		return "SUSPENDED"
	case RunExecutionStatusCompleted:
		return "COMPLETED"
	case RunExecutionStatusFailed:
		return "FAILED"
	case RunExecutionStatusCancelled:
		return "CANCELLED"
	case RunExecutionStatusSystemFailure:
		return "SYSTEM_FAILURE"
	case RunExecutionStatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

func RunExecutionStatusFromString(s string) (RunExecutionStatus, error) {
	switch s {
	case "QUEUED":
		return RunExecutionStatusQueued, nil
	case "DEQUEUED_FOR_EXECUTION":
		return RunExecutionStatusDequeuedForExecution, nil
	case "EXECUTING":
		return RunExecutionStatusExecuting, nil
	case "SUSPENDED":
		return RunExecutionStatusSuspended, nil
	case "COMPLETED":
		return RunExecutionStatusCompleted, nil
	case "FAILED":
		return RunExecutionStatusFailed, nil
	case "CANCELLED":
		return RunExecutionStatusCancelled, nil
	case "SYSTEM_FAILURE":
		return RunExecutionStatusSystemFailure, nil
	case "EXPIRED":
		return RunExecutionStatusExpired, nil
	default:
		return RunExecutionStatusQueued, fmt.Errorf("unknown run execution status: %q", s)
	}
}

// IsTerminal reports whether no further transitions are permitted out of s.
func (s RunExecutionStatus) IsTerminal() bool {
	switch s {
	case RunExecutionStatusCompleted,
		RunExecutionStatusFailed,
		RunExecutionStatusCancelled,
		RunExecutionStatusSystemFailure,
		RunExecutionStatusExpired:
		return true
	}
	return false
}

func (s RunExecutionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *RunExecutionStatus) UnmarshalText(b []byte) error {
	v, err := RunExecutionStatusFromString(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

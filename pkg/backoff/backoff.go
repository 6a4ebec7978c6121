package backoff

import "time"

const (
	// WorkerCallMaxAttempts bounds retries of worker-facing HTTP calls.
	WorkerCallMaxAttempts = 5

	workerCallMinInterval = 500 * time.Millisecond
	workerCallMaxInterval = 5 * time.Second
	workerCallFactor      = 2
)

type BackoffFunc func(attemptNum int) time.Duration

// WorkerCallBackoff returns the wait before attempt attemptNum (zero-based)
// of a worker-facing call: 500ms doubling up to a 5s cap, no jitter. Retries
// here are for HTTP-level failures only; application-level rejections are
// terminal and never reach this schedule.
func WorkerCallBackoff(attemptNum int) time.Duration {
	d := workerCallMinInterval
	for i := 0; i < attemptNum; i++ {
		d *= workerCallFactor
		if d >= workerCallMaxInterval {
			return workerCallMaxInterval
		}
	}
	return d
}

// GetLinearBackoffFunc returns a backoff function with a fixed interval
// between attempts.
func GetLinearBackoffFunc(interval time.Duration) BackoffFunc {
	return func(attemptNum int) time.Duration {
		return interval
	}
}

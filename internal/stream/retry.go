package stream

import "time"

// RetryPolicy bounds reconnection of the suggestion stream.
type RetryPolicy struct {
	MaxAttempts int           // Reconnects allowed after consecutive failures
	Delay       time.Duration // Fixed wait before each reconnect
}

// DefaultRetryPolicy allows 3 reconnects, 2 seconds apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Delay: 2 * time.Second}
}

// Next returns the delay before another reconnect given the reconnects
// already made since the last healthy connection, and false once the
// budget is spent.
func (p RetryPolicy) Next(attempts int) (time.Duration, bool) {
	if attempts >= p.MaxAttempts {
		return 0, false
	}
	return p.Delay, true
}

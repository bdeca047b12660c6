package camera

import "time"

// LongBackoffFactor multiplies Delay once MaxAttempts consecutive failures are reached.
const LongBackoffFactor = 5

// ReconnectPolicy decides how long to wait after a capture failure.
// The Capturer restarts its failure count after a successful read and also
// after each long wait, so the long wait recurs every MaxAttempts failures.
type ReconnectPolicy struct {
	// Delay is the wait after an ordinary failure.
	Delay time.Duration
	// MaxAttempts consecutive failures switch to the long wait.
	MaxAttempts int
}

// Backoff returns the wait after the given number of consecutive failures
// and whether it is the long wait.
func (p ReconnectPolicy) Backoff(failures int) (time.Duration, bool) {
	if p.MaxAttempts > 0 && failures >= p.MaxAttempts {
		return p.Delay * LongBackoffFactor, true
	}

	return p.Delay, false
}

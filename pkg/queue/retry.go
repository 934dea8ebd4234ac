package queue

import (
	"time"
)

// BackoffPolicy controls the delay inserted between automatic retry attempts
// of a failed transfer.
type BackoffPolicy struct {
	InitialDelay time.Duration `json:"initial_delay"`
	Factor       float64       `json:"backoff_factor"`
	MaxDelay     time.Duration `json:"max_delay"`
}

// DefaultBackoffPolicy returns the standard exponential policy.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		InitialDelay: time.Second,
		Factor:       2.0,
		MaxDelay:     30 * time.Second,
	}
}

// Delay calculates the wait before the next attempt. The first retry waits
// InitialDelay; each further retry multiplies by Factor up to MaxDelay.
func (p BackoffPolicy) Delay(retryCount int) time.Duration {
	delay := p.InitialDelay
	if delay <= 0 {
		delay = time.Second
	}
	for i := 1; i < retryCount; i++ {
		delay = time.Duration(float64(delay) * p.Factor)
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

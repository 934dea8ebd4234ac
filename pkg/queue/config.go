package queue

import (
	"errors"
	"time"
)

// Config holds the tuning knobs for one transfer queue. Queues are commonly
// small: remote servers in this domain are easily overwhelmed.
type Config struct {
	// ConcurrentLimit caps how many items may be in progress at once.
	ConcurrentLimit int `json:"concurrent_limit"`

	// MaxRetries is the default automatic retry budget for new items.
	MaxRetries int `json:"max_retries"`

	// Backoff controls the delay between automatic retries.
	Backoff BackoffPolicy `json:"backoff"`

	// MaxFinishedItems caps how many terminal items are retained for
	// history display before the oldest are evicted.
	MaxFinishedItems int `json:"max_finished_items"`

	// PollInterval is how often the dispatcher re-checks backoff deadlines
	// when no other work arrives.
	PollInterval time.Duration `json:"poll_interval"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ConcurrentLimit:  3,
		MaxRetries:       3,
		Backoff:          DefaultBackoffPolicy(),
		MaxFinishedItems: 100,
		PollInterval:     250 * time.Millisecond,
	}
}

// Validate checks if the configuration values are usable.
func (c Config) Validate() error {
	if c.ConcurrentLimit <= 0 {
		return errors.New("concurrent_limit must be positive")
	}
	if c.MaxRetries < 0 {
		return errors.New("max_retries cannot be negative")
	}
	if c.Backoff.InitialDelay < 0 {
		return errors.New("backoff initial_delay cannot be negative")
	}
	if c.Backoff.Factor < 1 {
		return errors.New("backoff_factor must be at least 1")
	}
	if c.MaxFinishedItems < 0 {
		return errors.New("max_finished_items cannot be negative")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll_interval must be positive")
	}
	return nil
}

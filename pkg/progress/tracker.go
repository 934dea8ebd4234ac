// Package progress derives transfer rates and completion estimates from byte
// progress samples. Consumers feed it observations; it never reaches into the
// queue's state.
package progress

import (
	"sync"
	"time"
)

// DefaultWindow is the sliding window over which rates are computed.
const DefaultWindow = 30 * time.Second

type sample struct {
	at    time.Time
	bytes int64
}

type itemTrack struct {
	total   int64
	samples []sample
}

// Tracker keeps a sliding window of progress samples per transfer item.
type Tracker struct {
	mu     sync.Mutex
	window time.Duration
	items  map[string]*itemTrack
}

// NewTracker creates a tracker with the given rate window; zero or negative
// means DefaultWindow.
func NewTracker(window time.Duration) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{window: window, items: make(map[string]*itemTrack)}
}

// Observe records that the item has transferred bytes of total so far.
func (t *Tracker) Observe(id string, bytes, total int64) {
	t.observeAt(id, bytes, total, time.Now())
}

func (t *Tracker) observeAt(id string, bytes, total int64, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	it, ok := t.items[id]
	if !ok {
		it = &itemTrack{}
		t.items[id] = it
	}
	it.total = total
	it.samples = append(it.samples, sample{at: at, bytes: bytes})

	cutoff := at.Add(-t.window)
	for len(it.samples) > 1 && it.samples[0].at.Before(cutoff) {
		it.samples = it.samples[1:]
	}
}

// Rate returns the item's transfer rate in bytes per second over the window.
// It is zero until two samples exist.
func (t *Tracker) Rate(id string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rateLocked(id)
}

func (t *Tracker) rateLocked(id string) float64 {
	it, ok := t.items[id]
	if !ok || len(it.samples) < 2 {
		return 0
	}
	first := it.samples[0]
	last := it.samples[len(it.samples)-1]
	elapsed := last.at.Sub(first.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(last.bytes-first.bytes) / elapsed
}

// ETA estimates the remaining transfer time for the item. Zero when the rate
// is unknown or the item is complete.
func (t *Tracker) ETA(id string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	it, ok := t.items[id]
	if !ok {
		return 0
	}
	rate := t.rateLocked(id)
	if rate <= 0 {
		return 0
	}
	last := it.samples[len(it.samples)-1]
	remaining := it.total - last.bytes
	if remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining)/rate) * time.Second
}

// Forget drops all samples for the item.
func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.items, id)
}

// Summary aggregates progress across all tracked items.
type Summary struct {
	Items          int     `json:"items"`
	TotalBytes     int64   `json:"total_bytes"`
	ProcessedBytes int64   `json:"processed_bytes"`
	AggregateRate  float64 `json:"aggregate_rate"` // bytes per second
}

// Summarize returns the aggregate view over every tracked item.
func (t *Tracker) Summarize() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	var s Summary
	for id, it := range t.items {
		s.Items++
		s.TotalBytes += it.total
		if len(it.samples) > 0 {
			s.ProcessedBytes += it.samples[len(it.samples)-1].bytes
		}
		s.AggregateRate += t.rateLocked(id)
	}
	return s
}

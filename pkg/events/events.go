package events

import (
	"sync"
)

// Event is a marker interface for events emitted by the engine. It uses an
// unexported method so that only types embedding Base can satisfy it,
// providing compile-time safety for the closed event set.
type Event interface {
	isEvent()
}

// Base can be embedded in concrete event types to satisfy the Event interface.
type Base struct{}

func (Base) isEvent() {}

// TransferEventType identifies a transfer lifecycle event.
type TransferEventType int

const (
	TransferQueued TransferEventType = iota
	TransferStarted
	TransferProgressed
	TransferPaused
	TransferResumed
	TransferCompleted
	TransferFailed
	TransferCancelled
)

// String returns a human-readable name for the event type.
func (t TransferEventType) String() string {
	switch t {
	case TransferQueued:
		return "queued"
	case TransferStarted:
		return "started"
	case TransferProgressed:
		return "progressed"
	case TransferPaused:
		return "paused"
	case TransferResumed:
		return "resumed"
	case TransferCompleted:
		return "completed"
	case TransferFailed:
		return "failed"
	case TransferCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// TransferEvent reports a change to a single transfer item.
type TransferEvent struct {
	Base
	Type     TransferEventType
	ItemID   string
	Name     string
	Progress float64 // 0-1 fraction at the time of the event
	Bytes    int64   // bytes processed at the time of the event
	Err      string  // set for TransferFailed
	Terminal bool    // for TransferFailed: true once no automatic retry remains
}

// DriveEventType identifies a virtual drive lifecycle event.
type DriveEventType int

const (
	DriveMounted DriveEventType = iota
	DriveUnmounted
	DriveSynced
	DriveError
)

// String returns a human-readable name for the event type.
func (t DriveEventType) String() string {
	switch t {
	case DriveMounted:
		return "mounted"
	case DriveUnmounted:
		return "unmounted"
	case DriveSynced:
		return "synced"
	case DriveError:
		return "error"
	default:
		return "unknown"
	}
}

// DriveEvent reports a change to a virtual drive.
type DriveEvent struct {
	Base
	Type    DriveEventType
	DriveID string
	Name    string
	Err     string // set for DriveError
	Queued  int    // for DriveSynced: number of transfers enqueued
}

// DeviceEventType identifies a discovery event.
type DeviceEventType int

const (
	DeviceFound DeviceEventType = iota
	DeviceLost
)

// String returns a human-readable name for the event type.
func (t DeviceEventType) String() string {
	switch t {
	case DeviceFound:
		return "found"
	case DeviceLost:
		return "lost"
	default:
		return "unknown"
	}
}

// DeviceEvent reports a discovered or lost network device.
type DeviceEvent struct {
	Base
	Type     DeviceEventType
	DeviceID string
	Addr     string
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event, so consumers that need a full picture
// should read snapshots from the owning service instead.
type Bus struct {
	mu     sync.RWMutex
	subs   []chan Event
	buffer int
	closed bool
}

// NewBus creates a Bus whose subscriber channels hold up to buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{buffer: buffer}
}

// Subscribe registers a new subscriber channel. The channel is closed when the
// bus is closed.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers an event to every subscriber that has buffer space.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

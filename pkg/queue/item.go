package queue

import (
	"time"

	"github.com/fjordlab/netdrive/pkg/connector"
)

// Direction indicates which way a transfer moves bytes.
type Direction int

const (
	// DirectionUpload copies a local file to the remote endpoint.
	DirectionUpload Direction = iota
	// DirectionDownload copies a remote file to the local filesystem.
	DirectionDownload
)

// String returns a human-readable direction name.
func (d Direction) String() string {
	switch d {
	case DirectionUpload:
		return "upload"
	case DirectionDownload:
		return "download"
	default:
		return "unknown"
	}
}

// Priority orders items in the dispatch queue. Higher values dispatch first;
// equal priorities preserve creation order.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns a human-readable priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Status represents the current state of a transfer item.
type Status int

const (
	// StatusQueued indicates the item is waiting for a worker slot.
	StatusQueued Status = iota
	// StatusInProgress indicates a connector operation is running for the item.
	StatusInProgress
	// StatusPaused indicates the item was paused and will not dispatch.
	StatusPaused
	// StatusCompleted indicates the transfer finished successfully.
	StatusCompleted
	// StatusFailed indicates the last attempt failed. The item may still be
	// awaiting an automatic retry; see TransferItem.AwaitingRetry.
	StatusFailed
	// StatusCancelled indicates the transfer was cancelled by the user.
	StatusCancelled
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusInProgress:
		return "in_progress"
	case StatusPaused:
		return "paused"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// CanTransitionTo checks whether a state transition is valid. Failed is not
// terminal here: it may re-enter queued on retry. Completed and cancelled
// never transition.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusInProgress || next == StatusPaused || next == StatusCancelled
	case StatusInProgress:
		return next == StatusPaused || next == StatusCompleted ||
			next == StatusFailed || next == StatusCancelled
	case StatusPaused:
		return next == StatusQueued || next == StatusCancelled
	case StatusFailed:
		return next == StatusQueued || next == StatusCancelled
	default:
		return false
	}
}

// TransferItem is the unit of work the queue schedules. All fields are
// mutated only by the queue; callers observe copies.
type TransferItem struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	LocalPath  string            `json:"local_path"`
	RemotePath string            `json:"remote_path"`
	Direction  Direction         `json:"direction"`
	Priority   Priority          `json:"priority"`
	Status     Status            `json:"status"`

	TotalBytes     int64   `json:"total_bytes"`
	ProcessedBytes int64   `json:"processed_bytes"`
	Progress       float64 `json:"progress"` // fraction in [0,1]

	ErrorMessage string         `json:"error_message,omitempty"`
	ErrorKind    connector.Kind `json:"error_kind,omitempty"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`

	Checksum string            `json:"checksum,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	LastAttempt time.Time `json:"last_attempt,omitzero"`

	// notBefore is the backoff deadline before an automatic retry may
	// dispatch. Zero means the item is immediately eligible.
	notBefore time.Time
	// autoRetry marks a failed item that re-enters the queue once notBefore
	// passes.
	autoRetry bool
	// pausing marks an in-progress item whose cancellation should land in
	// paused rather than cancelled.
	pausing bool
}

// setProgress records processed bytes, keeping progress monotonically
// non-decreasing while the item is in progress.
func (it *TransferItem) setProgress(processed int64) {
	if processed < it.ProcessedBytes {
		return
	}
	if it.TotalBytes > 0 && processed > it.TotalBytes {
		processed = it.TotalBytes
	}
	it.ProcessedBytes = processed
	if it.TotalBytes > 0 {
		it.Progress = float64(processed) / float64(it.TotalBytes)
		if it.Progress > 1 {
			it.Progress = 1
		}
	}
}

// AwaitingRetry reports whether the item is failed but will automatically
// re-enter the queue, so a UI can show it as actionable rather than terminal.
func (it *TransferItem) AwaitingRetry() bool {
	return it.Status == StatusFailed && it.autoRetry
}

// Terminal reports whether the item will never dispatch again without user
// action.
func (it *TransferItem) Terminal() bool {
	switch it.Status {
	case StatusCompleted, StatusCancelled:
		return true
	case StatusFailed:
		return !it.autoRetry
	default:
		return false
	}
}

// clone returns a deep copy safe to hand to external observers.
func (it *TransferItem) clone() TransferItem {
	cp := *it
	if it.Metadata != nil {
		cp.Metadata = make(map[string]string, len(it.Metadata))
		for k, v := range it.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

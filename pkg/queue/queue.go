// Package queue implements the transfer queue: the single authoritative
// ordering and dispatch of transfer items against a protocol session. All
// item mutation flows through queue methods; external callers only ever see
// snapshots.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fjordlab/netdrive/pkg/connector"
	"github.com/fjordlab/netdrive/pkg/events"
	"github.com/fjordlab/netdrive/pkg/fileinfo"
	"github.com/fjordlab/netdrive/pkg/progress"
)

var (
	// ErrItemNotFound is returned when a requested item doesn't exist.
	ErrItemNotFound = errors.New("transfer item not found")
	// ErrInvalidTransition is returned when an operation is not valid for
	// the item's current status.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrItemInProgress is returned when removing an item that must be
	// cancelled first.
	ErrItemInProgress = errors.New("transfer item is in progress")
	// ErrQueueStopped is returned when enqueueing on a stopped queue.
	ErrQueueStopped = errors.New("queue is stopped")
)

// SessionProvider hands the queue a live session for each transfer attempt.
// The session remains owned by the provider; the queue never closes it.
type SessionProvider interface {
	Session(ctx context.Context) (connector.Session, error)
}

// Request describes a transfer to enqueue.
type Request struct {
	Name       string
	LocalPath  string
	RemotePath string
	Direction  Direction
	Priority   Priority
	TotalBytes int64
	Checksum   string
	Metadata   map[string]string

	// MaxRetries overrides the queue default when positive; negative means
	// no automatic retries; zero means use the default.
	MaxRetries int
}

// TransferQueue schedules transfer items against one session provider under
// a concurrency cap, ordered by (priority desc, creation asc).
type TransferQueue struct {
	cfg      Config
	provider SessionProvider
	bus      *events.Bus
	tracker  *progress.Tracker

	mu      sync.Mutex
	items   map[string]*TransferItem
	seq     map[string]uint64
	nextSeq uint64
	cancels map[string]context.CancelFunc

	wake    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// New creates a queue. The bus and tracker may be shared across queues; the
// provider is typically the owning drive's connection.
func New(provider SessionProvider, bus *events.Bus, tracker *progress.Tracker, cfg Config) (*TransferQueue, error) {
	if provider == nil {
		return nil, errors.New("session provider cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if bus == nil {
		bus = events.NewBus(0)
	}
	if tracker == nil {
		tracker = progress.NewTracker(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &TransferQueue{
		cfg:      cfg,
		provider: provider,
		bus:      bus,
		tracker:  tracker,
		items:    make(map[string]*TransferItem),
		seq:      make(map[string]uint64),
		cancels:  make(map[string]context.CancelFunc),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start launches the dispatch loop. Calling Start twice is a no-op.
func (q *TransferQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopped {
		return
	}
	q.started = true
	q.wg.Add(1)
	go q.dispatchLoop()
}

// Stop cancels in-flight transfers and waits for the dispatch loop and all
// workers to exit.
func (q *TransferQueue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

// Enqueue adds a transfer request to the pending set. It returns a snapshot
// of the created item and never starts the transfer itself.
func (q *TransferQueue) Enqueue(req Request) (TransferItem, error) {
	name := req.Name
	if name == "" {
		if req.Direction == DirectionUpload {
			name = filepath.Base(req.LocalPath)
		} else {
			name = filepath.Base(req.RemotePath)
		}
	}

	maxRetries := q.cfg.MaxRetries
	if req.MaxRetries > 0 {
		maxRetries = req.MaxRetries
	} else if req.MaxRetries < 0 {
		maxRetries = 0
	}

	item := &TransferItem{
		ID:         uuid.New().String(),
		Name:       name,
		LocalPath:  req.LocalPath,
		RemotePath: req.RemotePath,
		Direction:  req.Direction,
		Priority:   req.Priority,
		Status:     StatusQueued,
		TotalBytes: req.TotalBytes,
		MaxRetries: maxRetries,
		Checksum:   req.Checksum,
		Metadata:   req.Metadata,
		CreatedAt:  time.Now(),
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return TransferItem{}, ErrQueueStopped
	}
	q.items[item.ID] = item
	q.seq[item.ID] = q.nextSeq
	q.nextSeq++
	snapshot := item.clone()
	q.mu.Unlock()

	q.bus.Publish(events.TransferEvent{Type: events.TransferQueued, ItemID: item.ID, Name: name})
	q.kick()
	return snapshot, nil
}

// Item returns a snapshot of one item.
func (q *TransferQueue) Item(id string) (TransferItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return TransferItem{}, false
	}
	return it.clone(), true
}

// Items returns snapshots of all items in creation order.
func (q *TransferQueue) Items() []TransferItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]TransferItem, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, it.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return q.seq[out[i].ID] < q.seq[out[j].ID]
	})
	return out
}

// ActiveCount returns the number of in-progress items.
func (q *TransferQueue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.cancels)
}

// Cancel stops an item. Queued, paused and failed items are cancelled
// synchronously; an in-progress item is cancelled cooperatively at its next
// progress checkpoint. Already-transferred bytes are not rolled back.
func (q *TransferQueue) Cancel(id string) error {
	q.mu.Lock()
	it, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return ErrItemNotFound
	}

	switch it.Status {
	case StatusInProgress:
		cancel := q.cancels[id]
		q.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	case StatusQueued, StatusPaused, StatusFailed:
		q.setStatusLocked(it, StatusCancelled)
		it.autoRetry = false
		q.mu.Unlock()
		q.bus.Publish(events.TransferEvent{Type: events.TransferCancelled, ItemID: id, Name: it.Name})
		q.kick()
		return nil
	default:
		q.mu.Unlock()
		return ErrInvalidTransition
	}
}

// Retry manually requeues a failed item. Progress and the error are reset;
// the retry count is preserved so the automatic budget is never refreshed by
// user action.
func (q *TransferQueue) Retry(id string) error {
	q.mu.Lock()
	it, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return ErrItemNotFound
	}
	if it.Status != StatusFailed {
		q.mu.Unlock()
		return ErrInvalidTransition
	}

	q.setStatusLocked(it, StatusQueued)
	it.Progress = 0
	it.ProcessedBytes = 0
	it.ErrorMessage = ""
	it.autoRetry = false
	it.notBefore = time.Time{}
	q.mu.Unlock()

	q.bus.Publish(events.TransferEvent{Type: events.TransferQueued, ItemID: id, Name: it.Name})
	q.kick()
	return nil
}

// Remove deletes an item from the queue. In-progress items must be cancelled
// first.
func (q *TransferQueue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.items[id]
	if !ok {
		return ErrItemNotFound
	}
	if it.Status == StatusInProgress {
		return ErrItemInProgress
	}
	delete(q.items, id)
	delete(q.seq, id)
	q.tracker.Forget(id)
	return nil
}

// Pause takes an item out of dispatch. A queued item pauses immediately; an
// in-progress item pauses at its next progress checkpoint.
func (q *TransferQueue) Pause(id string) error {
	q.mu.Lock()
	it, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return ErrItemNotFound
	}

	switch it.Status {
	case StatusQueued:
		q.setStatusLocked(it, StatusPaused)
		q.mu.Unlock()
		q.bus.Publish(events.TransferEvent{Type: events.TransferPaused, ItemID: id, Name: it.Name})
		return nil
	case StatusInProgress:
		it.pausing = true
		cancel := q.cancels[id]
		q.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	default:
		q.mu.Unlock()
		return ErrInvalidTransition
	}
}

// Resume puts a paused item back into the pending set.
func (q *TransferQueue) Resume(id string) error {
	q.mu.Lock()
	it, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return ErrItemNotFound
	}
	if it.Status != StatusPaused {
		q.mu.Unlock()
		return ErrInvalidTransition
	}
	q.setStatusLocked(it, StatusQueued)
	q.mu.Unlock()

	q.bus.Publish(events.TransferEvent{Type: events.TransferResumed, ItemID: id, Name: it.Name})
	q.kick()
	return nil
}

// setStatusLocked applies a status change through the item state machine. A
// refused transition indicates a scheduling bug; it is logged and the item is
// left untouched rather than forced into an impossible state.
func (q *TransferQueue) setStatusLocked(it *TransferItem, next Status) bool {
	if !it.Status.CanTransitionTo(next) {
		slog.Warn("refusing invalid status transition",
			"item", it.ID, "from", it.Status.String(), "to", next.String())
		return false
	}
	it.Status = next
	return true
}

// kick nudges the dispatch loop without blocking.
func (q *TransferQueue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop is the perpetual scheduler. It wakes on queue changes and on
// a poll tick so backoff deadlines are honored without per-item timers.
func (q *TransferQueue) dispatchLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		q.dispatchReady()
		select {
		case <-q.ctx.Done():
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// dispatchReady promotes due retries and fills free worker slots with the
// highest-priority, oldest queued items.
func (q *TransferQueue) dispatchReady() {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, it := range q.items {
		if it.Status == StatusFailed && it.autoRetry && !it.notBefore.After(now) {
			q.setStatusLocked(it, StatusQueued)
			it.autoRetry = false
			it.Progress = 0
			it.ProcessedBytes = 0
		}
	}

	for len(q.cancels) < q.cfg.ConcurrentLimit {
		next := q.nextQueuedLocked()
		if next == nil {
			return
		}
		q.setStatusLocked(next, StatusInProgress)
		next.LastAttempt = now

		ctx, cancel := context.WithCancel(q.ctx)
		q.cancels[next.ID] = cancel
		q.wg.Add(1)
		go q.runWorker(ctx, next.ID, next.Direction, next.LocalPath, next.RemotePath, next.Checksum)

		q.bus.Publish(events.TransferEvent{Type: events.TransferStarted, ItemID: next.ID, Name: next.Name})
	}
}

// nextQueuedLocked selects the queued item with the highest priority,
// breaking ties by enqueue order. Priority never reorders items that have
// already started.
func (q *TransferQueue) nextQueuedLocked() *TransferItem {
	var best *TransferItem
	var bestSeq uint64
	for id, it := range q.items {
		if it.Status != StatusQueued {
			continue
		}
		s := q.seq[id]
		if best == nil || it.Priority > best.Priority ||
			(it.Priority == best.Priority && s < bestSeq) {
			best = it
			bestSeq = s
		}
	}
	return best
}

// runWorker executes one transfer attempt and reports back to the queue.
func (q *TransferQueue) runWorker(ctx context.Context, id string, dir Direction, localPath, remotePath, checksum string) {
	defer q.wg.Done()

	sess, err := q.provider.Session(ctx)
	if err == nil {
		sink := func(b int64) { q.onProgress(id, b) }
		switch dir {
		case DirectionUpload:
			err = sess.Upload(ctx, localPath, remotePath, sink)
		case DirectionDownload:
			err = sess.Download(ctx, remotePath, localPath, sink)
		}
	}

	// Optional post-transfer verification. A mismatch is a distinct
	// terminal failure; it does not consume a retry and is never retried
	// automatically.
	if err == nil && dir == DirectionDownload && checksum != "" {
		ok, verr := fileinfo.Verify(localPath, checksum)
		switch {
		case verr != nil:
			err = &connector.Error{Kind: connector.KindIO, Op: "verify checksum", Err: verr}
		case !ok:
			err = &connector.Error{Kind: connector.KindIntegrity, Op: "verify checksum",
				Err: errors.New("checksum mismatch after transfer")}
		}
	}

	q.finish(id, err)
}

// onProgress is the only path by which a running connector operation touches
// item state; it updates bytes, progress and the tracker.
func (q *TransferQueue) onProgress(id string, bytes int64) {
	q.mu.Lock()
	it, ok := q.items[id]
	if !ok || it.Status != StatusInProgress {
		q.mu.Unlock()
		return
	}
	it.setProgress(bytes)
	it.LastAttempt = time.Now()
	snapshot := it.clone()
	q.mu.Unlock()

	q.tracker.Observe(id, snapshot.ProcessedBytes, snapshot.TotalBytes)
	q.bus.Publish(events.TransferEvent{
		Type:     events.TransferProgressed,
		ItemID:   id,
		Name:     snapshot.Name,
		Progress: snapshot.Progress,
		Bytes:    snapshot.ProcessedBytes,
	})
}

// finish settles an attempt's outcome: completion, pause, cancellation, a
// scheduled automatic retry, or terminal failure. One item's failure never
// stops the loop from dispatching others.
func (q *TransferQueue) finish(id string, err error) {
	q.mu.Lock()
	it, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(q.cancels, id)

	// The flag is scoped to the attempt that was asked to pause. An attempt
	// may end with a non-cancelled error instead, and a later cancellation
	// must not be misread as that old pause.
	pausing := it.pausing
	it.pausing = false

	var ev events.TransferEvent
	switch {
	case err == nil:
		q.setStatusLocked(it, StatusCompleted)
		it.setProgress(it.TotalBytes)
		it.Progress = 1
		it.ErrorMessage = ""
		ev = events.TransferEvent{Type: events.TransferCompleted, ItemID: id, Name: it.Name, Progress: 1, Bytes: it.ProcessedBytes}

	case connector.IsCancelled(err) && pausing:
		q.setStatusLocked(it, StatusPaused)
		ev = events.TransferEvent{Type: events.TransferPaused, ItemID: id, Name: it.Name, Progress: it.Progress, Bytes: it.ProcessedBytes}

	case connector.IsCancelled(err):
		q.setStatusLocked(it, StatusCancelled)
		ev = events.TransferEvent{Type: events.TransferCancelled, ItemID: id, Name: it.Name, Progress: it.Progress, Bytes: it.ProcessedBytes}

	default:
		kind := connector.KindOf(err)
		q.setStatusLocked(it, StatusFailed)
		it.ErrorMessage = err.Error()
		it.ErrorKind = kind

		if kind != connector.KindIntegrity && connector.IsTransient(err) && it.RetryCount < it.MaxRetries {
			it.RetryCount++
			delay := q.cfg.Backoff.Delay(it.RetryCount)
			it.notBefore = time.Now().Add(delay)
			it.autoRetry = true
			slog.Info("scheduled automatic retry",
				"item", id, "name", it.Name, "retry_count", it.RetryCount, "delay", delay)
		} else {
			it.autoRetry = false
			slog.Warn("transfer failed",
				"item", id, "name", it.Name, "kind", kind.String(), "error", err)
		}
		ev = events.TransferEvent{
			Type: events.TransferFailed, ItemID: id, Name: it.Name,
			Progress: it.Progress, Bytes: it.ProcessedBytes,
			Err: it.ErrorMessage, Terminal: !it.autoRetry,
		}
	}

	q.evictFinishedLocked()
	q.mu.Unlock()

	q.tracker.Forget(id)
	q.bus.Publish(ev)
	q.kick()
}

// evictFinishedLocked drops the oldest terminal items beyond the retention
// cap so the history display stays bounded.
func (q *TransferQueue) evictFinishedLocked() {
	if q.cfg.MaxFinishedItems <= 0 {
		return
	}

	type finished struct {
		id  string
		seq uint64
	}
	var done []finished
	for id, it := range q.items {
		if it.Terminal() {
			done = append(done, finished{id: id, seq: q.seq[id]})
		}
	}
	if len(done) <= q.cfg.MaxFinishedItems {
		return
	}

	sort.Slice(done, func(i, j int) bool { return done[i].seq < done[j].seq })
	for _, f := range done[:len(done)-q.cfg.MaxFinishedItems] {
		delete(q.items, f.id)
		delete(q.seq, f.id)
	}
}

package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fjordlab/netdrive/pkg/connector"
	"github.com/fjordlab/netdrive/pkg/events"
)

// fakeSession is a controllable in-memory session. The script decides each
// attempt's outcome; block, when set, holds transfers until it is closed or
// the context is cancelled.
type fakeSession struct {
	mu       sync.Mutex
	order    []string
	attempts map[string]int

	script  func(remotePath string, attempt int) error
	block   chan struct{}
	emit    []int64 // cumulative byte counts pushed through the sink
	payload []byte  // written to the local path on download

	// firstInterruptErr, when set, is returned if the first blocked attempt
	// is interrupted, standing in for a connector that hits a network
	// failure before it notices the context.
	firstInterruptErr error
}

func newFakeSession() *fakeSession {
	return &fakeSession{attempts: make(map[string]int)}
}

func (f *fakeSession) List(ctx context.Context, remotePath string) ([]connector.RemoteEntry, error) {
	return nil, nil
}

func (f *fakeSession) Upload(ctx context.Context, localPath, remotePath string, sink connector.ProgressSink) error {
	return f.run(ctx, remotePath, "", sink)
}

func (f *fakeSession) Download(ctx context.Context, remotePath, localPath string, sink connector.ProgressSink) error {
	return f.run(ctx, remotePath, localPath, sink)
}

func (f *fakeSession) Close() error { return nil }

func (f *fakeSession) run(ctx context.Context, remotePath, localPath string, sink connector.ProgressSink) error {
	f.mu.Lock()
	f.order = append(f.order, remotePath)
	f.attempts[remotePath]++
	attempt := f.attempts[remotePath]
	script := f.script
	block := f.block
	emit := f.emit
	payload := f.payload
	interruptErr := f.firstInterruptErr
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			if interruptErr != nil && attempt == 1 {
				return interruptErr
			}
			return &connector.Error{Kind: connector.KindCancelled, Op: "fake transfer", Err: ctx.Err()}
		}
	}
	if sink != nil {
		for _, b := range emit {
			sink(b)
		}
	}
	if script != nil {
		if err := script(remotePath, attempt); err != nil {
			return err
		}
	}
	if localPath != "" && payload != nil {
		if err := os.WriteFile(localPath, payload, 0644); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSession) dispatchOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func (f *fakeSession) attemptCount(remotePath string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[remotePath]
}

type fakeProvider struct {
	sess connector.Session
	err  error
}

func (p *fakeProvider) Session(ctx context.Context) (connector.Session, error) {
	return p.sess, p.err
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.ConcurrentLimit = 1
	cfg.Backoff = BackoffPolicy{InitialDelay: 5 * time.Millisecond, Factor: 2.0, MaxDelay: 50 * time.Millisecond}
	cfg.PollInterval = 5 * time.Millisecond
	return cfg
}

func newTestQueue(t *testing.T, sess connector.Session, cfg Config) (*TransferQueue, *events.Bus) {
	t.Helper()
	bus := events.NewBus(256)
	q, err := New(&fakeProvider{sess: sess}, bus, nil, cfg)
	require.NoError(t, err)
	t.Cleanup(q.Stop)
	return q, bus
}

func connError() error {
	return &connector.Error{Kind: connector.KindConnection, Op: "fake transfer", Err: errors.New("connection reset")}
}

func TestEnqueueDoesNotStartTransfer(t *testing.T) {
	sess := newFakeSession()
	q, _ := newTestQueue(t, sess, fastConfig())

	item, err := q.Enqueue(Request{RemotePath: "a.txt", Direction: DirectionDownload})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, item.Status)
	assert.Equal(t, "a.txt", item.Name)

	// The queue has not been started; nothing may dispatch.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, sess.attemptCount("a.txt"))
}

func TestDispatchOrderByPriority(t *testing.T) {
	sess := newFakeSession()
	q, _ := newTestQueue(t, sess, fastConfig())

	// Created in order low, high, normal with a single worker slot.
	_, err := q.Enqueue(Request{RemotePath: "low.txt", Direction: DirectionDownload, Priority: PriorityLow})
	require.NoError(t, err)
	_, err = q.Enqueue(Request{RemotePath: "high.txt", Direction: DirectionDownload, Priority: PriorityHigh})
	require.NoError(t, err)
	_, err = q.Enqueue(Request{RemotePath: "normal.txt", Direction: DirectionDownload, Priority: PriorityNormal})
	require.NoError(t, err)

	q.Start()

	require.Eventually(t, func() bool {
		for _, it := range q.Items() {
			if it.Status != StatusCompleted {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"high.txt", "normal.txt", "low.txt"}, sess.dispatchOrder())
}

func TestEqualPriorityPreservesCreationOrder(t *testing.T) {
	sess := newFakeSession()
	q, _ := newTestQueue(t, sess, fastConfig())

	for _, name := range []string{"first", "second", "third"} {
		_, err := q.Enqueue(Request{RemotePath: name, Direction: DirectionDownload, Priority: PriorityNormal})
		require.NoError(t, err)
	}
	q.Start()

	require.Eventually(t, func() bool {
		return len(sess.dispatchOrder()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"first", "second", "third"}, sess.dispatchOrder())
}

func TestConcurrentLimitRespected(t *testing.T) {
	sess := newFakeSession()
	sess.block = make(chan struct{})

	cfg := fastConfig()
	cfg.ConcurrentLimit = 2
	q, _ := newTestQueue(t, sess, cfg)

	for _, name := range []string{"a", "b", "c", "d"} {
		_, err := q.Enqueue(Request{RemotePath: name, Direction: DirectionDownload})
		require.NoError(t, err)
	}
	q.Start()

	require.Eventually(t, func() bool {
		return q.ActiveCount() == 2
	}, 2*time.Second, 5*time.Millisecond)

	// The cap holds while workers are blocked.
	for i := 0; i < 10; i++ {
		assert.LessOrEqual(t, q.ActiveCount(), 2)
		time.Sleep(5 * time.Millisecond)
	}

	close(sess.block)
	require.Eventually(t, func() bool {
		for _, it := range q.Items() {
			if it.Status != StatusCompleted {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTransientFailureRetriesUntilExhausted(t *testing.T) {
	sess := newFakeSession()
	sess.script = func(string, int) error { return connError() }

	cfg := fastConfig()
	cfg.MaxRetries = 2
	q, _ := newTestQueue(t, sess, cfg)
	q.Start()

	item, err := q.Enqueue(Request{RemotePath: "flaky.txt", Direction: DirectionDownload})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		it, ok := q.Item(item.ID)
		return ok && it.Status == StatusFailed && it.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	it, _ := q.Item(item.ID)
	assert.Equal(t, 2, it.RetryCount)
	assert.Equal(t, connector.KindConnection, it.ErrorKind)
	assert.NotEmpty(t, it.ErrorMessage)
	// Initial attempt plus two retries.
	assert.Equal(t, 3, sess.attemptCount("flaky.txt"))
}

func TestTransientFailureRecoversOnRetry(t *testing.T) {
	sess := newFakeSession()
	sess.script = func(_ string, attempt int) error {
		if attempt == 1 {
			return connError()
		}
		return nil
	}

	cfg := fastConfig()
	cfg.MaxRetries = 2
	q, _ := newTestQueue(t, sess, cfg)
	q.Start()

	item, err := q.Enqueue(Request{RemotePath: "flaky.txt", Direction: DirectionDownload})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		it, ok := q.Item(item.ID)
		return ok && it.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	it, _ := q.Item(item.ID)
	assert.Equal(t, 1, it.RetryCount)
	assert.Equal(t, 1.0, it.Progress)
}

func TestAuthFailureIsNotRetried(t *testing.T) {
	sess := newFakeSession()
	sess.script = func(string, int) error {
		return &connector.Error{Kind: connector.KindAuth, Op: "fake transfer", Err: errors.New("530 login incorrect")}
	}

	q, _ := newTestQueue(t, sess, fastConfig())
	q.Start()

	item, err := q.Enqueue(Request{RemotePath: "secret.txt", Direction: DirectionDownload})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		it, ok := q.Item(item.ID)
		return ok && it.Status == StatusFailed && it.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	it, _ := q.Item(item.ID)
	assert.Equal(t, 0, it.RetryCount)
	assert.Equal(t, connector.KindAuth, it.ErrorKind)
	assert.Equal(t, 1, sess.attemptCount("secret.txt"))
}

func TestCancelQueuedIsImmediate(t *testing.T) {
	sess := newFakeSession()
	sess.block = make(chan struct{})
	defer close(sess.block)

	q, _ := newTestQueue(t, sess, fastConfig())
	q.Start()

	first, err := q.Enqueue(Request{RemotePath: "busy.txt", Direction: DirectionDownload})
	require.NoError(t, err)
	second, err := q.Enqueue(Request{RemotePath: "waiting.txt", Direction: DirectionDownload})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		it, ok := q.Item(first.ID)
		return ok && it.Status == StatusInProgress
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, q.Cancel(second.ID))

	// Synchronous for queued items: visible immediately.
	it, ok := q.Item(second.ID)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, it.Status)
	assert.Equal(t, 0, sess.attemptCount("waiting.txt"))
}

func TestCancelInProgressIsCooperative(t *testing.T) {
	sess := newFakeSession()
	sess.block = make(chan struct{})

	q, _ := newTestQueue(t, sess, fastConfig())
	q.Start()

	item, err := q.Enqueue(Request{RemotePath: "big.bin", Direction: DirectionDownload})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		it, ok := q.Item(item.ID)
		return ok && it.Status == StatusInProgress
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, q.Cancel(item.ID))

	require.Eventually(t, func() bool {
		it, ok := q.Item(item.ID)
		return ok && it.Status == StatusCancelled
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, q.ActiveCount())
}

func TestPauseAndResume(t *testing.T) {
	sess := newFakeSession()
	block := make(chan struct{})
	sess.block = block

	q, _ := newTestQueue(t, sess, fastConfig())
	q.Start()

	item, err := q.Enqueue(Request{RemotePath: "slow.bin", Direction: DirectionDownload})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		it, ok := q.Item(item.ID)
		return ok && it.Status == StatusInProgress
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, q.Pause(item.ID))
	require.Eventually(t, func() bool {
		it, ok := q.Item(item.ID)
		return ok && it.Status == StatusPaused
	}, 2*time.Second, 5*time.Millisecond)

	// Unblock the session so the resumed attempt runs through.
	close(block)

	require.NoError(t, q.Resume(item.ID))
	require.Eventually(t, func() bool {
		it, ok := q.Item(item.ID)
		return ok && it.Status == StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, sess.attemptCount("slow.bin"))
}

func TestCancelAfterPauseEndsInFailure(t *testing.T) {
	sess := newFakeSession()
	sess.block = make(chan struct{})
	sess.firstInterruptErr = connError()

	cfg := fastConfig()
	cfg.MaxRetries = 3
	q, _ := newTestQueue(t, sess, cfg)
	q.Start()

	item, err := q.Enqueue(Request{RemotePath: "flappy.bin", Direction: DirectionDownload})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		it, ok := q.Item(item.ID)
		return ok && it.Status == StatusInProgress
	}, 2*time.Second, 5*time.Millisecond)

	// The pause is answered with a connection error, so the item lands in
	// failed awaiting retry rather than paused.
	require.NoError(t, q.Pause(item.ID))
	require.Eventually(t, func() bool {
		it, ok := q.Item(item.ID)
		return ok && it.Status == StatusInProgress && it.RetryCount == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Cancelling the retry attempt must land in cancelled; the stale pause
	// request from the first attempt does not apply to it.
	require.NoError(t, q.Cancel(item.ID))
	require.Eventually(t, func() bool {
		it, ok := q.Item(item.ID)
		return ok && it.Status == StatusCancelled
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, sess.attemptCount("flappy.bin"))
}

func TestSetStatusRefusesInvalidTransition(t *testing.T) {
	sess := newFakeSession()
	q, _ := newTestQueue(t, sess, fastConfig())

	it := &TransferItem{ID: "x", Status: StatusCompleted}
	assert.False(t, q.setStatusLocked(it, StatusQueued))
	assert.Equal(t, StatusCompleted, it.Status, "refused transitions leave the item untouched")

	it.Status = StatusQueued
	assert.True(t, q.setStatusLocked(it, StatusInProgress))
	assert.Equal(t, StatusInProgress, it.Status)
}

func TestManualRetryPreservesRetryCount(t *testing.T) {
	sess := newFakeSession()
	sess.script = func(string, int) error { return connError() }

	cfg := fastConfig()
	cfg.MaxRetries = 1
	q, _ := newTestQueue(t, sess, cfg)
	q.Start()

	item, err := q.Enqueue(Request{RemotePath: "doomed.txt", Direction: DirectionDownload})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		it, ok := q.Item(item.ID)
		return ok && it.Status == StatusFailed && it.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	before, _ := q.Item(item.ID)
	require.Equal(t, 1, before.RetryCount)

	require.NoError(t, q.Retry(item.ID))

	// The retry budget is exhausted, so the next failure is terminal at once.
	require.Eventually(t, func() bool {
		it, ok := q.Item(item.ID)
		return ok && it.Status == StatusFailed && it.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	after, _ := q.Item(item.ID)
	assert.Equal(t, 1, after.RetryCount)
}

func TestRetryOnlyValidForFailedItems(t *testing.T) {
	sess := newFakeSession()
	q, _ := newTestQueue(t, sess, fastConfig())
	q.Start()

	item, err := q.Enqueue(Request{RemotePath: "ok.txt", Direction: DirectionDownload})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		it, ok := q.Item(item.ID)
		return ok && it.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, q.Retry(item.ID), ErrInvalidTransition)
	assert.ErrorIs(t, q.Retry("missing"), ErrItemNotFound)
}

func TestRemoveRules(t *testing.T) {
	sess := newFakeSession()
	sess.block = make(chan struct{})

	q, _ := newTestQueue(t, sess, fastConfig())
	q.Start()

	item, err := q.Enqueue(Request{RemotePath: "pinned.bin", Direction: DirectionDownload})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		it, ok := q.Item(item.ID)
		return ok && it.Status == StatusInProgress
	}, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, q.Remove(item.ID), ErrItemInProgress)

	close(sess.block)
	require.Eventually(t, func() bool {
		it, ok := q.Item(item.ID)
		return ok && it.Status == StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, q.Remove(item.ID))
	_, ok := q.Item(item.ID)
	assert.False(t, ok)
}

func TestChecksumMismatchIsTerminalIntegrityFailure(t *testing.T) {
	sess := newFakeSession()
	sess.payload = []byte("actual content")

	q, _ := newTestQueue(t, sess, fastConfig())
	q.Start()

	local := filepath.Join(t.TempDir(), "out.txt")
	wrong := sha256.Sum256([]byte("expected content"))

	item, err := q.Enqueue(Request{
		RemotePath: "file.txt",
		LocalPath:  local,
		Direction:  DirectionDownload,
		Checksum:   hex.EncodeToString(wrong[:]),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		it, ok := q.Item(item.ID)
		return ok && it.Status == StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	it, _ := q.Item(item.ID)
	assert.Equal(t, connector.KindIntegrity, it.ErrorKind)
	assert.True(t, it.Terminal(), "integrity failures are never auto-retried")
	assert.Equal(t, 0, it.RetryCount, "integrity failures do not consume a retry")
	assert.Equal(t, 1, sess.attemptCount("file.txt"))
}

func TestChecksumMatchCompletes(t *testing.T) {
	sess := newFakeSession()
	sess.payload = []byte("actual content")

	q, _ := newTestQueue(t, sess, fastConfig())
	q.Start()

	local := filepath.Join(t.TempDir(), "out.txt")
	sum := sha256.Sum256([]byte("actual content"))

	item, err := q.Enqueue(Request{
		RemotePath: "file.txt",
		LocalPath:  local,
		Direction:  DirectionDownload,
		Checksum:   hex.EncodeToString(sum[:]),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		it, ok := q.Item(item.ID)
		return ok && it.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProgressEventsAreMonotonic(t *testing.T) {
	sess := newFakeSession()
	sess.emit = []int64{100, 50, 150, 200} // the regression must be swallowed

	q, bus := newTestQueue(t, sess, fastConfig())
	sub := bus.Subscribe()
	q.Start()

	item, err := q.Enqueue(Request{RemotePath: "file.txt", Direction: DirectionDownload, TotalBytes: 200})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		it, ok := q.Item(item.ID)
		return ok && it.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	var last float64
	for {
		select {
		case ev := <-sub:
			te, ok := ev.(events.TransferEvent)
			if !ok || te.Type != events.TransferProgressed {
				continue
			}
			require.GreaterOrEqual(t, te.Progress, last, "progress event went backwards")
			require.LessOrEqual(t, te.Progress, 1.0)
			last = te.Progress
		default:
			return
		}
	}
}

func TestFinishedItemEviction(t *testing.T) {
	sess := newFakeSession()

	cfg := fastConfig()
	cfg.MaxFinishedItems = 2
	q, _ := newTestQueue(t, sess, cfg)
	q.Start()

	for _, name := range []string{"a", "b", "c", "d", "e"} {
		_, err := q.Enqueue(Request{RemotePath: name, Direction: DirectionDownload})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		items := q.Items()
		if len(items) != 2 {
			return false
		}
		for _, it := range items {
			if it.Status != StatusCompleted {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	// The newest finished items survive.
	items := q.Items()
	assert.Equal(t, "d", items[0].Name)
	assert.Equal(t, "e", items[1].Name)
}

func TestSessionProviderFailureFailsItem(t *testing.T) {
	bus := events.NewBus(64)
	provider := &fakeProvider{err: &connector.Error{
		Kind: connector.KindConnection, Op: "drive session", Err: errors.New("drive is offline"),
	}}

	cfg := fastConfig()
	cfg.MaxRetries = 0
	q, err := New(provider, bus, nil, cfg)
	require.NoError(t, err)
	t.Cleanup(q.Stop)
	q.Start()

	item, err := q.Enqueue(Request{RemotePath: "x", Direction: DirectionDownload})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		it, ok := q.Item(item.ID)
		return ok && it.Status == StatusFailed && it.Terminal()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEnqueueAfterStopRejected(t *testing.T) {
	sess := newFakeSession()
	bus := events.NewBus(64)
	q, err := New(&fakeProvider{sess: sess}, bus, nil, fastConfig())
	require.NoError(t, err)

	q.Start()
	q.Stop()

	_, err = q.Enqueue(Request{RemotePath: "late.txt", Direction: DirectionDownload})
	assert.ErrorIs(t, err, ErrQueueStopped)
}

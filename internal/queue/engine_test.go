package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agsys/edge-sync/internal/command"
	"github.com/agsys/edge-sync/internal/storage"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setupQueue(t *testing.T) (*Engine, *storage.DB, *testClock) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "queue-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(db, Options{Now: clock.Now}, zerolog.Nop()), db, clock
}

func enqueue(t *testing.T, e *Engine, device string, priority, maxRetries int) string {
	t.Helper()
	id, err := e.Enqueue(context.Background(), &command.Command{
		DeviceID:   device,
		Kind:       command.KindDeviceControl,
		Priority:   priority,
		MaxRetries: maxRetries,
	})
	require.NoError(t, err)
	return id
}

func TestDequeueReadyOrdersByPriorityThenAge(t *testing.T) {
	e, _, clock := setupQueue(t)
	ctx := context.Background()

	var ids []string
	for _, p := range []int{5, 1, 5, 3} {
		ids = append(ids, enqueue(t, e, "dev", p, 3))
		clock.Advance(time.Millisecond)
	}

	ready, err := e.DequeueReady(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ready, 4)
	assert.Equal(t, []string{ids[0], ids[2], ids[3], ids[1]},
		[]string{ready[0].ID, ready[1].ID, ready[2].ID, ready[3].ID})

	limited, err := e.DequeueReady(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	// Read-only: nothing changed state
	counts, err := e.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, counts[command.StatusPending])
}

func TestDequeueReadySkipsScheduledAndNonPending(t *testing.T) {
	e, _, clock := setupQueue(t)
	ctx := context.Background()

	future := clock.Now().Add(time.Hour)
	_, err := e.Enqueue(ctx, &command.Command{
		DeviceID: "dev", Kind: "x", MaxRetries: 1, ScheduledAt: &future,
	})
	require.NoError(t, err)

	sent := enqueue(t, e, "dev", 0, 1)
	require.NoError(t, e.MarkSent(ctx, sent))

	ready, err := e.DequeueReady(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ready)

	clock.Advance(2 * time.Hour)
	ready, err = e.DequeueReady(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, ready, 1)
}

func TestEnqueueValidation(t *testing.T) {
	e, _, _ := setupQueue(t)
	ctx := context.Background()

	_, err := e.Enqueue(ctx, &command.Command{DeviceID: "dev", Kind: "x", MaxRetries: -1})
	assert.ErrorIs(t, err, ErrInvalidCommand)

	_, err = e.Enqueue(ctx, &command.Command{Kind: "x"})
	assert.ErrorIs(t, err, ErrInvalidCommand)

	id, err := e.Enqueue(ctx, &command.Command{DeviceID: "dev", Kind: "x", Status: command.StatusCompleted, RetryCount: 7})
	require.NoError(t, err)
	c, err := e.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, command.StatusPending, c.Status)
	assert.Zero(t, c.RetryCount)
	assert.False(t, c.CreatedAt.IsZero())

	_, err = e.Enqueue(ctx, &command.Command{ID: id, DeviceID: "dev", Kind: "x"})
	assert.ErrorIs(t, err, ErrInvalidCommand)
}

func TestEnqueueHookFires(t *testing.T) {
	e, _, _ := setupQueue(t)
	fired := make(chan struct{}, 1)
	e.SetEnqueueHook(func() { fired <- struct{}{} })

	enqueue(t, e, "dev", 0, 0)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("enqueue hook did not fire")
	}
}

func TestMarkFailedRespectsMaxRetries(t *testing.T) {
	e, _, _ := setupQueue(t)
	ctx := context.Background()
	id := enqueue(t, e, "dev", 0, 2)

	for i := 0; i < 5; i++ {
		require.NoError(t, e.MarkSent(ctx, id))
		require.NoError(t, e.MarkFailed(ctx, id, errors.New("boom")))

		c, err := e.Get(ctx, id)
		require.NoError(t, err)
		assert.LessOrEqual(t, c.RetryCount, c.MaxRetries)
		if !c.RetryEligible() {
			break
		}
		require.NoError(t, e.Retry(ctx, id))
	}

	c, err := e.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, command.StatusFailed, c.Status)
	assert.Equal(t, 2, c.RetryCount)
	require.NotNil(t, c.ErrorMessage)
	assert.Equal(t, "boom", *c.ErrorMessage)

	err = e.Retry(ctx, id)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	eligible, err := e.RetryEligible(ctx)
	require.NoError(t, err)
	assert.Empty(t, eligible)
}

func TestZeroMaxRetriesNeverRetries(t *testing.T) {
	e, _, _ := setupQueue(t)
	ctx := context.Background()
	id := enqueue(t, e, "dev", 0, 0)

	require.NoError(t, e.MarkSent(ctx, id))
	require.NoError(t, e.MarkFailed(ctx, id, errors.New("nope")))

	c, err := e.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, c.RetryCount)
	assert.False(t, c.RetryEligible())
}

func TestMarkFailedPermanently(t *testing.T) {
	e, _, _ := setupQueue(t)
	ctx := context.Background()
	id := enqueue(t, e, "dev", 0, 5)

	require.NoError(t, e.MarkSent(ctx, id))
	require.NoError(t, e.MarkFailedPermanently(ctx, id, errors.New("permission denied")))

	c, err := e.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 5, c.RetryCount)
	assert.False(t, c.RetryEligible())
}

func TestMarkCompletedIsIdempotent(t *testing.T) {
	e, _, clock := setupQueue(t)
	ctx := context.Background()
	id := enqueue(t, e, "dev", 0, 3)

	err := e.MarkCompleted(ctx, id, "ok")
	assert.ErrorIs(t, err, ErrInvalidTransition, "pending commands cannot complete")

	require.NoError(t, e.MarkSent(ctx, id))
	require.NoError(t, e.MarkCompleted(ctx, id, "ok"))
	first, err := e.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, first.CompletedAt)

	clock.Advance(time.Minute)
	require.NoError(t, e.MarkCompleted(ctx, id, "again"))
	second, err := e.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first.CompletedAt.UnixNano(), second.CompletedAt.UnixNano())
	assert.Equal(t, "ok", *second.Result)
}

func TestMarkSentSingleClaimer(t *testing.T) {
	e, _, _ := setupQueue(t)
	ctx := context.Background()
	id := enqueue(t, e, "dev", 0, 3)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.MarkSent(ctx, id); err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
}

func TestSweepExpiredIgnoresStatus(t *testing.T) {
	e, _, clock := setupQueue(t)
	ctx := context.Background()
	expiry := clock.Now().Add(time.Minute)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := e.Enqueue(ctx, &command.Command{DeviceID: "dev", Kind: "x", MaxRetries: 1, ExpiresAt: &expiry})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, e.MarkSent(ctx, ids[1]))
	require.NoError(t, e.MarkSent(ctx, ids[2]))
	require.NoError(t, e.MarkCompleted(ctx, ids[2], ""))
	keep := enqueue(t, e, "dev", 0, 1)

	n, err := e.SweepExpired(ctx, clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = e.SweepExpired(ctx, expiry.Add(time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	_, err = e.Get(ctx, keep)
	assert.NoError(t, err)
	_, err = e.Get(ctx, ids[0])
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRetentionSweep(t *testing.T) {
	e, _, clock := setupQueue(t)
	ctx := context.Background()

	done := enqueue(t, e, "dev", 0, 1)
	require.NoError(t, e.MarkSent(ctx, done))
	require.NoError(t, e.MarkCompleted(ctx, done, ""))
	failed := enqueue(t, e, "dev", 0, 0)
	require.NoError(t, e.MarkSent(ctx, failed))
	require.NoError(t, e.MarkFailed(ctx, failed, errors.New("x")))

	clock.Advance(8 * 24 * time.Hour)
	n, err := e.RetentionSweep(ctx, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = e.Get(ctx, failed)
	assert.NoError(t, err, "failed commands are not swept by retention")
}

func TestCancel(t *testing.T) {
	e, _, _ := setupQueue(t)
	ctx := context.Background()
	id := enqueue(t, e, "dev", 0, 1)

	require.NoError(t, e.Cancel(ctx, id))
	require.NoError(t, e.Cancel(ctx, id))
	c, err := e.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, command.StatusCancelled, c.Status)

	assert.ErrorIs(t, e.MarkSent(ctx, id), ErrInvalidTransition)
	assert.ErrorIs(t, e.Cancel(ctx, "missing"), ErrNotFound)
}

func TestCancelAllForDevice(t *testing.T) {
	e, _, _ := setupQueue(t)
	ctx := context.Background()
	enqueue(t, e, "a", 0, 1)
	enqueue(t, e, "a", 0, 1)
	other := enqueue(t, e, "b", 0, 1)

	n, err := e.CancelAllForDevice(ctx, "a")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = e.CancelAllForDevice(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, n)

	c, err := e.Get(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, command.StatusPending, c.Status)
}

func TestBacklogCountsRetryEligible(t *testing.T) {
	e, _, _ := setupQueue(t)
	ctx := context.Background()
	enqueue(t, e, "dev", 0, 1)
	f := enqueue(t, e, "dev", 0, 2)
	require.NoError(t, e.MarkSent(ctx, f))
	require.NoError(t, e.MarkFailed(ctx, f, errors.New("x")))

	n, err := e.Backlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	moved, err := e.RequeueEligible(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
	c, err := e.Get(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, command.StatusPending, c.Status)
	assert.Equal(t, 1, c.RetryCount, "requeue does not consume a retry")
}

type brokenStore struct {
	*storage.DB
	err error
}

func (b *brokenStore) UpdateCommand(context.Context, *command.Command, command.Status) error {
	return b.err
}

func (b *brokenStore) InsertCommand(context.Context, *command.Command) error {
	return b.err
}

func TestStorageFailuresAreTyped(t *testing.T) {
	good, db, _ := setupQueue(t)
	ctx := context.Background()
	id := enqueue(t, good, "dev", 0, 1)

	bad := New(&brokenStore{DB: db, err: errors.New("disk full")}, Options{}, zerolog.Nop())

	err := bad.MarkSent(ctx, id)
	require.Error(t, err)
	assert.True(t, IsStorageError(err))

	_, err = bad.Enqueue(ctx, &command.Command{DeviceID: "dev", Kind: "x"})
	assert.True(t, IsStorageError(err))

	// The failed write left the record untouched
	c, err := good.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, command.StatusPending, c.Status)
}

func TestRecoverStaleRedeliversInterruptedDispatch(t *testing.T) {
	e, _, clock := setupQueue(t)
	ctx := context.Background()
	stale := enqueue(t, e, "dev", 0, 3)
	spent := enqueue(t, e, "dev", 0, 0)
	require.NoError(t, e.MarkSent(ctx, stale))
	require.NoError(t, e.MarkSent(ctx, spent))

	clock.Advance(10 * time.Second)
	fresh := enqueue(t, e, "dev", 0, 3)
	require.NoError(t, e.MarkSent(ctx, fresh))

	n, err := e.Backlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "sent commands are part of the backlog")

	n, err = e.RecoverStale(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	c, err := e.Get(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, command.StatusFailed, c.Status)
	assert.Equal(t, 1, c.RetryCount)
	require.NotNil(t, c.ErrorMessage)
	assert.Equal(t, ErrInterrupted.Error(), *c.ErrorMessage)

	c, err = e.Get(ctx, spent)
	require.NoError(t, err)
	assert.Equal(t, command.StatusFailed, c.Status)
	assert.False(t, c.RetryEligible(), "no retries left to redeliver with")

	c, err = e.Get(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, command.StatusSent, c.Status, "a recent dispatch may still be in flight")

	moved, err := e.RequeueEligible(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
	ready, err := e.DequeueReady(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, stale, ready[0].ID)

	// Zero recovers everything still sent
	n, err = e.RecoverStale(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	c, err = e.Get(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, command.StatusFailed, c.Status)
}

// Package queue implements the durable, prioritized device command queue.
// It only manipulates command records; it never talks to devices.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agsys/edge-sync/internal/command"
	"github.com/agsys/edge-sync/internal/storage"
)

// DefaultRetention is how long completed and cancelled commands are kept
const DefaultRetention = 7 * 24 * time.Hour

// compare-and-set attempts before giving up on a contended command
const maxCASAttempts = 5

// Store is the durable command store the queue runs on
type Store interface {
	InsertCommand(ctx context.Context, c *command.Command) error
	GetCommand(ctx context.Context, id string) (*command.Command, error)
	UpdateCommand(ctx context.Context, c *command.Command, expect command.Status) error
	DeleteCommandsForDevice(ctx context.Context, deviceID string) (int64, error)
	CancelCommandsForDevice(ctx context.Context, deviceID string, at time.Time) (int64, error)
	QueryCommands(ctx context.Context, q storage.CommandQuery) ([]*command.Command, error)
	CountCommandsByStatus(ctx context.Context) (map[command.Status]int, error)
	CountRetryEligible(ctx context.Context) (int, error)
	DeleteExpiredCommands(ctx context.Context, now time.Time) (int64, error)
	DeleteTerminalCommandsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Options tune the engine
type Options struct {
	// RetryDelay postpones a retried command's scheduledAt. Zero means
	// retried commands are ready on the next pass.
	RetryDelay time.Duration
	// Now overrides the clock
	Now func() time.Time
}

// Engine is the command queue
type Engine struct {
	store      Store
	log        zerolog.Logger
	now        func() time.Time
	retryDelay time.Duration
	onEnqueue  func()
}

// New creates a queue engine over store
func New(store Store, opts Options, log zerolog.Logger) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:      store,
		log:        log.With().Str("component", "queue").Logger(),
		now:        now,
		retryDelay: opts.RetryDelay,
	}
}

// SetEnqueueHook registers fn to run after every successful enqueue.
// fn runs on its own goroutine.
func (e *Engine) SetEnqueueHook(fn func()) {
	e.onEnqueue = fn
}

// Enqueue validates and persists a new pending command, returning its id
func (e *Engine) Enqueue(ctx context.Context, c *command.Command) (string, error) {
	if c == nil {
		return "", fmt.Errorf("%w: nil command", ErrInvalidCommand)
	}
	if c.DeviceID == "" {
		return "", fmt.Errorf("%w: device id is required", ErrInvalidCommand)
	}
	if c.Kind == "" {
		return "", fmt.Errorf("%w: kind is required", ErrInvalidCommand)
	}
	if c.MaxRetries < 0 {
		return "", fmt.Errorf("%w: maxRetries must be >= 0, got %d", ErrInvalidCommand, c.MaxRetries)
	}

	rec := c.Clone()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Parameters == nil {
		rec.Parameters = command.NewParams()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = e.now()
	}
	rec.Status = command.StatusPending
	rec.RetryCount = 0
	rec.SentAt = nil
	rec.CompletedAt = nil
	rec.Result = nil
	rec.ErrorMessage = nil

	if err := e.store.InsertCommand(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return "", fmt.Errorf("%w: %v", ErrInvalidCommand, err)
		}
		return "", &StorageError{Op: "enqueue", ID: rec.ID, Err: err}
	}

	e.log.Debug().Str("command_id", rec.ID).Str("device_id", rec.DeviceID).
		Str("kind", rec.Kind).Int("priority", rec.Priority).Msg("command enqueued")

	if hook := e.onEnqueue; hook != nil {
		go hook()
	}
	return rec.ID, nil
}

// DequeueReady returns up to limit pending commands that are due, highest
// priority first and oldest first within a priority. It does not change
// any state.
func (e *Engine) DequeueReady(ctx context.Context, limit int) ([]*command.Command, error) {
	if limit <= 0 {
		return nil, nil
	}
	cmds, err := e.store.QueryCommands(ctx, storage.CommandQuery{
		Statuses: []command.Status{command.StatusPending},
		ReadyAt:  e.now(),
		Limit:    limit,
	})
	if err != nil {
		return nil, &StorageError{Op: "dequeue", Err: err}
	}
	return cmds, nil
}

// MarkSent claims a pending command for dispatch. Only one caller can win
// the claim; the others get ErrInvalidTransition.
func (e *Engine) MarkSent(ctx context.Context, id string) error {
	_, err := e.transition(ctx, "mark sent", id, func(c *command.Command) (bool, error) {
		if c.Status != command.StatusPending {
			return false, fmt.Errorf("%w: %s is %s, want pending", ErrInvalidTransition, id, c.Status)
		}
		c.Status = command.StatusSent
		c.SentAt = command.TimePtr(e.now())
		return true, nil
	})
	return err
}

// MarkCompleted records a successful delivery. Completing an already
// completed command changes nothing.
func (e *Engine) MarkCompleted(ctx context.Context, id string, result string) error {
	_, err := e.transition(ctx, "mark completed", id, func(c *command.Command) (bool, error) {
		switch c.Status {
		case command.StatusCompleted:
			return false, nil
		case command.StatusSent:
		default:
			return false, fmt.Errorf("%w: %s is %s, want sent", ErrInvalidTransition, id, c.Status)
		}
		c.Status = command.StatusCompleted
		c.CompletedAt = command.TimePtr(e.now())
		if result != "" {
			c.Result = command.StringPtr(result)
		}
		c.ErrorMessage = nil
		return true, nil
	})
	return err
}

// MarkFailed records a failed delivery attempt and consumes one retry.
// RetryCount never exceeds MaxRetries.
func (e *Engine) MarkFailed(ctx context.Context, id string, cause error) error {
	return e.markFailed(ctx, "mark failed", id, cause, false)
}

// MarkFailedPermanently records a failure that must not be retried
func (e *Engine) MarkFailedPermanently(ctx context.Context, id string, cause error) error {
	return e.markFailed(ctx, "mark failed permanently", id, cause, true)
}

func (e *Engine) markFailed(ctx context.Context, op, id string, cause error, permanent bool) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	c, err := e.transition(ctx, op, id, func(c *command.Command) (bool, error) {
		if c.Status != command.StatusPending && c.Status != command.StatusSent {
			return false, fmt.Errorf("%w: %s is %s, want pending or sent", ErrInvalidTransition, id, c.Status)
		}
		c.Status = command.StatusFailed
		c.ErrorMessage = command.StringPtr(msg)
		switch {
		case permanent:
			c.RetryCount = c.MaxRetries
		case c.RetryCount < c.MaxRetries:
			c.RetryCount++
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	e.log.Debug().Str("command_id", id).Int("retry_count", c.RetryCount).
		Int("max_retries", c.MaxRetries).Str("err", msg).Msg("command failed")
	return nil
}

// Retry returns a retry-eligible failed command to pending. It does not
// touch RetryCount; only recorded failures consume retries.
func (e *Engine) Retry(ctx context.Context, id string) error {
	_, err := e.transition(ctx, "retry", id, func(c *command.Command) (bool, error) {
		if !c.RetryEligible() {
			return false, fmt.Errorf("%w: %s is %s with %d/%d retries", ErrInvalidTransition,
				id, c.Status, c.RetryCount, c.MaxRetries)
		}
		c.Status = command.StatusPending
		if e.retryDelay > 0 {
			c.ScheduledAt = command.TimePtr(e.now().Add(e.retryDelay))
		}
		return true, nil
	})
	return err
}

// RetryEligible lists failed commands that still have retries left
func (e *Engine) RetryEligible(ctx context.Context) ([]*command.Command, error) {
	failed, err := e.store.QueryCommands(ctx, storage.CommandQuery{
		Statuses: []command.Status{command.StatusFailed},
	})
	if err != nil {
		return nil, &StorageError{Op: "retry eligible", Err: err}
	}
	out := failed[:0]
	for _, c := range failed {
		if c.RetryEligible() {
			out = append(out, c)
		}
	}
	return out, nil
}

// RequeueEligible moves every retry-eligible command back to pending and
// returns how many moved.
func (e *Engine) RequeueEligible(ctx context.Context) (int, error) {
	eligible, err := e.RetryEligible(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range eligible {
		if err := e.Retry(ctx, c.ID); err != nil {
			if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// ErrInterrupted is recorded on a sent command whose outcome was never
// written, typically because the process stopped mid-dispatch.
var ErrInterrupted = errors.New("dispatch interrupted before its outcome was recorded")

// RecoverStale fails every command that has been sent for longer than
// olderThan, consuming one retry, so the next requeue redelivers it.
// Zero recovers every sent command. Delivery is at least once: the device
// may have acted on the first attempt.
func (e *Engine) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	sent, err := e.store.QueryCommands(ctx, storage.CommandQuery{
		Statuses: []command.Status{command.StatusSent},
	})
	if err != nil {
		return 0, &StorageError{Op: "recover stale", Err: err}
	}
	cutoff := e.now().Add(-olderThan)
	n := 0
	for _, c := range sent {
		if c.SentAt != nil && c.SentAt.After(cutoff) {
			continue
		}
		_, err := e.transition(ctx, "recover stale", c.ID, func(c *command.Command) (bool, error) {
			if c.Status != command.StatusSent {
				return false, nil
			}
			if c.SentAt != nil && c.SentAt.After(cutoff) {
				return false, nil
			}
			c.Status = command.StatusFailed
			c.ErrorMessage = command.StringPtr(ErrInterrupted.Error())
			if c.RetryCount < c.MaxRetries {
				c.RetryCount++
			}
			return true, nil
		})
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return n, err
		}
		n++
	}
	if n > 0 {
		e.log.Warn().Int("count", n).Msg("interrupted dispatches recovered")
	}
	return n, nil
}

// Cancel forces a command to cancelled. Cancelling twice is a no-op.
// A command already handed to a transport is not recalled.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	_, err := e.transition(ctx, "cancel", id, func(c *command.Command) (bool, error) {
		if c.Status == command.StatusCancelled {
			return false, nil
		}
		c.Status = command.StatusCancelled
		return true, nil
	})
	return err
}

// CancelAllForDevice cancels every command addressed to deviceID
func (e *Engine) CancelAllForDevice(ctx context.Context, deviceID string) (int64, error) {
	n, err := e.store.CancelCommandsForDevice(ctx, deviceID, e.now())
	if err != nil {
		return 0, &StorageError{Op: "cancel all", ID: deviceID, Err: err}
	}
	return n, nil
}

// PurgeDevice deletes every command addressed to deviceID
func (e *Engine) PurgeDevice(ctx context.Context, deviceID string) (int64, error) {
	n, err := e.store.DeleteCommandsForDevice(ctx, deviceID)
	if err != nil {
		return 0, &StorageError{Op: "purge", ID: deviceID, Err: err}
	}
	return n, nil
}

// SweepExpired deletes every command whose expiry is before now, whatever
// its status.
func (e *Engine) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	n, err := e.store.DeleteExpiredCommands(ctx, now)
	if err != nil {
		return 0, &StorageError{Op: "sweep expired", Err: err}
	}
	if n > 0 {
		e.log.Info().Int64("count", n).Msg("expired commands removed")
	}
	return n, nil
}

// RetentionSweep deletes completed and cancelled commands older than
// olderThan. A non-positive value uses DefaultRetention.
func (e *Engine) RetentionSweep(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = DefaultRetention
	}
	n, err := e.store.DeleteTerminalCommandsBefore(ctx, e.now().Add(-olderThan))
	if err != nil {
		return 0, &StorageError{Op: "retention sweep", Err: err}
	}
	return n, nil
}

// Get returns a command by id
func (e *Engine) Get(ctx context.Context, id string) (*command.Command, error) {
	c, err := e.store.GetCommand(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, &StorageError{Op: "get", ID: id, Err: err}
	}
	return c, nil
}

// List returns commands matching q
func (e *Engine) List(ctx context.Context, q storage.CommandQuery) ([]*command.Command, error) {
	cmds, err := e.store.QueryCommands(ctx, q)
	if err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}
	return cmds, nil
}

// Counts returns the number of commands per status
func (e *Engine) Counts(ctx context.Context) (map[command.Status]int, error) {
	counts, err := e.store.CountCommandsByStatus(ctx)
	if err != nil {
		return nil, &StorageError{Op: "counts", Err: err}
	}
	return counts, nil
}

// Backlog is the number of commands a sync pass would try to deliver.
// Sent commands count because an interrupted dispatch is redelivered.
func (e *Engine) Backlog(ctx context.Context) (int, error) {
	counts, err := e.Counts(ctx)
	if err != nil {
		return 0, err
	}
	eligible, err := e.store.CountRetryEligible(ctx)
	if err != nil {
		return 0, &StorageError{Op: "backlog", Err: err}
	}
	return counts[command.StatusPending] + counts[command.StatusSent] + eligible, nil
}

// transition applies fn to a fresh copy of the command and writes it back
// with a compare-and-set on the status it was read in. fn returning false
// means no write is needed.
func (e *Engine) transition(ctx context.Context, op, id string,
	fn func(c *command.Command) (bool, error)) (*command.Command, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := e.store.GetCommand(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return nil, &StorageError{Op: op, ID: id, Err: err}
		}

		next := cur.Clone()
		changed, err := fn(next)
		if err != nil {
			return nil, err
		}
		if !changed {
			return cur, nil
		}

		err = e.store.UpdateCommand(ctx, next, cur.Status)
		switch {
		case err == nil:
			return next, nil
		case errors.Is(err, storage.ErrConflict):
			continue
		case errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		default:
			return nil, &StorageError{Op: op, ID: id, Err: err}
		}
	}
	return nil, &StorageError{Op: op, ID: id, Err: storage.ErrConflict}
}

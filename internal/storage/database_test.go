package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agsys/edge-sync/internal/command"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "edge-sync-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newCommand(id, device string, priority int, created time.Time) *command.Command {
	return &command.Command{
		ID:         id,
		DeviceID:   device,
		Kind:       command.KindDeviceControl,
		Parameters: command.NewParams().Set("command", command.String("ping")),
		Priority:   priority,
		Status:     command.StatusPending,
		MaxRetries: 3,
		CreatedAt:  created,
	}
}

func TestInsertAndGetCommand(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	c := newCommand("c1", "pump-1", 2, now)
	c.ExpiresAt = command.TimePtr(now.Add(time.Hour))
	require.NoError(t, db.InsertCommand(ctx, c))

	got, err := db.GetCommand(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "pump-1", got.DeviceID)
	assert.Equal(t, command.StatusPending, got.Status)
	assert.Equal(t, now.UnixNano(), got.CreatedAt.UnixNano())
	require.NotNil(t, got.ExpiresAt)
	assert.Nil(t, got.SentAt)
	assert.Equal(t, "ping", got.Name())

	err = db.InsertCommand(ctx, c)
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = db.GetCommand(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueryCommandsOrdering(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Now()

	// Same timestamp for all: insertion order breaks ties
	for i, p := range []int{5, 1, 5, 3} {
		c := newCommand(string(rune('a'+i)), "dev", p, base)
		require.NoError(t, db.InsertCommand(ctx, c))
	}

	got, err := db.QueryCommands(ctx, CommandQuery{Statuses: []command.Status{command.StatusPending}})
	require.NoError(t, err)
	ids := make([]string, len(got))
	for i, c := range got {
		ids[i] = c.ID
	}
	assert.Equal(t, []string{"a", "c", "d", "b"}, ids)
}

func TestQueryCommandsReadyAt(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	later := newCommand("later", "dev", 0, now)
	later.ScheduledAt = command.TimePtr(now.Add(time.Hour))
	require.NoError(t, db.InsertCommand(ctx, later))
	require.NoError(t, db.InsertCommand(ctx, newCommand("now", "dev", 0, now)))

	got, err := db.QueryCommands(ctx, CommandQuery{ReadyAt: now, Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "now", got[0].ID)
}

func TestUpdateCommandCompareAndSet(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.InsertCommand(ctx, newCommand("c1", "dev", 0, time.Now())))

	c, err := db.GetCommand(ctx, "c1")
	require.NoError(t, err)
	c.Status = command.StatusSent
	c.SentAt = command.TimePtr(time.Now())
	require.NoError(t, db.UpdateCommand(ctx, c, command.StatusPending))

	// A second claimer still believes the command is pending
	stale := c.Clone()
	stale.Status = command.StatusSent
	err = db.UpdateCommand(ctx, stale, command.StatusPending)
	assert.ErrorIs(t, err, ErrConflict)

	missing := newCommand("nope", "dev", 0, time.Now())
	err = db.UpdateCommand(ctx, missing, command.StatusPending)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancelAndDeleteForDevice(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, db.InsertCommand(ctx, newCommand("a", "dev-1", 0, now)))
	require.NoError(t, db.InsertCommand(ctx, newCommand("b", "dev-1", 0, now)))
	require.NoError(t, db.InsertCommand(ctx, newCommand("c", "dev-2", 0, now)))

	n, err := db.CancelCommandsForDevice(ctx, "dev-1", now)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = db.CancelCommandsForDevice(ctx, "dev-1", now)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	n, err = db.DeleteCommandsForDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	counts, err := db.CountCommandsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[command.StatusPending])
	assert.Equal(t, 0, counts[command.StatusCancelled])
}

func TestDeleteExpiredAndTerminal(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	expired := newCommand("expired", "dev", 0, now.Add(-2*time.Hour))
	expired.ExpiresAt = command.TimePtr(now.Add(-time.Hour))
	require.NoError(t, db.InsertCommand(ctx, expired))

	old := newCommand("old", "dev", 0, now.Add(-10*24*time.Hour))
	old.Status = command.StatusCompleted
	old.CompletedAt = command.TimePtr(now.Add(-8 * 24 * time.Hour))
	require.NoError(t, db.InsertCommand(ctx, old))

	recent := newCommand("recent", "dev", 0, now)
	recent.Status = command.StatusCompleted
	recent.CompletedAt = command.TimePtr(now)
	require.NoError(t, db.InsertCommand(ctx, recent))

	n, err := db.DeleteExpiredCommands(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = db.DeleteTerminalCommandsBefore(ctx, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = db.GetCommand(ctx, "recent")
	assert.NoError(t, err)
}

func TestTelemetryCursorAndMarking(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := db.InsertTelemetry(ctx, &TelemetryRecord{
			DeviceID: "dev", DeviceToken: "tok", SensorType: "temperature",
			Value: float64(20 + i), Unit: "C", Timestamp: now,
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	first, err := db.PendingTelemetry(ctx, 0, 3)
	require.NoError(t, err)
	require.Len(t, first, 3)
	assert.Equal(t, "C", first[0].Unit)

	require.NoError(t, db.MarkTelemetry(ctx, []int64{ids[0], ids[1], ids[2]}, SyncFailed))

	rest, err := db.PendingTelemetry(ctx, first[2].ID, 3)
	require.NoError(t, err)
	assert.Len(t, rest, 2)

	// Failed records are picked up again by the next pass
	again, err := db.PendingTelemetry(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, again, 5)

	require.NoError(t, db.MarkTelemetry(ctx, ids, SyncSynced))
	counts, err := db.CountTelemetryByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, counts[SyncSynced])

	n, err := db.DeleteSyncedTelemetryBefore(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
}

func TestConfigHash(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	h, err := db.ConfigHash(ctx, "dev")
	require.NoError(t, err)
	assert.Empty(t, h)

	require.NoError(t, db.SaveConfigHash(ctx, "dev", "abc", time.Now()))
	require.NoError(t, db.SaveConfigHash(ctx, "dev", "def", time.Now()))
	h, err = db.ConfigHash(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, "def", h)

	states, err := db.ConfigStates(ctx)
	require.NoError(t, err)
	assert.Len(t, states, 1)
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/agsys/edge-sync/internal/command"
)

const commandColumns = `id, device_id, kind, parameters, priority, status, retry_count, max_retries,
	created_at, scheduled_at, sent_at, completed_at, expires_at, result, error_message`

// InsertCommand persists a new command
func (db *DB) InsertCommand(ctx context.Context, c *command.Command) error {
	params, err := c.Parameters.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}

	query := `INSERT INTO commands (` + commandColumns + `, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = db.conn.ExecContext(ctx, query,
		c.ID, c.DeviceID, c.Kind, string(params), c.Priority, string(c.Status), c.RetryCount, c.MaxRetries,
		c.CreatedAt.UnixNano(), nullTime(c.ScheduledAt), nullTime(c.SentAt), nullTime(c.CompletedAt),
		nullTime(c.ExpiresAt), nullString(c.Result), nullString(c.ErrorMessage), time.Now().UnixNano())
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("%w: %s", ErrDuplicate, c.ID)
		}
		return err
	}
	return nil
}

// GetCommand retrieves a command by id
func (db *DB) GetCommand(ctx context.Context, id string) (*command.Command, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+commandColumns+" FROM commands WHERE id = ?", id)
	c, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: command %s", ErrNotFound, id)
	}
	return c, err
}

// UpdateCommand rewrites every mutable field of c, but only if the stored
// status still equals expect. The whole record changes in one statement.
func (db *DB) UpdateCommand(ctx context.Context, c *command.Command, expect command.Status) error {
	params, err := c.Parameters.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}

	query := `UPDATE commands SET
		parameters = ?, priority = ?, status = ?, retry_count = ?, max_retries = ?,
		scheduled_at = ?, sent_at = ?, completed_at = ?, expires_at = ?,
		result = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status = ?`
	res, err := db.conn.ExecContext(ctx, query,
		string(params), c.Priority, string(c.Status), c.RetryCount, c.MaxRetries,
		nullTime(c.ScheduledAt), nullTime(c.SentAt), nullTime(c.CompletedAt), nullTime(c.ExpiresAt),
		nullString(c.Result), nullString(c.ErrorMessage), time.Now().UnixNano(),
		c.ID, string(expect))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = db.conn.QueryRowContext(ctx, "SELECT 1 FROM commands WHERE id = ?", c.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: command %s", ErrNotFound, c.ID)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: command %s no longer %s", ErrConflict, c.ID, expect)
}

// DeleteCommand removes a command by id
func (db *DB) DeleteCommand(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx, "DELETE FROM commands WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: command %s", ErrNotFound, id)
	}
	return nil
}

// DeleteCommandsForDevice removes every command addressed to a device
func (db *DB) DeleteCommandsForDevice(ctx context.Context, deviceID string) (int64, error) {
	res, err := db.conn.ExecContext(ctx, "DELETE FROM commands WHERE device_id = ?", deviceID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CancelCommandsForDevice moves every non-cancelled command of a device to
// cancelled in a single statement.
func (db *DB) CancelCommandsForDevice(ctx context.Context, deviceID string, at time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE commands SET status = ?, updated_at = ? WHERE device_id = ? AND status != ?",
		string(command.StatusCancelled), at.UnixNano(), deviceID, string(command.StatusCancelled))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// QueryCommands returns commands matching q, highest priority first, then
// oldest first, then insertion order.
func (db *DB) QueryCommands(ctx context.Context, q CommandQuery) ([]*command.Command, error) {
	var (
		where []string
		args  []any
	)
	if len(q.Statuses) > 0 {
		marks := make([]string, len(q.Statuses))
		for i, s := range q.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if q.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, q.DeviceID)
	}
	if !q.ReadyAt.IsZero() {
		where = append(where, "(scheduled_at IS NULL OR scheduled_at <= ?)")
		args = append(args, q.ReadyAt.UnixNano())
	}

	query := "SELECT " + commandColumns + " FROM commands"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY priority DESC, created_at ASC, seq ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*command.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountCommandsByStatus returns the number of commands in each status
func (db *DB) CountCommandsByStatus(ctx context.Context) (map[command.Status]int, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT status, COUNT(*) FROM commands GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[command.Status]int, len(command.AllStatuses))
	for _, s := range command.AllStatuses {
		counts[s] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[command.Status(status)] = n
	}
	return counts, rows.Err()
}

// CountRetryEligible counts failed commands with retries remaining
func (db *DB) CountRetryEligible(ctx context.Context) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM commands WHERE status = ? AND retry_count < max_retries",
		string(command.StatusFailed)).Scan(&n)
	return n, err
}

// DeleteExpiredCommands removes every command whose expiry lies before now,
// regardless of status.
func (db *DB) DeleteExpiredCommands(ctx context.Context, now time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		"DELETE FROM commands WHERE expires_at IS NOT NULL AND expires_at < ?", now.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteTerminalCommandsBefore removes completed and cancelled commands
// that settled before cutoff.
func (db *DB) DeleteTerminalCommandsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM commands
		WHERE status IN (?, ?) AND COALESCE(completed_at, updated_at) < ?`,
		string(command.StatusCompleted), string(command.StatusCancelled), cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(r rowScanner) (*command.Command, error) {
	var (
		c                                    command.Command
		params, status                       string
		createdAt                            int64
		scheduledAt, sentAt, completedAt, ex sql.NullInt64
		result, errMsg                       sql.NullString
	)
	if err := r.Scan(&c.ID, &c.DeviceID, &c.Kind, &params, &c.Priority, &status, &c.RetryCount,
		&c.MaxRetries, &createdAt, &scheduledAt, &sentAt, &completedAt, &ex, &result, &errMsg); err != nil {
		return nil, err
	}

	p, err := command.ParseParams([]byte(params))
	if err != nil {
		return nil, fmt.Errorf("decode parameters of %s: %w", c.ID, err)
	}
	c.Parameters = p
	c.Status = command.Status(status)
	c.CreatedAt = time.Unix(0, createdAt)
	c.ScheduledAt = timeFromNull(scheduledAt)
	c.SentAt = timeFromNull(sentAt)
	c.CompletedAt = timeFromNull(completedAt)
	c.ExpiresAt = timeFromNull(ex)
	c.Result = stringFromNull(result)
	c.ErrorMessage = stringFromNull(errMsg)
	return &c, nil
}

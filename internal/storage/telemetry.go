package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// InsertTelemetry buffers a reading for upload and returns its id
func (db *DB) InsertTelemetry(ctx context.Context, r *TelemetryRecord) (int64, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.SyncStatus == "" {
		r.SyncStatus = SyncPending
	}
	query := `INSERT INTO telemetry
		(device_id, device_token, sensor_type, value, unit, timestamp, sync_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := db.conn.ExecContext(ctx, query, r.DeviceID, r.DeviceToken, r.SensorType, r.Value,
		sql.NullString{String: r.Unit, Valid: r.Unit != ""}, r.Timestamp.UnixNano(),
		string(r.SyncStatus), r.CreatedAt.UnixNano())
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	r.ID = id
	return id, nil
}

// PendingTelemetry returns up to limit unsynced records (pending or
// previously failed) with id greater than afterID, in id order.
func (db *DB) PendingTelemetry(ctx context.Context, afterID int64, limit int) ([]*TelemetryRecord, error) {
	query := `SELECT id, device_id, device_token, sensor_type, value, unit, timestamp, sync_status, created_at
		FROM telemetry WHERE sync_status IN (?, ?) AND id > ?
		ORDER BY id LIMIT ?`

	rows, err := db.conn.QueryContext(ctx, query, string(SyncPending), string(SyncFailed), afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*TelemetryRecord
	for rows.Next() {
		r := &TelemetryRecord{}
		var unit sql.NullString
		var ts, created int64
		var status string
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.DeviceToken, &r.SensorType, &r.Value,
			&unit, &ts, &status, &created); err != nil {
			return nil, err
		}
		r.Unit = unit.String
		r.Timestamp = time.Unix(0, ts)
		r.CreatedAt = time.Unix(0, created)
		r.SyncStatus = SyncStatus(status)
		records = append(records, r)
	}
	return records, rows.Err()
}

// MarkTelemetry sets the sync status of every record in ids at once
func (db *DB) MarkTelemetry(ctx context.Context, ids []int64, status SyncStatus) error {
	if len(ids) == 0 {
		return nil
	}
	marks := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, string(status))
	for i, id := range ids {
		marks[i] = "?"
		args = append(args, id)
	}
	query := "UPDATE telemetry SET sync_status = ? WHERE id IN (" + strings.Join(marks, ", ") + ")"
	_, err := db.conn.ExecContext(ctx, query, args...)
	return err
}

// DeleteSyncedTelemetryBefore removes uploaded records created before cutoff
func (db *DB) DeleteSyncedTelemetryBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		"DELETE FROM telemetry WHERE sync_status = ? AND created_at < ?",
		string(SyncSynced), cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountTelemetryByStatus returns the number of records per sync status
func (db *DB) CountTelemetryByStatus(ctx context.Context) (map[SyncStatus]int, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT sync_status, COUNT(*) FROM telemetry GROUP BY sync_status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[SyncStatus]int{SyncPending: 0, SyncSynced: 0, SyncFailed: 0}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[SyncStatus(s)] = n
	}
	return counts, rows.Err()
}

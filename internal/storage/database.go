package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// Open opens or creates the SQLite database
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer keeps compare-and-set updates from racing on SQLITE_BUSY
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// OpenReadOnly opens an existing database for inspection
func OpenReadOnly(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the connection
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// migrate creates the database schema
func (db *DB) migrate() error {
	schema := `
	-- Durable device command queue
	CREATE TABLE IF NOT EXISTS commands (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		device_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		parameters TEXT NOT NULL DEFAULT '{}',
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		created_at INTEGER NOT NULL,
		scheduled_at INTEGER,
		sent_at INTEGER,
		completed_at INTEGER,
		expires_at INTEGER,
		updated_at INTEGER NOT NULL,
		result TEXT,
		error_message TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_commands_ready ON commands(status, priority DESC, created_at, seq);
	CREATE INDEX IF NOT EXISTS idx_commands_device ON commands(device_id);
	CREATE INDEX IF NOT EXISTS idx_commands_expires ON commands(expires_at);

	-- Telemetry buffered for upload
	CREATE TABLE IF NOT EXISTS telemetry (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		device_token TEXT NOT NULL,
		sensor_type TEXT NOT NULL,
		value REAL NOT NULL,
		unit TEXT,
		timestamp INTEGER NOT NULL,
		sync_status TEXT NOT NULL DEFAULT 'pending',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_telemetry_sync ON telemetry(sync_status, id);
	CREATE INDEX IF NOT EXISTS idx_telemetry_created ON telemetry(created_at);

	-- Last configuration pushed to the backend per device
	CREATE TABLE IF NOT EXISTS device_configs (
		device_id TEXT PRIMARY KEY,
		config_hash TEXT NOT NULL,
		synced_at INTEGER NOT NULL
	);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// --- Device configuration sync state ---

// ConfigHash returns the last pushed configuration hash for a device, or
// "" when none was pushed yet.
func (db *DB) ConfigHash(ctx context.Context, deviceID string) (string, error) {
	var hash string
	err := db.conn.QueryRowContext(ctx,
		"SELECT config_hash FROM device_configs WHERE device_id = ?", deviceID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return hash, err
}

// SaveConfigHash records a successful configuration push
func (db *DB) SaveConfigHash(ctx context.Context, deviceID, hash string, at time.Time) error {
	_, err := db.conn.ExecContext(ctx, `INSERT INTO device_configs (device_id, config_hash, synced_at)
		VALUES (?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET config_hash = excluded.config_hash, synced_at = excluded.synced_at`,
		deviceID, hash, at.UnixNano())
	return err
}

// ConfigStates lists all recorded configuration pushes
func (db *DB) ConfigStates(ctx context.Context) ([]ConfigState, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT device_id, config_hash, synced_at FROM device_configs ORDER BY device_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConfigState
	for rows.Next() {
		var s ConfigState
		var at int64
		if err := rows.Scan(&s.DeviceID, &s.Hash, &at); err != nil {
			return nil, err
		}
		s.SyncedAt = time.Unix(0, at)
		out = append(out, s)
	}
	return out, rows.Err()
}

// --- helpers ---

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timeFromNull(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64)
	return &t
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringFromNull(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	s := n.String
	return &s
}

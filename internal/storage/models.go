// Package storage provides SQLite persistence for the command queue,
// buffered telemetry and device configuration sync state.
package storage

import (
	"errors"
	"time"

	"github.com/agsys/edge-sync/internal/command"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when a compare-and-set update finds the
	// row in a different status than expected
	ErrConflict = errors.New("storage: status changed concurrently")
	// ErrDuplicate is returned when inserting an id that already exists
	ErrDuplicate = errors.New("storage: duplicate id")
)

// SyncStatus tracks upload state of a telemetry record
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// TelemetryRecord is one buffered sensor reading awaiting upload
type TelemetryRecord struct {
	ID          int64      `json:"id"`
	DeviceID    string     `json:"device_id"`
	DeviceToken string     `json:"device_token"`
	SensorType  string     `json:"sensor_type"`
	Value       float64    `json:"value"`
	Unit        string     `json:"unit,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
	SyncStatus  SyncStatus `json:"sync_status"`
	CreatedAt   time.Time  `json:"created_at"`
}

// CommandQuery filters QueryCommands. Zero values mean "no filter".
type CommandQuery struct {
	Statuses []command.Status
	DeviceID string
	// ReadyAt excludes commands scheduled after this instant
	ReadyAt time.Time
	Limit   int
}

// ConfigState is the last configuration hash pushed for a device
type ConfigState struct {
	DeviceID string
	Hash     string
	SyncedAt time.Time
}

// Package command defines the durable device command record and its
// lifecycle states.
package command

import "time"

// Status is the lifecycle state of a queued command
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order
var AllStatuses = []Status{StatusPending, StatusSent, StatusCompleted, StatusFailed, StatusCancelled}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further automatic transition leaves s.
// Failed is not terminal: it may return to Pending while retries remain.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) String() string { return string(s) }

// Well-known command kinds. Kind is free-form; unknown kinds use the
// default dispatch handler.
const (
	KindDeviceControl = "device-control"
	KindConfigUpdate  = "configuration-update"
	KindTelemetrySync = "telemetry-sync"
)

// Default values applied on enqueue
const (
	DefaultMaxRetries = 3
)

// Command is a unit of work destined for one device
type Command struct {
	ID           string
	DeviceID     string
	Kind         string
	Parameters   *Params
	Priority     int
	Status       Status
	RetryCount   int
	MaxRetries   int
	CreatedAt    time.Time
	ScheduledAt  *time.Time
	SentAt       *time.Time
	CompletedAt  *time.Time
	ExpiresAt    *time.Time
	Result       *string
	ErrorMessage *string
}

// RetryEligible reports whether a failed command may be re-queued
func (c *Command) RetryEligible() bool {
	return c.Status == StatusFailed && c.RetryCount < c.MaxRetries
}

// Ready reports whether the command may be dispatched at now
func (c *Command) Ready(now time.Time) bool {
	if c.Status != StatusPending {
		return false
	}
	return c.ScheduledAt == nil || !c.ScheduledAt.After(now)
}

// Expired reports whether the command's expiry lies before now
func (c *Command) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && c.ExpiresAt.Before(now)
}

// Clone returns a deep copy safe to mutate
func (c *Command) Clone() *Command {
	out := *c
	out.Parameters = c.Parameters.Clone()
	out.ScheduledAt = cloneTime(c.ScheduledAt)
	out.SentAt = cloneTime(c.SentAt)
	out.CompletedAt = cloneTime(c.CompletedAt)
	out.ExpiresAt = cloneTime(c.ExpiresAt)
	out.Result = cloneString(c.Result)
	out.ErrorMessage = cloneString(c.ErrorMessage)
	return &out
}

// Name returns the device-facing command name: the "command" parameter
// when present, otherwise the kind.
func (c *Command) Name() string {
	if v, ok := c.Parameters.Get("command"); ok {
		if s, ok := v.AsString(); ok && s != "" {
			return s
		}
	}
	return c.Kind
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// TimePtr is a convenience for optional timestamps
func TimePtr(t time.Time) *time.Time { return &t }

// StringPtr is a convenience for optional strings
func StringPtr(s string) *string { return &s }

package ble

import (
	"context"
	"errors"
	"strings"

	"github.com/agsys/edge-sync/internal/transport"
)

// ScanResult is one advertising peripheral
type ScanResult struct {
	Address string
	Name    string
	RSSI    int16
}

// Central is the host Bluetooth radio
type Central interface {
	// Enable powers up the radio. Platform refusals come back as
	// transport.ErrPermissionDenied.
	Enable() error
	// Scan reports advertisements until ctx ends
	Scan(ctx context.Context, fn func(ScanResult)) error
	Connect(ctx context.Context, address string) (Peripheral, error)
}

// Peripheral is a connected GATT server
type Peripheral interface {
	// Discover enumerates every characteristic of every service
	Discover(ctx context.Context) ([]Characteristic, error)
	// OnDisconnect registers fn to run once the link drops
	OnDisconnect(fn func())
	Disconnect() error
}

// Characteristic is one GATT characteristic
type Characteristic interface {
	UUID() string
	Write(p []byte) error
	Subscribe(fn func([]byte)) error
}

// normalizeUUID makes UUID lookups case-insensitive
func normalizeUUID(u string) string {
	return strings.ToLower(strings.TrimSpace(u))
}

// linkLost reports whether a write failed because the link is gone
func linkLost(err error) bool {
	if errors.Is(err, transport.ErrNotConnected) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{"NotConnected", "Not Connected", "not connected", "Disconnected",
		"UnknownObject", "NoReply", "broken pipe", "connection reset"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// permissionError reports whether a BlueZ/platform error is an access refusal
func permissionError(msg string) bool {
	for _, s := range []string{"AccessDenied", "NotPermitted", "NotAuthorized", "permission denied"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

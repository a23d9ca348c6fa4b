//go:build !linux

package ble

import (
	"context"

	"github.com/agsys/edge-sync/internal/transport"
)

type unsupportedCentral struct{}

// NewCentral returns a radio that refuses every operation. The edge
// controller only ships BLE support on Linux.
func NewCentral() Central { return unsupportedCentral{} }

func (unsupportedCentral) Enable() error {
	return transport.Errorf(transport.ErrRejected, "bluetooth not supported on this platform")
}

func (unsupportedCentral) Scan(context.Context, func(ScanResult)) error {
	return transport.Errorf(transport.ErrRejected, "bluetooth not supported on this platform")
}

func (unsupportedCentral) Connect(context.Context, string) (Peripheral, error) {
	return nil, transport.Errorf(transport.ErrRejected, "bluetooth not supported on this platform")
}

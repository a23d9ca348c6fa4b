//go:build unix

package serial

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/agsys/edge-sync/internal/transport"
)

// CheckAccess verifies the process may open path for read and write
// before any open is attempted.
func CheckAccess(path string) error {
	err := unix.Access(path, unix.R_OK|unix.W_OK)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return transport.Wrap(transport.ErrPermissionDenied, path, err)
	case errors.Is(err, unix.ENOENT):
		return transport.Wrap(transport.ErrNotConnected, path+" not present", err)
	default:
		return transport.Wrap(transport.ErrRejected, path, err)
	}
}

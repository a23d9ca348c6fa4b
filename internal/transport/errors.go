package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// Error kinds. Match with errors.Is.
var (
	// ErrPermissionDenied means the platform refused access. Not retried.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrTimeout means the transport did not answer in time. Retryable.
	ErrTimeout = errors.New("transport timeout")
	// ErrRejected means the device or transport refused the operation.
	// Retryable up to the command's retry limit.
	ErrRejected = errors.New("transport rejected")
	// ErrNotConnected means no session is active. The caller may connect
	// and try again once.
	ErrNotConnected = errors.New("not connected")
)

// Error carries a kind plus the underlying cause
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%v: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%v: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return e.Kind.Error()
}

// Is matches the kind sentinel
func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a kind error with a formatted message
func Errorf(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind to cause
func Wrap(kind error, msg string, cause error) error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// Retryable reports whether a failed command may be attempted again
func Retryable(err error) bool {
	return err != nil && !errors.Is(err, ErrPermissionDenied)
}

// Classify maps a raw network or OS error onto a kind. Errors that
// already carry a kind are returned unchanged.
func Classify(msg string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	if errors.Is(err, os.ErrPermission) {
		return Wrap(ErrPermissionDenied, msg, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(ErrTimeout, msg, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Wrap(ErrTimeout, msg, err)
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return Wrap(ErrNotConnected, msg, err)
	}
	return Wrap(ErrRejected, msg, err)
}

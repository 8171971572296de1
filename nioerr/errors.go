// Package nioerr defines the error taxonomy used across the reactor:
// operation errors (a syscall failed), protocol errors (the caller broke
// the API contract) and fatal loop errors (epoll itself failed).
package nioerr

import (
	"fmt"
	"syscall"

	"github.com/pkg/errors"
)

// Sentinel errors returned directly (no wrapping needed by callers
// using errors.Is).
var (
	ErrClosed            = errors.New("nio: fd closed")
	ErrAlreadyRegistered = errors.New("nio: fd already registered")
	ErrNotRegistered     = errors.New("nio: fd not registered")
	ErrWatcherClosed     = errors.New("nio: server loop has exited")
	ErrEmptyBuffer       = errors.New("nio: empty buffer")
	ErrDetached          = errors.New("nio: buffer has been detached")
	ErrCancelled         = errors.New("nio: operation cancelled")
	ErrTimeout           = errors.New("nio: deadline exceeded")
	// ErrEOF is the distinct "half-open end-of-stream" status (spec §8
	// boundary case: receive_n on a peer-closed socket with no prior data
	// for the current operation completes with this status rather than
	// plain ok or a generic operation error).
	ErrEOF = errors.New("nio: end of stream")
)

// OperationError reports a failed syscall on a specific fd and operation.
// It is delivered to the per-buffer callback with status=error (spec §7,
// kind 1: "Operation error").
type OperationError struct {
	Op    string
	Fd    int
	Errno syscall.Errno
}

// FromErrno builds an OperationError, returning nil if errno is nil/zero.
func FromErrno(op string, fd int, err error) error {
	if err == nil {
		return nil
	}
	if errno, ok := err.(syscall.Errno); ok {
		if errno == 0 {
			return nil
		}
		return &OperationError{Op: op, Fd: fd, Errno: errno}
	}
	return errors.Wrapf(err, "nio: %s fd=%d", op, fd)
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("nio: %s fd=%d: %s", e.Op, e.Fd, e.Errno.Error())
}

// Unwrap exposes the underlying errno for errors.Is(err, syscall.EAGAIN).
func (e *OperationError) Unwrap() error { return e.Errno }

// Temporary reports whether the failure is one of the transient codes
// that must never surface per spec §7 ("EINTR, EAGAIN... never surface").
func (e *OperationError) Temporary() bool {
	return e.Errno == syscall.EAGAIN || e.Errno == syscall.EWOULDBLOCK || e.Errno == syscall.EINTR
}

// ProtocolError reports a broken API contract: double-register, an
// operation against an unknown or closed fd, and similar caller errors.
// It never perturbs the loop (spec §7, kind 2).
type ProtocolError struct {
	msg string
}

func (e *ProtocolError) Error() string { return "nio: " + e.msg }

// Protocolf constructs a ProtocolError with a formatted message.
func Protocolf(format string, args ...interface{}) error {
	return &ProtocolError{msg: fmt.Sprintf(format, args...)}
}

// FatalLoopError reports an unrecoverable epoll_wait failure: Server.Run
// returns it and the server is unusable afterward (spec §7, kind 3).
type FatalLoopError struct {
	cause error
}

func (e *FatalLoopError) Error() string { return "nio: fatal loop error: " + e.cause.Error() }

func (e *FatalLoopError) Unwrap() error { return e.cause }

// Fatal wraps cause as a FatalLoopError, with file/line context via
// github.com/pkg/errors.
func Fatal(op string, cause error) error {
	return &FatalLoopError{cause: errors.Wrapf(cause, "nio: %s", op)}
}

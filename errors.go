package nio

import (
	"syscall"

	"github.com/lucky-nio/nio/nioerr"
)

// Re-exported so callers of this package don't need to import nioerr
// directly for the common cases (errors.As(err, &nio.OperationError{})).
type (
	OperationError  = nioerr.OperationError
	ProtocolError   = nioerr.ProtocolError
	FatalLoopError  = nioerr.FatalLoopError
)

var (
	ErrClosed            = nioerr.ErrClosed
	ErrAlreadyRegistered = nioerr.ErrAlreadyRegistered
	ErrNotRegistered     = nioerr.ErrNotRegistered
	ErrWatcherClosed     = nioerr.ErrWatcherClosed
	ErrEmptyBuffer       = nioerr.ErrEmptyBuffer
	ErrDetached          = nioerr.ErrDetached
	ErrCancelled         = nioerr.ErrCancelled
	ErrTimeout           = nioerr.ErrTimeout
	ErrEOF               = nioerr.ErrEOF
)

// nioErrOp builds an OperationError from a raw syscall error, or nil if
// err is nil. It unwraps to a syscall.Errno when possible so fatal vs.
// transient (EAGAIN/EINTR) classification works uniformly.
func nioErrOp(op string, fd int, err error) error {
	if err == nil {
		return nil
	}
	if errno, ok := err.(syscall.Errno); ok {
		return nioerr.FromErrno(op, fd, errno)
	}
	return nioerr.FromErrno(op, fd, err)
}

// isTemporary reports whether err is a transient EAGAIN/EWOULDBLOCK/EINTR
// syscall failure, which spec §7 says "are internal and never surface".
func isTemporary(err error) bool {
	errno, ok := err.(syscall.Errno)
	if !ok {
		return false
	}
	return errno == syscall.EAGAIN || errno == syscall.EWOULDBLOCK || errno == syscall.EINTR
}

// fatalErr wraps a failed epoll_wait (or other loop-ending syscall) as the
// FatalLoopError that ends Server.Run (spec §7: "unrecoverable epoll
// failure").
func fatalErr(op string, cause error) error {
	return nioerr.Fatal(op, cause)
}

// Protocolf builds a ProtocolError with a formatted message (spec §7,
// kind 2: a broken API contract that never perturbs the loop).
func Protocolf(format string, args ...interface{}) error {
	return nioerr.Protocolf(format, args...)
}

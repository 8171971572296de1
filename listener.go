package nio

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/lucky-nio/nio/nlog"
)

// AcceptCallback is invoked once per accepted connection, or once with
// clientFd=-1 and a non-nil err if accept4 itself fails (spec §4.3:
// "accept_channel" boundary case — "a hard accept error... fires the
// callback once with an error status and does not retry").
type AcceptCallback func(listenerFd, clientFd int, remote Address, err error)

type listenerState int

const (
	listenerClosed listenerState = iota
	listenerOpen
)

// Listener wraps a bound, listening socket registered for read interest;
// every readable event drains every pending connection in one pass
// (spec §4.3: "accept_channel drains all pending connections per
// readiness event, mirroring the original's accept-until-EAGAIN loop").
type Listener struct {
	fd    int
	sel   *Selector
	state listenerState
	local Address
	cb    AcceptCallback

	onClose func()
	log     *nlog.Logger
}

// newListener builds an unopened Listener bound to cb. Unlike the literal
// constructor signature in the distilled design notes, the accept
// callback is owned by the Listener itself (paralleling Channel's
// connectedCB) rather than threaded through call by call, since spec.md's
// own data model ties exactly one accept callback to each listener for
// its whole lifetime.
func newListener(sel *Selector, cb AcceptCallback, log *nlog.Logger) *Listener {
	return &Listener{fd: -1, sel: sel, state: listenerClosed, cb: cb, log: log}
}

// Open creates, binds, and listens a socket on local, then registers it
// with the selector for read interest (spec §4.3: "open").
func (l *Listener) Open(local Address) error {
	if l.state != listenerClosed || l.fd >= 0 {
		return Protocolf("listener: open called on fd %d in state %d", l.fd, l.state)
	}

	fd, err := newSocket(local, OptNonBlocked|OptReuseAddr)
	if err != nil {
		return err
	}
	if err := socketBind(fd, local); err != nil {
		unix.Close(fd)
		return err
	}
	if err := socketListen(fd); err != nil {
		unix.Close(fd)
		return err
	}

	if err := l.sel.Add(fd, l.onEvent, nil); err != nil {
		unix.Close(fd)
		return err
	}
	if err := l.sel.Request(fd, OpRead, time.Time{}); err != nil {
		_ = l.sel.Remove(fd)
		unix.Close(fd)
		return err
	}

	l.fd = fd
	l.local = local
	if sa, err := unix.Getsockname(fd); err == nil {
		// Resolves an ephemeral bind (local.Port == 0) to the port the
		// kernel actually assigned, so Addr() is useful right after Open.
		l.local = addressFromSockaddr(local.Network, sa)
	}
	l.state = listenerOpen
	l.log.Debug("listener open", "fd", fd, "local", l.local.String())
	return nil
}

// Addr returns the address the listener is bound to (with an ephemeral
// port resolved to its actual kernel-assigned value).
func (l *Listener) Addr() Address { return l.local }

func (l *Listener) onEvent(fd int, ev EventSet, _ any) {
	if ev&(EvAdded|EvRemoved) != 0 {
		return
	}
	if ev&EvError != 0 {
		errno, _ := socketError(fd)
		l.fireError(nioErrOp("accept", fd, unix.Errno(errno)))
		return
	}
	if ev&EvRead != 0 {
		l.acceptLoop()
	}
}

// acceptLoop drains every pending connection, mirroring the original's
// accept-until-EAGAIN loop. A hard accept error stops the loop and fires
// the callback exactly once with clientFd=-1 (spec §4.3, §11 item 2: no
// retry on a hard accept error).
func (l *Listener) acceptLoop() {
	for {
		nfd, sa, err := socketAccept(l.fd, true)
		if err != nil {
			if isTemporary(err) {
				break
			}
			l.fireError(nioErrOp("accept", l.fd, err))
			return
		}
		remote := addressFromSockaddr(l.local.Network, sa)
		l.log.Debug("listener accept", "fd", l.fd, "client", nfd, "remote", remote.String())
		if l.cb != nil {
			l.cb(l.fd, nfd, remote, nil)
		}
	}
	if l.state == listenerOpen {
		_ = l.sel.Request(l.fd, OpRead, time.Time{})
	}
}

func (l *Listener) fireError(err error) {
	l.log.Error("listener accept failed", "fd", l.fd, "err", err)
	if l.cb != nil {
		l.cb(l.fd, -1, Address{}, err)
	}
}

// Close removes the listener from the selector, closes its fd, and fires
// onClose exactly once (spec §4.3: "close").
func (l *Listener) Close() error {
	if l.state == listenerClosed {
		return nil
	}
	fd := l.fd
	l.state = listenerClosed
	l.fd = -1

	_ = l.sel.Remove(fd)
	err := socketClose(fd)
	l.log.Debug("listener close", "fd", fd)
	if l.onClose != nil {
		cb := l.onClose
		l.onClose = nil
		cb()
	}
	return err
}

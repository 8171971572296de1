package nio

import (
	"container/list"
	"syscall"
	"time"

	"github.com/lucky-nio/nio/nlog"
	"golang.org/x/sys/unix"
)

// ReceiveCallback reports the outcome of one receive_n/receive_some
// operation: err is nil (satisfied), ErrEOF (half-open end-of-stream with
// no prior data this operation), ErrCancelled (shutdown/close drained
// it), ErrTimeout (deadline fired first) or an *OperationError.
type ReceiveCallback func(buf *Buffer, err error)

// SendCallback is the send-flavor counterpart of ReceiveCallback.
type SendCallback func(buf *Buffer, err error)

type channelState int

const (
	channelClosed channelState = iota
	channelOpening
	channelOpen
)

// receiveItem and sendItem are the FIFO entries spec §3's Channel row
// describes as "input FIFO of mutable buffers" / "output FIFO of const
// buffers". full distinguishes the *_n (must fully drain/fill) primitive
// from *_some (complete on first progress).
type receiveItem struct {
	buf      *Buffer
	deadline time.Time
	cb       ReceiveCallback
	full     bool
}

type sendItem struct {
	buf      *Buffer
	deadline time.Time
	cb       SendCallback
	full     bool
}

// Channel is a connection state machine over one non-blocking stream
// socket: closed -> opening -> open -> closed (spec §4.2). Only the loop
// thread — the goroutine driving the owning Selector's RunOnce/Run — may
// call any Channel method other than indirectly via Selector.Request.
type Channel struct {
	fd    int
	sel   *Selector
	state channelState

	remote Address

	recvQueue *list.List // of *receiveItem
	sendQueue *list.List // of *sendItem

	connectedCB   func(error)
	shutdownFlags ShutdownHow

	// onClose is set by whatever owns this Channel (typically Server) to
	// fire its own close notification and erase bookkeeping once Close
	// has released the fd and drained both FIFOs. nil for a bare Channel
	// used without an owner.
	onClose func()

	log *nlog.Logger
}

// newChannel wraps fd in a Channel. fd may be -1 for a channel that will
// create its own socket via Open (an outbound connect); a non-negative fd
// is an already-accepted connection, wired up via openAccepted instead of
// Open.
func newChannel(fd int, sel *Selector, log *nlog.Logger) *Channel {
	return &Channel{
		fd:        fd,
		sel:       sel,
		state:     channelClosed,
		recvQueue: list.New(),
		sendQueue: list.New(),
		log:       log,
	}
}

// Open creates a non-blocking, close-on-exec socket for remote, attempts
// connect, and registers for writable-with-deadline if it returns
// in-progress (spec §4.2: "open"). connected fires exactly once, with nil
// on success or an error describing the failure.
func (c *Channel) Open(remote Address, deadline time.Time, connected func(error)) error {
	if c.state != channelClosed || c.fd >= 0 {
		return Protocolf("channel: open called on fd %d in state %d", c.fd, c.state)
	}
	fd, err := newSocket(remote, OptNonBlocked|OptTCPNoDelay)
	if err != nil {
		return err
	}
	c.fd = fd
	return c.beginConnect(remote, deadline, connected)
}

// beginConnect assumes c.fd already names a valid non-blocking socket
// (either just created by Open, or pre-created by a caller — e.g.
// Server.ConnectChannel — that needs the fd available before any
// callback can possibly fire, including the synchronous abortOpen path
// below). Split out of Open so that caller can register its own
// bookkeeping against the fd before connect()'s synchronous failure
// paths have any chance to invoke onClose.
func (c *Channel) beginConnect(remote Address, deadline time.Time, connected func(error)) error {
	fd := c.fd
	c.remote = remote
	c.connectedCB = connected

	if err := c.sel.Add(fd, c.onEvent, nil); err != nil {
		_ = socketClose(fd)
		c.fd = -1
		c.connectedCB = nil
		return err
	}
	c.state = channelOpening
	c.log.Debug("channel open", "fd", fd, "remote", remote.String())

	cerr := socketConnect(fd, remote)
	if cerr == nil {
		// rare synchronous completion, e.g. connecting to a local unix
		// socket whose backlog isn't full.
		return c.finishConnect()
	}
	if cerr != unix.EINPROGRESS {
		c.abortOpen(nioErrOp("connect", fd, cerr))
		return nil
	}
	return c.sel.Request(fd, OpWrite, deadline)
}

// openAccepted wires an fd that Listener already fully accepted directly
// into the open state, skipping the connect handshake (spec §4.4:
// accept_channel "wraps an already-accepted fd in a Channel, registers
// with empty interest").
func (c *Channel) openAccepted() error {
	if err := c.sel.Add(c.fd, c.onEvent, nil); err != nil {
		return err
	}
	c.state = channelOpen
	c.log.Debug("channel accepted", "fd", c.fd)
	return nil
}

func (c *Channel) finishConnect() error {
	c.state = channelOpen
	cb := c.connectedCB
	c.connectedCB = nil
	if cb != nil {
		cb(nil)
	}
	return nil
}

// abortOpen releases the half-opened fd and reports err through the
// connected callback, reusing Close's cleanup so the owner's close
// notification still fires exactly once even for a connect that never
// reached the open state (spec §8 scenario 2: connect timeout still
// fires the close callback exactly once).
func (c *Channel) abortOpen(err error) {
	cb := c.connectedCB
	c.connectedCB = nil
	c.log.Error("channel connect failed", "fd", c.fd, "err", err)
	_ = c.Close()
	if cb != nil {
		cb(err)
	}
}

// onEvent is the EventCallback Channel registers with its Selector.
func (c *Channel) onEvent(fd int, ev EventSet, _ any) {
	if ev == EvAdded || ev == EvRemoved {
		return
	}
	if c.state == channelOpening {
		c.handleConnectEvent(ev)
		return
	}
	switch {
	case ev&EvError != 0:
		c.failHeads(c.pollError())
	case ev == EvRead|EvTimeout:
		c.timeoutHead(c.recvQueue)
	case ev == EvWrite|EvTimeout:
		c.timeoutHead(c.sendQueue)
	case ev&EvRead != 0:
		c.pumpReceive()
	case ev&EvWrite != 0:
		c.pumpSend()
	}
}

func (c *Channel) handleConnectEvent(ev EventSet) {
	if ev&EvTimeout != 0 {
		c.abortOpen(nioErrOp("connect", c.fd, unix.ETIMEDOUT))
		return
	}
	errno, serr := socketError(c.fd)
	if serr == nil && errno != 0 {
		serr = nioErrOp("connect", c.fd, syscall.Errno(errno))
	}
	if serr != nil {
		c.abortOpen(serr)
		return
	}
	_ = c.finishConnect()
}

// pollError resolves the cause of an EPOLLERR/EPOLLHUP notification via
// SO_ERROR, falling back to ECONNRESET if the kernel reports none (can
// happen for a peer RST racing the error bit).
func (c *Channel) pollError() error {
	errno, err := socketError(c.fd)
	if err != nil {
		return err
	}
	if errno != 0 {
		return nioErrOp("poll", c.fd, syscall.Errno(errno))
	}
	return nioErrOp("poll", c.fd, unix.ECONNRESET)
}

// SendN enqueues buf and completes only once fully drained (or on
// error/timeout/cancellation).
func (c *Channel) SendN(buf *Buffer, deadline time.Time, cb SendCallback) error {
	return c.enqueueSend(buf, deadline, cb, true)
}

// SendSome enqueues buf and completes as soon as any progress is made.
func (c *Channel) SendSome(buf *Buffer, deadline time.Time, cb SendCallback) error {
	return c.enqueueSend(buf, deadline, cb, false)
}

func (c *Channel) enqueueSend(buf *Buffer, deadline time.Time, cb SendCallback, full bool) error {
	if c.state != channelOpen {
		return Protocolf("channel: send on fd %d in state %d", c.fd, c.state)
	}
	item := &sendItem{buf: buf, deadline: deadline, cb: cb, full: full}
	wasHead := c.sendQueue.Len() == 0
	c.sendQueue.PushBack(item)
	if wasHead {
		// Attempt an immediate non-blocking send while at the head of the
		// FIFO (spec §4.2). Never attempted for buffers behind others in
		// the queue (ordering preservation) since wasHead is only true
		// for the sole/head entry.
		c.pumpSend()
	}
	return nil
}

// ReceiveN enqueues buf and completes only once fully filled (or on
// error/timeout/cancellation/EOF).
func (c *Channel) ReceiveN(buf *Buffer, deadline time.Time, cb ReceiveCallback) error {
	return c.enqueueReceive(buf, deadline, cb, true)
}

// ReceiveSome enqueues buf and completes as soon as any progress is made.
func (c *Channel) ReceiveSome(buf *Buffer, deadline time.Time, cb ReceiveCallback) error {
	return c.enqueueReceive(buf, deadline, cb, false)
}

func (c *Channel) enqueueReceive(buf *Buffer, deadline time.Time, cb ReceiveCallback, full bool) error {
	if c.state != channelOpen {
		return Protocolf("channel: receive on fd %d in state %d", c.fd, c.state)
	}
	item := &receiveItem{buf: buf, deadline: deadline, cb: cb, full: full}
	wasHead := c.recvQueue.Len() == 0
	c.recvQueue.PushBack(item)
	if wasHead {
		c.pumpReceive()
	}
	return nil
}

// pumpSend drains the head of sendQueue while progress is positive (spec
// §4.2's send/receive protocol), stopping and re-arming writable on
// EAGAIN, or stopping (without touching the rest of the queue) on the
// first hard error — later buffers drain only via shutdown/close (spec
// §4.2 failure semantics).
func (c *Channel) pumpSend() {
	for {
		el := c.sendQueue.Front()
		if el == nil {
			return
		}
		item := el.Value.(*sendItem)
		_, blocked, err := progressSend(c.fd, item)
		if blocked {
			_ = c.sel.Request(c.fd, OpWrite, item.deadline)
			return
		}
		c.sendQueue.Remove(el)
		c.completeSend(item, err)
		if err != nil {
			return
		}
	}
}

// pumpReceive is pumpSend's receive-flavor counterpart. EOF does not stop
// the loop: once the peer has closed, every remaining queued receive
// completes immediately with ErrEOF (or ok, for the one that had already
// collected bytes this operation) rather than waiting for further events
// that will never change the outcome.
func (c *Channel) pumpReceive() {
	for {
		el := c.recvQueue.Front()
		if el == nil {
			return
		}
		item := el.Value.(*receiveItem)
		_, blocked, err := progressReceive(c.fd, item)
		if blocked {
			_ = c.sel.Request(c.fd, OpRead, item.deadline)
			return
		}
		c.recvQueue.Remove(el)
		c.completeReceive(item, err)
		if err != nil && err != ErrEOF {
			return
		}
	}
}

func (c *Channel) timeoutHead(q *list.List) {
	el := q.Front()
	if el == nil {
		return
	}
	q.Remove(el)
	switch v := el.Value.(type) {
	case *receiveItem:
		c.completeReceive(v, ErrTimeout)
	case *sendItem:
		c.completeSend(v, ErrTimeout)
	}
}

// failHeads fails the current head of both FIFOs with err, e.g. on a
// socket-level EPOLLERR not tied to either buffer's own syscall attempt.
// Later queued buffers are left for shutdown/close to cancel.
func (c *Channel) failHeads(err error) {
	if el := c.recvQueue.Front(); el != nil {
		c.recvQueue.Remove(el)
		c.completeReceive(el.Value.(*receiveItem), err)
	}
	if el := c.sendQueue.Front(); el != nil {
		c.sendQueue.Remove(el)
		c.completeSend(el.Value.(*sendItem), err)
	}
}

func (c *Channel) completeReceive(item *receiveItem, err error) {
	if item.cb != nil {
		item.cb(item.buf, err)
	}
}

func (c *Channel) completeSend(item *sendItem, err error) {
	if item.cb != nil {
		item.cb(item.buf, err)
	}
}

// trySendOnce and tryReceiveOnce are the single-shot primitives beneath
// the retrying send_n/send_some/receive_n/receive_some (SPEC_FULL.md §11
// item 3, naming nio.h's single-shot SocketChannel::send()/receive()).

func trySendOnce(fd int, buf *Buffer) (int, error) {
	n, err := socketSend(fd, buf.Pending())
	if err != nil {
		return 0, err
	}
	buf.SetPosition(buf.Position() + n)
	return n, nil
}

func tryReceiveOnce(fd int, buf *Buffer) (int, error) {
	n, err := socketRecv(fd, buf.receiveSpace())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		buf.SetEnd(buf.End() + n)
	}
	return n, nil
}

// progressSend loops trySendOnce while progress is positive and the
// buffer isn't yet satisfied (spec §4.2: "Each immediate attempt loops
// while progress is positive and the buffer is not full, then yields").
// blocked reports an EAGAIN that the caller must await writable for.
func progressSend(fd int, item *sendItem) (ready, blocked bool, err error) {
	for item.buf.Position() < item.buf.Limit() {
		n, serr := trySendOnce(fd, item.buf)
		if serr != nil {
			if isTemporary(serr) {
				return false, true, nil
			}
			return false, false, nioErrOp("write", fd, serr)
		}
		if !item.full && n > 0 {
			return true, false, nil
		}
	}
	return true, false, nil
}

// progressReceive is progressSend's receive-flavor counterpart, handling
// the orderly-close boundary case (spec §8: "receive_n on a peer-closed
// socket completes with ok and bytes_read < limit if any prior data
// arrived, else with the half-open end-of-stream status").
func progressReceive(fd int, item *receiveItem) (ready, blocked bool, err error) {
	for item.buf.End() < item.buf.Limit() {
		n, rerr := tryReceiveOnce(fd, item.buf)
		if rerr != nil {
			if isTemporary(rerr) {
				return false, true, nil
			}
			return false, false, nioErrOp("read", fd, rerr)
		}
		if n == 0 {
			if item.buf.End() > 0 {
				return true, false, nil
			}
			return true, false, ErrEOF
		}
		if !item.full {
			return true, false, nil
		}
	}
	return true, false, nil
}

// Shutdown calls shutdown(2) in the given direction(s) and records the
// flags; queued-buffer cancellation is a separate, deferred step (spec
// §4.4: "posts a deferred cancellation for queued buffers"), driven by
// whatever owns this Channel via cancelPending.
func (c *Channel) Shutdown(how ShutdownHow) error {
	if c.state != channelOpen {
		return Protocolf("channel: shutdown on fd %d in state %d", c.fd, c.state)
	}
	if err := socketShutdown(c.fd, how); err != nil {
		return err
	}
	c.shutdownFlags |= how
	c.log.Debug("channel shutdown", "fd", c.fd, "how", how)
	return nil
}

// cancelPending drains queued buffers in the given direction(s) with
// ErrCancelled.
func (c *Channel) cancelPending(how ShutdownHow) {
	if how&ShutdownRead != 0 {
		c.drainCancel(c.recvQueue)
	}
	if how&ShutdownWrite != 0 {
		c.drainCancel(c.sendQueue)
	}
}

func (c *Channel) drainCancel(q *list.List) {
	for {
		el := q.Front()
		if el == nil {
			return
		}
		q.Remove(el)
		switch v := el.Value.(type) {
		case *receiveItem:
			c.completeReceive(v, ErrCancelled)
		case *sendItem:
			c.completeSend(v, ErrCancelled)
		}
	}
}

// Close removes fd from the selector, closes it, cancels every pending
// buffer in both FIFOs, and fires the owner's close notification exactly
// once (spec §4.2: "close").
func (c *Channel) Close() error {
	if c.state == channelClosed {
		return nil
	}
	fd := c.fd
	wasOpening := c.state == channelOpening
	connectedCB := c.connectedCB
	c.connectedCB = nil
	c.state = channelClosed

	if fd >= 0 {
		_ = c.sel.Remove(fd)
		_ = socketClose(fd)
	}
	c.fd = -1

	c.drainCancel(c.recvQueue)
	c.drainCancel(c.sendQueue)

	c.log.Debug("channel close", "fd", fd)

	if wasOpening && connectedCB != nil {
		connectedCB(ErrClosed)
	}
	if c.onClose != nil {
		onClose := c.onClose
		c.onClose = nil
		onClose()
	}
	return nil
}

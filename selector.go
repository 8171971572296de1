package nio

import (
	"container/heap"
	"sync"
	"time"

	"github.com/lucky-nio/nio/nlog"
	"golang.org/x/sys/unix"
)

// EventCallback receives every event Selector delivers for a registered
// fd: readiness (EvRead/EvWrite), EvError, EvTimeout combined with the
// timed-out op, and the synchronous EvAdded/EvRemoved lifecycle
// notifications. cookie is whatever was passed to Add.
type EventCallback func(fd int, ev EventSet, cookie any)

// fdEntry is one row of the Selector's fd-keyed table (spec §3:
// SelectorEntry — "fd, current interest mask, user callback, user cookie,
// read-op expiry node, write-op expiry node").
type fdEntry struct {
	fd     int
	events OpSet
	cb     EventCallback
	cookie any
	rd     *expiryNode
	wr     *expiryNode
}

// interestRequest is the single kind of entry Selector's deferred inbox
// ever carries: a request to add to (or replace) fd's interest mask with
// a per-op deadline. Posted by Request, drained by RunOnce.
type interestRequest struct {
	fd       int
	ops      OpSet
	deadline time.Time
}

// Selector is an epoll wrapper: registers fds, modifies interest sets,
// waits with a computed timeout, and dispatches readiness/error/timeout
// events to per-fd callbacks (spec §2 module 4).
type Selector struct {
	p        *poller
	entries  map[int]*fdEntry
	timeouts expiryQueue
	eventBuf []unix.EpollEvent

	threadSafe bool
	mu         sync.Mutex
	pending    []interestRequest

	clock Clock
	log   *nlog.Logger

	closed bool
}

// NewSelector creates an epoll instance plus its eventfd wake-up channel.
func NewSelector(cfg Config) (*Selector, error) {
	cfg = cfg.withDefaults()

	p, err := newPoller()
	if err != nil {
		return nil, err
	}

	s := &Selector{
		p:          p,
		entries:    make(map[int]*fdEntry),
		eventBuf:   make([]unix.EpollEvent, cfg.BufferSize),
		threadSafe: cfg.ThreadSafe,
		clock:      cfg.Clock,
		log:        cfg.Logger,
	}
	heap.Init(&s.timeouts)
	return s, nil
}

// Add registers fd with empty interest, firing EvAdded synchronously on
// the calling (loop) thread (spec §4.1: "add"). Fails if fd is already
// registered.
func (s *Selector) Add(fd int, cb EventCallback, cookie any) error {
	if _, exists := s.entries[fd]; exists {
		return ErrAlreadyRegistered
	}
	if err := s.p.add(fd, OpNone); err != nil {
		return err
	}
	e := &fdEntry{fd: fd, cb: cb, cookie: cookie}
	s.entries[fd] = e
	s.log.Debug("selector add", "fd", fd)
	cb(fd, EvAdded, cookie)
	return nil
}

// Remove unregisters fd, firing EvRemoved synchronously. Any pending
// expiry nodes for fd are dropped.
func (s *Selector) Remove(fd int) error {
	e, ok := s.entries[fd]
	if !ok {
		return ErrNotRegistered
	}
	if err := s.p.remove(fd); err != nil {
		return err
	}
	s.clearExpiry(e, opRead)
	s.clearExpiry(e, opWrite)
	delete(s.entries, fd)
	s.log.Debug("selector remove", "fd", fd)
	e.cb(fd, EvRemoved, e.cookie)
	return nil
}

// Request sets or augments interest for ops with an absolute deadline
// (zero means no deadline, i.e. +∞ — spec §4.1 "request"). Always queues
// the request and signals the eventfd, regardless of calling goroutine,
// matching the original's selector_request which unconditionally enqueues
// and writes to evfd rather than special-casing the loop thread.
func (s *Selector) Request(fd int, ops OpSet, deadline time.Time) error {
	req := interestRequest{fd: fd, ops: ops, deadline: deadline}
	if s.threadSafe {
		s.mu.Lock()
		s.pending = append(s.pending, req)
		s.mu.Unlock()
	} else {
		s.pending = append(s.pending, req)
	}
	return s.p.wakeup()
}

// RunOnce drains deferred requests, waits on epoll for at most the
// nearest of defaultWait and the earliest expiry deadline, dispatches
// readiness events, then fires any expired deadlines (spec §4.1:
// "run_once"). It reports whether any real fd event or timeout fired, so
// Server.Run can decide whether to invoke its idle callback (spec §4.4:
// idle callback fires "each time run_once returns with no ready
// events").
func (s *Selector) RunOnce(defaultWait time.Duration) (bool, error) {
	s.drainPending()

	timeoutMs := s.computeTimeoutMs(defaultWait)
	n, err := s.p.wait(s.eventBuf, timeoutMs)
	if err != nil {
		return false, fatalErr("epoll_wait", err)
	}

	ready := false
	for i := 0; i < n; i++ {
		fd := int(s.eventBuf[i].Fd)
		if fd == s.p.wakeFd {
			if derr := s.p.drainWakeup(); derr != nil {
				return false, fatalErr("eventfd read", derr)
			}
			continue
		}
		s.dispatchEvent(fd, s.eventBuf[i].Events)
		ready = true
	}

	if s.dispatchTimeouts() > 0 {
		ready = true
	}
	return ready, nil
}

// Wakeup interrupts a blocked epoll_wait from any goroutine.
func (s *Selector) Wakeup() {
	_ = s.p.wakeup()
}

// Close releases the epoll and eventfd descriptors. It does not close
// registered fds; callers are expected to have already removed/closed
// them.
func (s *Selector) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.p.close()
}

func (s *Selector) drainPending() {
	var batch []interestRequest
	if s.threadSafe {
		s.mu.Lock()
		batch = s.pending
		s.pending = nil
		s.mu.Unlock()
	} else {
		batch = s.pending
		s.pending = nil
	}
	for _, r := range batch {
		s.applyInterest(r.fd, r.ops, r.deadline)
	}
}

// applyInterest re-registers ops with epoll and replaces any existing
// expiry node per (fd, kind) with a fresh one (spec §4.1: "re-requesting
// an operation already in the expiry queue replaces the existing node").
// A zero deadline (no timeout requested) simply gets no expiry node at
// all — there is nothing useful a heap entry that can never fire would
// buy over omitting it, unlike the original's INT64_MAX sentinel which
// still occupies a FIFO slot.
func (s *Selector) applyInterest(fd int, ops OpSet, deadline time.Time) {
	e, ok := s.entries[fd]
	if !ok {
		return // fd was removed before this deferred request was drained
	}
	if ops&OpRead != 0 {
		s.clearExpiry(e, opRead)
		if !deadline.IsZero() {
			e.rd = &expiryNode{fd: fd, kind: opRead, deadline: deadline}
			s.timeouts.push(e.rd)
		}
	}
	if ops&OpWrite != 0 {
		s.clearExpiry(e, opWrite)
		if !deadline.IsZero() {
			e.wr = &expiryNode{fd: fd, kind: opWrite, deadline: deadline}
			s.timeouts.push(e.wr)
		}
	}
	e.events |= ops
	_ = s.p.modify(fd, e.events)
}

func (s *Selector) computeTimeoutMs(defaultWait time.Duration) int {
	timeoutMs := -1
	if defaultWait > 0 {
		timeoutMs = int(defaultWait / time.Millisecond)
	}
	n := s.timeouts.peek()
	if n == nil {
		return timeoutMs
	}
	now := s.clock()
	if !n.deadline.After(now) {
		return 0
	}
	remain := int(n.deadline.Sub(now) / time.Millisecond)
	if timeoutMs < 0 || remain < timeoutMs {
		return remain
	}
	return timeoutMs
}

// dispatchEvent delivers read before error-or-write for fd (spec §4.1
// invariant: "Deliver events in this order: read, then either error or
// write (error suppresses write for that batch)" — the consistent
// majority reading per SPEC_FULL.md §11, not nio.h's inline write-before-
// read dispatch).
func (s *Selector) dispatchEvent(fd int, rawEvents uint32) {
	e, ok := s.entries[fd]
	if !ok {
		return
	}
	ev := fromEpoll(rawEvents)

	if ev&EvRead != 0 {
		s.clearExpiry(e, opRead)
		e.events &^= OpRead
		e.cb(fd, EvRead, e.cookie)
		if e, ok = s.entries[fd]; !ok {
			return // callback closed/removed fd during dispatch
		}
	}

	switch {
	case ev&EvError != 0:
		s.clearExpiry(e, opRead)
		s.clearExpiry(e, opWrite)
		e.events = OpNone
		e.cb(fd, EvError, e.cookie)
	case ev&EvWrite != 0:
		s.clearExpiry(e, opWrite)
		e.events &^= OpWrite
		e.cb(fd, EvWrite, e.cookie)
	}

	if e, ok = s.entries[fd]; ok {
		_ = s.p.modify(fd, e.events)
	}
}

// dispatchTimeouts pops expired nodes from the front of the expiry heap
// while deadline has passed, delivering an EvTimeout-tagged event to each
// (spec §4.1 step 4).
func (s *Selector) dispatchTimeouts() int {
	fired := 0
	now := s.clock()
	for {
		n := s.timeouts.peek()
		if n == nil || n.deadline.After(now) {
			return fired
		}
		s.timeouts.remove(n)
		fired++

		e, ok := s.entries[n.fd]
		if !ok {
			continue
		}
		if n.kind == opRead {
			e.rd = nil
			e.events &^= OpRead
			e.cb(n.fd, EvRead|EvTimeout, e.cookie)
		} else {
			e.wr = nil
			e.events &^= OpWrite
			e.cb(n.fd, EvWrite|EvTimeout, e.cookie)
		}
		if e, ok = s.entries[n.fd]; ok {
			_ = s.p.modify(n.fd, e.events)
		}
	}
}

func (s *Selector) clearExpiry(e *fdEntry, kind opKind) {
	switch kind {
	case opRead:
		if e.rd != nil {
			s.timeouts.remove(e.rd)
			e.rd = nil
		}
	case opWrite:
		if e.wr != nil {
			s.timeouts.remove(e.wr)
			e.wr = nil
		}
	}
}

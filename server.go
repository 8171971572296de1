package nio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lucky-nio/nio/nlog"
)

// CloseCallback fires exactly once per channel, after every pending
// receive/send callback for that fd has been invoked (spec §4.1
// ordering guarantee).
type CloseCallback func(fd int)

// IdleCallback fires each time run_once's epoll_wait returns with no
// ready events within the configured idle interval (spec §4.4:
// set_idle_interval).
type IdleCallback func()

// channelEntry is one row of Server's channel map (spec §4.4: "channel ->
// recv/send/close callbacks").
type channelEntry struct {
	ch    *Channel
	recv  ReceiveCallback
	send  SendCallback
	close CloseCallback
}

// Server is the top-level orchestration object: it owns one Selector
// plus fd-keyed listener and channel maps (spec §2 module "Server").
type Server struct {
	sel       *Selector
	listeners map[int]*Listener
	channels  map[int]*channelEntry

	idleInterval time.Duration
	idleCB       IdleCallback

	threadSafe bool
	cmdMu      sync.Mutex
	cmds       []command

	exiting atomic.Bool

	log *nlog.Logger
}

// NewServer constructs an empty Server (spec §3 data model: "Constructed
// empty; terminated by exit-loop").
func NewServer(cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()
	sel, err := NewSelector(cfg)
	if err != nil {
		return nil, err
	}
	return &Server{
		sel:          sel,
		listeners:    make(map[int]*Listener),
		channels:     make(map[int]*channelEntry),
		idleInterval: cfg.IdleInterval,
		threadSafe:   cfg.ThreadSafe,
		log:          cfg.Logger,
	}, nil
}

// AddListener opens a listener on local and registers cb as its accept
// callback, returning the listener fd as a handle (spec §4.4:
// "add_listener").
func (s *Server) AddListener(local Address, cb AcceptCallback) (int, error) {
	l := newListener(s.sel, cb, s.log)
	if err := l.Open(local); err != nil {
		return -1, err
	}
	fd := l.fd
	s.listeners[fd] = l
	l.onClose = func() { delete(s.listeners, fd) }
	return fd, nil
}

// ListenerAddr returns the bound address for a listener fd returned by
// AddListener, with an ephemeral port resolved to its actual value.
func (s *Server) ListenerAddr(fd int) (Address, bool) {
	l, ok := s.listeners[fd]
	if !ok {
		return Address{}, false
	}
	return l.Addr(), true
}

// AcceptChannel wraps an already-accepted fd (typically the client_fd
// delivered to an AcceptCallback) in a Channel and registers its
// recv/send/close callbacks (spec §4.4: "accept_channel").
func (s *Server) AcceptChannel(fd int, recv ReceiveCallback, send SendCallback, closeCB CloseCallback) error {
	if _, exists := s.channels[fd]; exists {
		return ErrAlreadyRegistered
	}
	ch := newChannel(fd, s.sel, s.log)
	if err := ch.openAccepted(); err != nil {
		return err
	}
	s.channels[fd] = &channelEntry{ch: ch, recv: recv, send: send, close: closeCB}
	ch.onClose = func() {
		delete(s.channels, fd)
		if closeCB != nil {
			closeCB(fd)
		}
	}
	return nil
}

// ConnectChannel is the outbound counterpart of AcceptChannel: it creates
// a socket, connects to remote, and registers recv/send/close callbacks
// up front so that even a connect failure delivered synchronously (not
// just one delivered later via a selector event) fires closeCB exactly
// once (spec §8 scenario 2: "close callback fires exactly once" even
// though the channel never reached the open state). This supplements
// spec.md's Server operations, which otherwise has no outbound-connect
// entry point distinct from accept_channel.
func (s *Server) ConnectChannel(remote Address, deadline time.Time, connected func(error), recv ReceiveCallback, send SendCallback, closeCB CloseCallback) (int, error) {
	fd, err := newSocket(remote, OptNonBlocked|OptTCPNoDelay)
	if err != nil {
		return -1, err
	}
	ch := newChannel(fd, s.sel, s.log)
	s.channels[fd] = &channelEntry{ch: ch, recv: recv, send: send, close: closeCB}
	ch.onClose = func() {
		delete(s.channels, fd)
		if closeCB != nil {
			closeCB(fd)
		}
	}
	if err := ch.beginConnect(remote, deadline, connected); err != nil {
		delete(s.channels, fd)
		ch.onClose = nil
		return -1, err
	}
	return fd, nil
}

// BeginReceive enqueues buf on fd's channel and requests readable (spec
// §4.4: "begin_receive").
func (s *Server) BeginReceive(fd int, buf *Buffer, deadline time.Time) error {
	entry, ok := s.channels[fd]
	if !ok {
		return ErrNotRegistered
	}
	return entry.ch.ReceiveN(buf, deadline, func(b *Buffer, err error) {
		if entry.recv != nil {
			entry.recv(b, err)
		}
	})
}

// Send enqueues buf on fd's channel and requests writable (spec §4.4:
// "send"). Ordering preservation — never attempting an immediate send
// ahead of queued buffers — is Channel.enqueueSend's responsibility.
func (s *Server) Send(fd int, buf *Buffer, deadline time.Time) error {
	entry, ok := s.channels[fd]
	if !ok {
		return ErrNotRegistered
	}
	return entry.ch.SendN(buf, deadline, func(b *Buffer, err error) {
		if entry.send != nil {
			entry.send(b, err)
		}
	})
}

// ShutdownChannel calls Channel.Shutdown immediately, then posts a
// deferred cancellation for the queued buffers in the given direction(s)
// (spec §4.4: "shutdown_channel"). The fd lookup reads the channel map
// without a lock and Channel.Shutdown runs on the calling goroutine; only
// the posted cancellation goes through the deferred inbox.
func (s *Server) ShutdownChannel(fd int, how ShutdownHow) error {
	entry, ok := s.channels[fd]
	if !ok {
		return ErrNotRegistered
	}
	if err := entry.ch.Shutdown(how); err != nil {
		return err
	}
	s.postCommand(command{kind: cmdShutdownChannel, fd: fd, how: how})
	return nil
}

// CloseChannel posts a deferred request that removes fd from the
// selector, closes it, fires the close callback, and erases the
// channel-map entry (spec §4.4: "close_channel"). The fd check reads the
// channel map without a lock; the close itself runs on the loop goroutine
// when the inbox is drained.
func (s *Server) CloseChannel(fd int) error {
	if _, ok := s.channels[fd]; !ok {
		return ErrNotRegistered
	}
	s.postCommand(command{kind: cmdCloseChannel, fd: fd})
	return nil
}

func (s *Server) postCommand(cmd command) {
	if s.threadSafe {
		s.cmdMu.Lock()
		s.cmds = append(s.cmds, cmd)
		s.cmdMu.Unlock()
	} else {
		s.cmds = append(s.cmds, cmd)
	}
	s.sel.Wakeup()
}

func (s *Server) drainCommands() {
	var batch []command
	if s.threadSafe {
		s.cmdMu.Lock()
		batch = s.cmds
		s.cmds = nil
		s.cmdMu.Unlock()
	} else {
		batch = s.cmds
		s.cmds = nil
	}
	for _, cmd := range batch {
		entry, ok := s.channels[cmd.fd]
		if !ok {
			continue
		}
		switch cmd.kind {
		case cmdShutdownChannel:
			entry.ch.cancelPending(cmd.how)
		case cmdCloseChannel:
			_ = entry.ch.Close()
		}
	}
}

// SetIdleInterval sets the maximum epoll_wait wait (spec §4.4:
// "set_idle_interval").
func (s *Server) SetIdleInterval(d time.Duration) { s.idleInterval = d }

// SetIdleCallback sets the callback fired each time epoll_wait returns
// zero ready events within the idle interval.
func (s *Server) SetIdleCallback(cb IdleCallback) { s.idleCB = cb }

// Run drives the reactor loop until ctx is cancelled or ExitLoop is
// called (spec §4.4: "run" — repeats drain-deferred-requests ->
// run_once(idle_interval) -> idle callback on zero -> return on error).
// ctx cancellation is an additional way to trigger the same exit path,
// not a replacement for spec.md's bare run()/exit-loop pair.
func (s *Server) Run(ctx context.Context) error {
	done := make(chan struct{})
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				s.ExitLoop()
			case <-done:
			}
		}()
		defer close(done)
	}

	for !s.exiting.Load() {
		s.drainCommands()

		ready, err := s.sel.RunOnce(s.idleInterval)
		if err != nil {
			return err
		}
		if !ready && s.idleCB != nil {
			s.idleCB()
		}
	}
	return nil
}

// ExitLoop requests that Run return after its current iteration. Safe
// from any goroutine.
func (s *Server) ExitLoop() {
	s.exiting.Store(true)
	s.sel.Wakeup()
}

// Wakeup interrupts a blocked Run iteration from any goroutine.
func (s *Server) Wakeup() {
	s.sel.Wakeup()
}

// Close releases the Server's Selector resources. Registered listeners
// and channels are not implicitly closed; callers should have already
// driven them to completion via CloseChannel/Listener.Close.
func (s *Server) Close() error {
	return s.sel.Close()
}

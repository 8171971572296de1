//go:build linux

package nio

import (
	"golang.org/x/sys/unix"
)

// OpSet is the read/write interest bitmask from spec §3's SelectorEntry
// ("current interest mask") and §6 ("selectRead/selectWrite combination").
type OpSet uint8

const (
	OpNone  OpSet = 0
	OpRead  OpSet = 1 << 0
	OpWrite OpSet = 1 << 1
)

// EventSet additionally carries selectError/selectTimeout, the delivered
// event kinds from spec §4.1.
type EventSet uint8

const (
	EvNone    EventSet = 0
	EvRead    EventSet = 1 << 0
	EvWrite   EventSet = 1 << 1
	EvError   EventSet = 1 << 2
	EvTimeout EventSet = 1 << 3
	// EvAdded and EvRemoved are Selector-only lifecycle notifications (spec
	// §4.1: "Emits an added notification to callback synchronously" and the
	// symmetric removal notification); they never come from epoll itself.
	EvAdded   EventSet = 1 << 4
	EvRemoved EventSet = 1 << 5
)

func (o OpSet) toEpoll() uint32 {
	var e uint32
	if o&OpRead != 0 {
		e |= unix.EPOLLIN
	}
	if o&OpWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func fromEpoll(events uint32) EventSet {
	var e EventSet
	if events&unix.EPOLLIN != 0 {
		e |= EvRead
	}
	if events&unix.EPOLLOUT != 0 {
		e |= EvWrite
	}
	if events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		e |= EvError
	}
	return e
}

// poller wraps one epoll instance plus the eventfd used for cross-thread
// wake-up (spec §3: Selector "owns an eventfd for cross-thread wake-up").
// Grounded on golang.org/x/sys/unix usage for epoll+eventfd as seen
// directly in the pack's trpc-group/tnet poller_epoll.go.
type poller struct {
	epfd  int
	wakeFd int
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, nioErrOp("epoll_create1", -1, err)
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, nioErrOp("eventfd", -1, err)
	}

	p := &poller{epfd: epfd, wakeFd: wakeFd}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		unix.Close(epfd)
		unix.Close(wakeFd)
		return nil, nioErrOp("epoll_ctl(add wakefd)", -1, err)
	}
	return p, nil
}

func (p *poller) add(fd int, ops OpSet) error {
	ev := unix.EpollEvent{Events: ops.toEpoll(), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return nioErrOp("epoll_ctl(add)", fd, err)
	}
	return nil
}

func (p *poller) modify(fd int, ops OpSet) error {
	ev := unix.EpollEvent{Events: ops.toEpoll(), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return nioErrOp("epoll_ctl(mod)", fd, err)
	}
	return nil
}

func (p *poller) remove(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return nioErrOp("epoll_ctl(del)", fd, err)
	}
	return nil
}

// wait blocks up to timeoutMs (-1 = forever) and fills events, returning
// the number of ready fds. EINTR is retried internally (spec §4.1:
// "epoll_wait returning EINTR is benign and retried implicitly").
func (p *poller) wait(events []unix.EpollEvent, timeoutMs int) (int, error) {
	for {
		n, err := unix.EpollWait(p.epfd, events, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, nioErrOp("epoll_wait", p.epfd, err)
		}
		return n, nil
	}
}

// wakeup writes a single 8-byte increment to the eventfd, per spec §5:
// "written with a single 8-byte increment".
func (p *poller) wakeup() error {
	var buf [8]byte
	buf[0] = 1
	for {
		_, err := unix.Write(p.wakeFd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			// counter already non-zero and saturating write would block:
			// a pending wakeup is already in flight, nothing further to do.
			return nil
		}
		return err
	}
}

// drainWakeup reads the eventfd's counter back to zero. Spec §5: "the
// reactor drains it with one read per wakeup" — in practice epoll can
// coalesce many writes into one readiness notification, so this reads
// exactly once per readiness (one read consumes the entire counter).
func (p *poller) drainWakeup() error {
	var buf [8]byte
	for {
		_, err := unix.Read(p.wakeFd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return nil
		}
		return err
	}
}

func (p *poller) close() error {
	e1 := unix.Close(p.wakeFd)
	e2 := unix.Close(p.epfd)
	if e2 != nil {
		return e2
	}
	return e1
}

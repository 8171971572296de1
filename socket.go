//go:build linux

package nio

import (
	"golang.org/x/sys/unix"
)

// SockOpt is a bit-flag set of socket options, per spec §6's "Socket-
// option flags: non_blocked, linger, reuse_addr, tcp_nodelay".
type SockOpt uint

const (
	OptNonBlocked SockOpt = 1 << iota
	OptLinger
	OptReuseAddr
	OptTCPNoDelay
)

const defaultBacklog = 128 // platform-default backlog (spec §4.3)

// lingerSeconds mirrors the original's net::socket_open_channel, which
// hardcodes a 30-second linger when sockopt_linger is requested.
const lingerSeconds = 30

// newSocket creates a non-blocking, close-on-exec socket for addr's
// network and applies opts. Mirrors net::socket_open_channel in the
// original's network.h.
func newSocket(addr Address, opts SockOpt) (fd int, err error) {
	af, sotype, err := addr.family()
	if err != nil {
		return -1, err
	}

	fd, err = unix.Socket(af, sotype|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, nioErrOp("socket", -1, err)
	}

	if opts&OptReuseAddr != 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			unix.Close(fd)
			return -1, nioErrOp("setsockopt(SO_REUSEADDR)", fd, err)
		}
	}
	if opts&OptTCPNoDelay != 0 && sotype == unix.SOCK_STREAM {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			unix.Close(fd)
			return -1, nioErrOp("setsockopt(TCP_NODELAY)", fd, err)
		}
	}
	if opts&OptLinger != 0 {
		l := unix.Linger{Onoff: 1, Linger: lingerSeconds}
		if err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &l); err != nil {
			unix.Close(fd)
			return -1, nioErrOp("setsockopt(SO_LINGER)", fd, err)
		}
	}
	return fd, nil
}

// socketBind binds fd to addr.
func socketBind(fd int, addr Address) error {
	sa, err := addr.sockaddr()
	if err != nil {
		return err
	}
	if err := unix.Bind(fd, sa); err != nil {
		return nioErrOp("bind", fd, err)
	}
	return nil
}

// socketListen marks fd as a listening socket with the platform default
// backlog (spec §4.3: "listens with a platform default backlog").
func socketListen(fd int) error {
	if err := unix.Listen(fd, defaultBacklog); err != nil {
		return nioErrOp("listen", fd, err)
	}
	return nil
}

// socketAccept accepts one pending connection non-blocking + close-on-
// exec, optionally setting TCP_NODELAY on the accepted fd (spec §4.3:
// "accept4 ... plus TCP_NODELAY where requested").
func socketAccept(fd int, tcpNoDelay bool) (nfd int, sa unix.Sockaddr, err error) {
	nfd, sa, err = unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, nil, err // caller distinguishes EAGAIN/EINTR from fatal
	}
	if tcpNoDelay {
		_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}
	return nfd, sa, nil
}

// socketConnect issues a non-blocking connect. A nil error means the
// connect completed synchronously (rare, usually for unix sockets);
// unix.EINPROGRESS is the expected outcome for a non-blocking TCP
// connect and is returned verbatim for the caller to register writable.
func socketConnect(fd int, addr Address) error {
	sa, err := addr.sockaddr()
	if err != nil {
		return err
	}
	return unix.Connect(fd, sa)
}

// socketSend performs one non-blocking send attempt.
func socketSend(fd int, buf []byte) (int, error) {
	n, err := unix.Write(fd, buf)
	return n, err
}

// socketRecv performs one non-blocking receive attempt.
func socketRecv(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	return n, err
}

// ShutdownHow mirrors unix.SHUT_RD/WR/RDWR selection.
type ShutdownHow int

const (
	ShutdownRead ShutdownHow = 1 << iota
	ShutdownWrite
)

func (h ShutdownHow) sysHow() int {
	switch h & (ShutdownRead | ShutdownWrite) {
	case ShutdownRead:
		return unix.SHUT_RD
	case ShutdownWrite:
		return unix.SHUT_WR
	default:
		return unix.SHUT_RDWR
	}
}

func socketShutdown(fd int, how ShutdownHow) error {
	if err := unix.Shutdown(fd, how.sysHow()); err != nil {
		return nioErrOp("shutdown", fd, err)
	}
	return nil
}

// socketError reads SO_ERROR, the standard way to learn the true outcome
// of a non-blocking connect (or a prior async I/O failure) once the fd
// becomes writable or epoll reports EPOLLERR.
func socketError(fd int) (int, error) {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return 0, nioErrOp("getsockopt(SO_ERROR)", fd, err)
	}
	return errno, nil
}

func socketClose(fd int) error {
	if err := unix.Close(fd); err != nil {
		return nioErrOp("close", fd, err)
	}
	return nil
}

package nio

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/lucky-nio/nio/nlog"
)

func TestListenerAcceptDrainsPendingConnections(t *testing.T) {
	sel := newTestSelector(t)

	var accepted []int
	var acceptErrs []error
	l := newListener(sel, func(listenerFd, clientFd int, remote Address, err error) {
		if err != nil {
			acceptErrs = append(acceptErrs, err)
			return
		}
		accepted = append(accepted, clientFd)
	}, nlog.Discard())
	require.NoError(t, l.Open(Address{Network: "tcp", Host: "127.0.0.1", Port: 0}))
	t.Cleanup(func() { _ = l.Close() })

	addr := l.Addr()
	require.NotZero(t, addr.Port)

	// Dial several connections before the selector loop ever runs, so
	// they all arrive in the listener's backlog for one readiness event
	// to drain in a single acceptLoop pass.
	const n = 5
	conns := make([]net.Conn, n)
	for i := 0; i < n; i++ {
		c, err := net.Dial("tcp", net.JoinHostPort(addr.Host, strconv.Itoa(addr.Port)))
		require.NoError(t, err)
		conns[i] = c
	}
	t.Cleanup(func() {
		for _, c := range conns {
			_ = c.Close()
		}
	})

	runSelectorUntil(t, sel, 2*time.Second, func() bool { return len(accepted) == n })
	require.Len(t, accepted, n)
	require.Empty(t, acceptErrs)

	for _, fd := range accepted {
		unix.Close(fd)
	}
}

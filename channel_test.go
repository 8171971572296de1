package nio

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lucky-nio/nio/nlog"
)

// runSelectorUntil drives sel.RunOnce in a loop until done returns true or
// the overall deadline elapses, failing the test on timeout.
func runSelectorUntil(t testing.TB, sel *Selector, deadline time.Duration, done func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for !done() {
		if time.Now().After(end) {
			t.Fatalf("timed out waiting for condition")
		}
		_, err := sel.RunOnce(50 * time.Millisecond)
		require.NoError(t, err)
	}
}

// echoListener starts a plain stdlib TCP listener that echoes back
// whatever it reads, for exercising Channel as the non-blocking client
// side against an ordinary blocking peer.
func echoListener(t testing.TB) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				buf := make([]byte, 256)
				for {
					n, err := conn.Read(buf)
					if n > 0 {
						if _, werr := conn.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}()
		}
	}()
	return ln
}

func dialAddress(t testing.TB, ln net.Listener) Address {
	t.Helper()
	tcpAddr := ln.Addr().(*net.TCPAddr)
	return Address{Network: "tcp", Host: tcpAddr.IP.String(), Port: tcpAddr.Port}
}

func TestChannelOpenSendReceiveEcho(t *testing.T) {
	ln := echoListener(t)
	sel := newTestSelector(t)

	ch := newChannel(-1, sel, nlog.Discard())
	var openErr error
	opened := false
	require.NoError(t, ch.Open(dialAddress(t, ln), time.Now().Add(2*time.Second), func(err error) {
		openErr = err
		opened = true
	}))
	runSelectorUntil(t, sel, 2*time.Second, func() bool { return opened })
	require.NoError(t, openErr)

	sendBuf := NewBufferFromBytes([]byte("hello world"))
	sendDone := false
	require.NoError(t, ch.SendN(sendBuf, time.Now().Add(2*time.Second), func(b *Buffer, err error) {
		sendDone = true
		require.NoError(t, err)
	}))
	runSelectorUntil(t, sel, 2*time.Second, func() bool { return sendDone })

	recvBuf := NewBuffer(len("hello world"))
	recvDone := false
	require.NoError(t, ch.ReceiveN(recvBuf, time.Now().Add(2*time.Second), func(b *Buffer, err error) {
		recvDone = true
		require.NoError(t, err)
	}))
	runSelectorUntil(t, sel, 2*time.Second, func() bool { return recvDone })

	require.Equal(t, "hello world", string(recvBuf.Filled()))
	require.NoError(t, ch.Close())
}

func TestChannelConnectTimeout(t *testing.T) {
	sel := newTestSelector(t)
	ch := newChannel(-1, sel, nlog.Discard())

	// TEST-NET-3 (RFC 5737): guaranteed non-routable, so the connect
	// attempt never completes and never gets refused either.
	unreachable := Address{Network: "tcp", Host: "203.0.113.1", Port: 81}

	var connectErr error
	done := false
	require.NoError(t, ch.Open(unreachable, time.Now().Add(100*time.Millisecond), func(err error) {
		connectErr = err
		done = true
	}))
	runSelectorUntil(t, sel, 3*time.Second, func() bool { return done })
	require.Error(t, connectErr)
}

func TestChannelShutdownCancelsQueuedReceive(t *testing.T) {
	ln := echoListener(t)
	sel := newTestSelector(t)

	ch := newChannel(-1, sel, nlog.Discard())
	opened := false
	require.NoError(t, ch.Open(dialAddress(t, ln), time.Now().Add(2*time.Second), func(error) { opened = true }))
	runSelectorUntil(t, sel, 2*time.Second, func() bool { return opened })

	// Request far more than the peer will ever send, so this stays
	// queued on recvQueue until cancelled.
	recvBuf := NewBuffer(4096)
	var recvErr error
	recvDone := false
	require.NoError(t, ch.ReceiveN(recvBuf, time.Time{}, func(b *Buffer, err error) {
		recvErr = err
		recvDone = true
	}))

	require.NoError(t, ch.Shutdown(ShutdownRead|ShutdownWrite))
	ch.cancelPending(ShutdownRead | ShutdownWrite)

	require.True(t, recvDone)
	require.ErrorIs(t, recvErr, ErrCancelled)
	require.NoError(t, ch.Close())
}

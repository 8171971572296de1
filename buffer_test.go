package nio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferReceiveFlow(t *testing.T) {
	b := NewBuffer(8)
	require.Equal(t, 8, b.Capacity())
	require.Equal(t, 8, len(b.receiveSpace()))

	copy(b.receiveSpace(), []byte("abcd"))
	b.SetEnd(4)
	require.Equal(t, []byte("abcd"), b.Filled())
	require.False(t, b.ReceiveSatisfied())
	require.Equal(t, 4, len(b.receiveSpace()))
}

func TestBufferSendFlow(t *testing.T) {
	b := NewBufferFromBytes([]byte("hello"))
	require.Equal(t, []byte("hello"), b.Pending())
	b.SetPosition(3)
	require.Equal(t, []byte("hel"), b.Sent())
	require.Equal(t, []byte("lo"), b.Pending())
	require.False(t, b.SendSatisfied())
	b.SetPosition(5)
	require.True(t, b.SendSatisfied())
}

func TestBufferPullup(t *testing.T) {
	b := NewBuffer(8)
	copy(b.Bytes(), []byte("xxabcd"))
	b.begin = 2
	b.end = 6
	b.Pullup()
	require.Equal(t, 0, b.Begin())
	require.Equal(t, 4, b.End())
	require.Equal(t, []byte("abcd"), b.Filled())
}

func TestBufferAttachDetach(t *testing.T) {
	b := NewBuffer(4)
	mem := b.Detach()
	require.Equal(t, 4, len(mem))
	require.True(t, b.Detached())
	require.Nil(t, b.Filled())
	require.Nil(t, b.Pending())
	require.Nil(t, b.receiveSpace())
	require.Equal(t, 0, b.Capacity())

	b.Attach(make([]byte, 16))
	require.False(t, b.Detached())
	require.Equal(t, 16, b.Capacity())
}

func TestBufferReset(t *testing.T) {
	b := NewBuffer(4)
	b.SetEnd(4)
	b.Reset()
	require.Equal(t, 0, b.End())
	require.Equal(t, 4, b.Limit())
}

package nio

import (
	"container/heap"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExpiryQueueOrdersByDeadline(t *testing.T) {
	var q expiryQueue
	heap.Init(&q)

	base := time.Now()
	n1 := &expiryNode{fd: 1, deadline: base.Add(3 * time.Second)}
	n2 := &expiryNode{fd: 2, deadline: base.Add(1 * time.Second)}
	n3 := &expiryNode{fd: 3, deadline: base.Add(2 * time.Second)}
	q.push(n1)
	q.push(n2)
	q.push(n3)

	require.Equal(t, n2, q.peek())
	q.remove(n2)
	require.Equal(t, n3, q.peek())
	q.remove(n3)
	require.Equal(t, n1, q.peek())
	q.remove(n1)
	require.Nil(t, q.peek())
}

func TestExpiryQueueRemoveMidHeap(t *testing.T) {
	var q expiryQueue
	heap.Init(&q)

	base := time.Now()
	nodes := make([]*expiryNode, 5)
	for i := range nodes {
		nodes[i] = &expiryNode{fd: i, deadline: base.Add(time.Duration(i) * time.Second)}
		q.push(nodes[i])
	}

	// remove a node from the middle; the rest must still come out in
	// deadline order.
	q.remove(nodes[2])
	var order []int
	for q.peek() != nil {
		n := q.peek()
		q.remove(n)
		order = append(order, n.fd)
	}
	require.Equal(t, []int{0, 1, 3, 4}, order)
}

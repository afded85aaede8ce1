package aio

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunkedQueue_fifoAcrossChunks(t *testing.T) {
	q := newChunkedQueue[int]()
	const n = chunkSize*3 + 7
	for i := 0; i < n; i++ {
		q.Push(i)
	}
	require.Equal(t, n, q.Length())
	for i := 0; i < n; i++ {
		v, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	_, ok := q.Pop()
	require.False(t, ok)
	require.Zero(t, q.Length())

	// reuse after draining
	q.Push(1)
	q.Push(2)
	v, _ := q.Pop()
	require.Equal(t, 1, v)
	q.Push(3)
	v, _ = q.Pop()
	require.Equal(t, 2, v)
	v, _ = q.Pop()
	require.Equal(t, 3, v)
}

func TestCompletionIngress_concurrentPush(t *testing.T) {
	x := newCompletionIngress()
	const producers, each = 8, 500
	reqs := make([]requestBase, producers*each)
	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				x.push(&reqs[p*each+i])
			}
		}()
	}
	wg.Wait()
	require.Equal(t, producers*each, x.length())

	seen := make(map[*requestBase]bool, len(reqs))
	x.drain(func(r *requestBase) { seen[r] = true })
	require.Len(t, seen, len(reqs))
	require.Zero(t, x.length())
}

func TestRequestList(t *testing.T) {
	var list requestList
	a, b, c := &requestBase{}, &requestBase{}, &requestBase{}
	list.pushBack(a)
	list.pushBack(b)
	list.pushBack(c)
	require.Equal(t, 3, list.len())
	require.Panics(t, func() { list.pushBack(b) })

	list.remove(b)
	list.remove(b)
	var got []*requestBase
	list.each(func(r *requestBase) { got = append(got, r) })
	require.Equal(t, []*requestBase{a, c}, got)

	list.remove(a)
	list.remove(c)
	require.Zero(t, list.len())
	list.pushBack(b)
	require.Equal(t, 1, list.len())
}

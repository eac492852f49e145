// priority_queue_test.go - Priority queue tests.
// Copyright (C) 2025  Stillpost Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package queue

import (
	"container/heap"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stillpost/stillpost/core/crypto/rand"
)

func TestPriorityQueueOrdering(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	q := New()
	priorities := []uint64{90, 5, 70, 5, 42, 1, 99, 5}
	for i, p := range priorities {
		q.Enqueue(p, i)
	}
	require.Equal(len(priorities), q.Len())

	last := uint64(0)
	for q.Len() > 0 {
		e := q.Peek()
		require.NotNil(e)
		require.True(e.Priority >= last, "priorities out of order")
		last = e.Priority
		heap.Pop(q)
	}
}

func TestPriorityQueueFIFOTieBreak(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	q := New()
	const nrEntries = 32
	for i := 0; i < nrEntries; i++ {
		q.Enqueue(123, i)
	}

	// Entries with identical priority must dequeue in insertion order.
	for i := 0; i < nrEntries; i++ {
		e := heap.Pop(q).(*Entry)
		require.Equal(i, e.Value.(int), "tie break is not FIFO")
	}
}

func TestPriorityQueueDequeueRandom(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	q := New()
	for i := 0; i < 100; i++ {
		q.Enqueue(uint64(i), i)
	}

	mRand := rand.NewMath()
	seen := make(map[int]bool)
	for i := 0; i < 50; i++ {
		e := q.DequeueRandom(mRand)
		require.NotNil(e)
		v := e.Value.(int)
		require.False(seen[v], "duplicate dequeue")
		seen[v] = true
	}
	require.Equal(50, q.Len())

	// The heap invariant must survive random removal.
	last := uint64(0)
	for q.Len() > 0 {
		e := heap.Pop(q).(*Entry)
		require.True(e.Priority >= last)
		last = e.Priority
	}

	require.Nil(q.DequeueRandom(mRand))
}

func TestPriorityQueueEmpty(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	q := New()
	require.Nil(q.Peek())
	require.Nil(q.Pop())
	require.Nil(q.DequeueIndex(0))
	require.Equal(0, q.Len())
}

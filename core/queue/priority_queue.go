// priority_queue.go - Min-heap priority queue.
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

// Package queue implements a priority queue with stable ordering between
// entries of equal priority.
package queue

import (
	"container/heap"
	"math/rand"
)

// Entry pairs an opaque Value with the Priority that orders it.
type Entry struct {
	Value    interface{}
	Priority uint64

	seq uint64
}

// PriorityQueue is a min-heap keyed on Entry.Priority.  Entries that
// share a priority dequeue in insertion order.
type PriorityQueue struct {
	heap []*Entry

	nextSeq uint64
}

// Less implements sort.Interface.  Priority ties are broken by insertion
// sequence so that equal priority entries dequeue FIFO.
func (q PriorityQueue) Less(i, j int) bool {
	a, b := q.heap[i], q.heap[j]
	if a.Priority == b.Priority {
		return a.seq < b.seq
	}
	return a.Priority < b.Priority
}

// Swap implements sort.Interface.
func (q PriorityQueue) Swap(i, j int) {
	if i < 0 || j < 0 {
		return
	}
	q.heap[i], q.heap[j] = q.heap[j], q.heap[i]
}

// Push implements heap.Interface.
func (q *PriorityQueue) Push(x interface{}) {
	q.heap = append(q.heap, x.(*Entry))
}

// Pop implements heap.Interface.
func (q *PriorityQueue) Pop() interface{} {
	n := len(q.heap)
	if n == 0 {
		return nil
	}
	e := q.heap[n-1]
	q.heap[n-1] = nil // Release the reference so the entry can be collected.
	q.heap = q.heap[:n-1]
	return e
}

// Peek returns the entry with the lowest priority without removing it,
// or nil if the queue is empty.  The caller must not change the returned
// entry's Priority.
func (q *PriorityQueue) Peek() *Entry {
	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0]
}

// Enqueue inserts value with the given priority.
func (q *PriorityQueue) Enqueue(priority uint64, value interface{}) {
	ent := &Entry{
		Value:    value,
		Priority: priority,
		seq:      q.nextSeq,
	}
	q.nextSeq++
	heap.Push(q, ent)
}

// DequeueIndex removes and returns the entry at position index in heap
// order, or nil if the queue is empty.
func (q *PriorityQueue) DequeueIndex(index int) *Entry {
	if len(q.heap) == 0 {
		return nil
	}
	return heap.Remove(q, index).(*Entry)
}

// DequeueRandom removes and returns an entry chosen uniformly at random,
// or nil if the queue is empty.
func (q *PriorityQueue) DequeueRandom(r *rand.Rand) *Entry {
	if len(q.heap) == 0 {
		return nil
	}
	return heap.Remove(q, r.Intn(len(q.heap))).(*Entry)
}

// Len reports the number of queued entries.
func (q *PriorityQueue) Len() int {
	return len(q.heap)
}

// New creates an empty PriorityQueue.
func New() *PriorityQueue {
	return new(PriorityQueue)
}

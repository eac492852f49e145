// queue_mem.go - Stillpost scheduler memory queue.
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

package scheduler

import (
	"container/heap"
	mRand "math/rand"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/stillpost/stillpost/core/crypto/rand"
	"github.com/stillpost/stillpost/core/queue"
	"github.com/stillpost/stillpost/server/internal/glue"
	"github.com/stillpost/stillpost/server/internal/instrument"
	"github.com/stillpost/stillpost/server/internal/packet"
)

type memoryQueue struct {
	glue glue.Glue
	log  *logging.Logger

	q     *queue.PriorityQueue
	mRand *mRand.Rand
}

func (q *memoryQueue) Halt() {
	// Nothing to tear down, the heap just gets garbage collected.
}

func (q *memoryQueue) Peek() (time.Time, *packet.Packet) {
	e := q.q.Peek()
	if e == nil {
		return time.Time{}, nil
	}

	// Priorities are dispatch times as nanoseconds since the epoch.
	return time.Unix(0, int64(e.Priority)), e.Value.(*packet.Packet)
}

func (q *memoryQueue) Pop() {
	heap.Pop(q.q)
}

func (q *memoryQueue) BulkEnqueue(batch []*packet.Packet) {
	now := time.Now()
	maxCapacity := q.glue.Config().Debug.SchedulerQueueSize
	randomEviction := q.glue.Config().Debug.SchedulerRandomEviction
	for _, pkt := range batch {
		if maxCapacity > 0 && !randomEviction && q.q.Len() >= maxCapacity {
			// Entries already holding a slot keep it, the new arrival
			// loses.
			q.log.Debugf("Queue size limit reached, refusing: %v", pkt.ID)
			instrument.PacketsDropped()
			instrument.MixPacketsDropped()
			instrument.QueueFullPacketsDropped()
			pkt.Dispose()
			continue
		}

		// Insert before the capacity check so the new arrival is
		// itself a candidate for the random eviction.
		q.q.Enqueue(uint64(now.Add(pkt.Delay).UnixNano()), pkt)
		if maxCapacity <= 0 || q.q.Len() <= maxCapacity {
			continue
		}

		drop := q.q.DequeueRandom(q.mRand).Value.(*packet.Packet)
		q.log.Debugf("Queue size limit reached, discarding: %v", drop.ID)
		instrument.PacketsDropped()
		instrument.MixPacketsDropped()
		instrument.QueueFullPacketsDropped()
		drop.Dispose()
	}
}

func newMemoryQueue(glue glue.Glue, log *logging.Logger) queueImpl {
	return &memoryQueue{
		glue:  glue,
		log:   log,
		q:     queue.New(),
		mRand: rand.NewMath(),
	}
}

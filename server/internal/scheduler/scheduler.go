// scheduler.go - Stillpost server scheduler.
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

// Package scheduler implements the delay queue that holds each packet
// for the duration encoded in its routing commands.
package scheduler

import (
	"math"
	"time"

	"gopkg.in/eapache/channels.v1"
	"gopkg.in/op/go-logging.v1"

	"github.com/stillpost/stillpost/core/epochtime"
	"github.com/stillpost/stillpost/core/worker"
	"github.com/stillpost/stillpost/server/internal/constants"
	"github.com/stillpost/stillpost/server/internal/debug"
	"github.com/stillpost/stillpost/server/internal/glue"
	"github.com/stillpost/stillpost/server/internal/instrument"
	"github.com/stillpost/stillpost/server/internal/packet"
)

type queueImpl interface {
	Halt()
	Peek() (time.Time, *packet.Packet)
	Pop()
	BulkEnqueue([]*packet.Packet)
}

type scheduler struct {
	worker.Worker

	glue glue.Glue
	log  *logging.Logger

	q          queueImpl
	inCh       *channels.InfiniteChannel
	outCh      *channels.BatchingChannel
	maxDelayCh chan uint64
}

func (sch *scheduler) Halt() {
	sch.Worker.Halt()
	sch.inCh.Close()
	sch.q.Halt()
}

func (sch *scheduler) OnNewMixMaxDelay(newMixMaxDelay uint64) {
	sch.maxDelayCh <- newMixMaxDelay
}

func (sch *scheduler) OnPacket(pkt *packet.Packet) {
	sch.inCh.In() <- pkt
}

// filterBatch screens a batch from the crypto workers, dropping packets
// with pathological delays and packets whose next hop is not a known
// forward destination.
func (sch *scheduler) filterBatch(batch []interface{}, maxDelay time.Duration) []*packet.Packet {
	toEnqueue := make([]*packet.Packet, 0, len(batch))
	for _, e := range batch {
		// The delay was already adjusted for the processing time spent
		// before the packet got here.
		pkt := e.(*packet.Packet)

		if pkt.Delay > maxDelay {
			sch.log.Debugf("Dropping packet: %v (Delay exceeds max: %v)", pkt.ID, pkt.Delay)
			instrument.PacketsDropped()
			instrument.MixPacketsDropped()
			instrument.InvalidPacketsDropped()
			pkt.Dispose()
			continue
		}

		if !sch.glue.Connector().IsValidForwardDest(&pkt.NextNodeHop.ID) {
			sID := debug.NodeIDToPrintString(&pkt.NextNodeHop.ID)
			sch.log.Debugf("Dropping packet: %v (Next hop is invalid: %v)", pkt.ID, sID)
			instrument.PacketsDropped()
			instrument.MixPacketsDropped()
			instrument.InvalidPacketsDropped()
			pkt.Dispose()
			continue
		}

		sch.log.Debugf("Enqueueing packet: %v delta-t: %v", pkt.ID, pkt.Delay)
		toEnqueue = append(toEnqueue, pkt)
	}
	return toEnqueue
}

// dispatchEligible drains every queue head whose release instant has
// arrived, up to the burst ceiling, then arms the timer for the next
// wakeup.
func (sch *scheduler) dispatchEligible(timer *time.Timer, timerSlack time.Duration) {
	nrBurst, maxBurst := 0, sch.glue.Config().Debug.SchedulerMaxBurst
	for {
		dispatchAt, pkt := sch.q.Peek()
		if pkt == nil {
			// Nothing queued. Sleep until a batch arrives.
			timer.Reset(math.MaxInt64)
			return
		}

		now := time.Now()
		if dispatchAt.After(now) {
			// The head is not due yet.
			timer.Reset(dispatchAt.Sub(now))
			return
		}

		if nrBurst++; nrBurst > maxBurst {
			// Burst ceiling hit. Yield so the inbound side of the
			// queue does not back up, then come right back.
			timer.Reset(1 * time.Microsecond)
			return
		}

		sch.q.Pop()

		if deltaT := now.Sub(dispatchAt); deltaT > timerSlack {
			sch.log.Debugf("Dropping packet: %v (Deadline blown by %v)", pkt.ID, deltaT)
			instrument.DeadlineBlownPacketsDropped()
			instrument.PacketsDropped()
			instrument.MixPacketsDropped()
			pkt.Dispose()
			continue
		}

		// The connector takes ownership, and may still drop the packet
		// if the link to the peer is down or overloaded.
		pkt.DispatchAt = now
		sch.glue.Connector().DispatchPacket(pkt)
	}
}

func (sch *scheduler) worker() {
	// A packet cannot outlive the key that unwrapped it, so the key
	// rotation window caps the delay regardless of what any topology
	// document says.
	var absoluteMaxDelay = epochtime.Period * constants.NumMixKeys

	timerSlack := time.Duration(sch.glue.Config().Debug.SchedulerSlack) * time.Millisecond
	timer := time.NewTimer(math.MaxInt64)
	defer timer.Stop()

	maxDelay := absoluteMaxDelay
	for {
		// Idle until the next batch from the crypto workers, a delay
		// cap change, or the release instant of the queue head. The
		// hold in this loop is the "mix" in mix network. Scheduling is
		// deliberately single threaded, the cycles go to the crypto
		// workers.
		var timerFired bool
		select {
		case <-sch.HaltCh():
			sch.log.Debugf("Terminating gracefully.")
			return
		case iBatch := <-sch.outCh.Out():
			batch := iBatch.([]interface{})
			sch.log.Debugf("Batch processing %v packets.", len(batch))
			toEnqueue := sch.filterBatch(batch, maxDelay)
			sch.q.BulkEnqueue(toEnqueue)
			instrument.MixQueueSize(uint64(len(toEnqueue)))
		case newMaxDelay := <-sch.maxDelayCh:
			pkiMaxDelay := time.Duration(newMaxDelay) * time.Millisecond
			if pkiMaxDelay > absoluteMaxDelay || pkiMaxDelay == 0 {
				maxDelay = absoluteMaxDelay
			} else {
				maxDelay = pkiMaxDelay
			}
			sch.log.Debugf("New document MixMaxDelay %v, using %v.", pkiMaxDelay, maxDelay)
		case <-timer.C:
			timerFired = true
		}

		if !timerFired && !timer.Stop() {
			<-timer.C
		}
		sch.dispatchEligible(timer, timerSlack)
	}
}

func (sch *scheduler) pipeWorker() {
	for {
		select {
		case <-sch.HaltCh():
			sch.log.Debugf("pipe worker: Terminating gracefully.")
			return
		case elem, ok := <-sch.inCh.Out():
			if !ok {
				return
			}
			select {
			case <-sch.HaltCh():
				sch.log.Debugf("pipe worker: Terminating gracefully.")
				return
			case sch.outCh.In() <- elem:
			}
		}
	}
}

func (sch *scheduler) monitorWorker() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sch.HaltCh():
			return
		case <-ticker.C:
			instrument.GaugeChannelLength("server.scheduler.inCh", sch.inCh.Len())
		}
	}
}

// New constructs a new scheduler instance.
func New(glue glue.Glue) (glue.Scheduler, error) {
	const maxBatchSize = 64 // TODO/perf: Tune this.

	sch := &scheduler{
		glue:       glue,
		log:        glue.LogBackend().GetLogger("scheduler"),
		inCh:       channels.NewInfiniteChannel(),
		outCh:      channels.NewBatchingChannel(maxBatchSize),
		maxDelayCh: make(chan uint64),
	}

	if glue.Config().Debug.SchedulerExternalMemoryQueue {
		sch.log.Noticef("Initializing external memory queue.")
		var err error
		sch.q, err = newBoltQueue(glue)
		if err != nil {
			return nil, err
		}
	} else {
		sch.log.Noticef("Initializing memory queue.")
		sch.q = newMemoryQueue(glue, sch.log)
	}

	sch.Go(sch.monitorWorker)
	sch.Go(sch.pipeWorker)
	sch.Go(sch.worker)
	return sch, nil
}

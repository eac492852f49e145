// connector.go - Stillpost server connector.
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

// Package outgoing implements the outgoing connection support.
package outgoing

import (
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"gopkg.in/op/go-logging.v1"

	"github.com/stillpost/stillpost/core/epochtime"
	"github.com/stillpost/stillpost/core/sphinx/geo"
	"github.com/stillpost/stillpost/core/worker"
	"github.com/stillpost/stillpost/server/internal/debug"
	"github.com/stillpost/stillpost/server/internal/glue"
	"github.com/stillpost/stillpost/server/internal/instrument"
	"github.com/stillpost/stillpost/server/internal/packet"
)

type connector struct {
	sync.RWMutex
	worker.Worker

	glue glue.Glue
	log  *logging.Logger

	conns   map[[geo.NodeIDLength]byte]*outgoingConn
	dialSem *semaphore.Weighted

	forceUpdateCh chan interface{}

	closeAllCh chan interface{}
	closeAllWg sync.WaitGroup
}

func (co *connector) Halt() {
	co.Worker.Halt()

	// Tear down every established connection and wait for the conn
	// workers to unwind.
	close(co.closeAllCh)
	co.closeAllWg.Wait()
}

func (co *connector) ForceUpdate() {
	// A sweep covers the whole topology, so collapsing a burst of update
	// requests into the single buffered slot loses nothing.  If the slot
	// is already taken the pending sweep will pick up the change, and the
	// resweep timer backstops everything else.
	select {
	case co.forceUpdateCh <- true:
	default:
	}
}

func (co *connector) DispatchPacket(pkt *packet.Packet) {
	co.RLock()
	defer co.RUnlock()

	if pkt.NextNodeHop == nil {
		co.log.Debugf("Dropping packet: %v (NextNodeHop is nil)", pkt.ID)
		instrument.InvalidPacketsDropped()
		instrument.PacketsDropped()
		pkt.Dispose()
		return
	}

	if c, ok := co.conns[pkt.NextNodeHop.ID]; ok {
		c.dispatchPacket(pkt)
		return
	}

	co.log.Debugf("Dropping packet: %v (No connection for destination)", pkt.ID)
	instrument.OutgoingPacketsDropped()
	instrument.PacketsDropped()
	pkt.Dispose()
}

func (co *connector) worker() {
	var (
		initialSweepDelay = epochtime.Period / 64
		resweepInterval   = epochtime.Period / 8
	)

	timer := time.NewTimer(initialSweepDelay)
	defer timer.Stop()

	for {
		select {
		case <-co.HaltCh():
			co.log.Debugf("Terminating gracefully.")
			return
		case <-co.forceUpdateCh:
			// An early sweep rearms the timer below, drain a concurrent
			// fire so Reset starts from a clean timer.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		// Reconcile the connection table against the current topology.
		co.sweepConns()
		timer.Reset(resweepInterval)
	}
}

func (co *connector) sweepConns() {
	newPeerMap := co.glue.Topology().OutgoingDestinations()

	// Partition the table: peers already holding a conn drop out of
	// newPeerMap, conns whose peer vanished from the destination set
	// get collected for teardown.
	var staleConns []*outgoingConn
	co.RLock()
	for id, c := range co.conns {
		if _, ok := newPeerMap[id]; ok {
			delete(newPeerMap, id)
		} else {
			staleConns = append(staleConns, c)
		}
	}
	co.RUnlock()

	// Each halted conn removes itself from the table on the way out.
	for _, c := range staleConns {
		co.log.Debugf("Halting connection to: '%v'.", debug.NodeIDToPrintString(&c.nodeID))
		c.halt()
	}

	// Whatever survives in newPeerMap is genuinely new.
	for id, v := range newPeerMap {
		co.log.Debugf("Spawning connection to: '%v'.", debug.NodeIDToPrintString(&id))
		co.onNewConn(newOutgoingConn(co, v, co.glue.Config().SphinxGeometry))
	}
}

func (co *connector) onNewConn(c *outgoingConn) {
	co.closeAllWg.Add(1)
	co.Lock()
	if _, ok := co.conns[c.nodeID]; ok {
		// The sweep only spawns conns for peers missing from the table,
		// so a collision here means the table is corrupt.
		co.log.Warningf("Connection to peer: '%v' already exists.", debug.NodeIDToPrintString(&c.nodeID))
	}
	co.conns[c.nodeID] = c
	co.Unlock()

	go c.worker()
}

func (co *connector) onClosedConn(c *outgoingConn) {
	co.Lock()
	delete(co.conns, c.nodeID)
	co.Unlock()
	co.closeAllWg.Done()
}

func (co *connector) IsValidForwardDest(id *[geo.NodeIDLength]byte) bool {
	// A slightly stale answer is fine.  The check only keeps packets
	// addressed to unreachable nodes from occupying scheduler slots.
	co.RLock()
	defer co.RUnlock()
	_, ok := co.conns[*id]
	return ok
}

// New creates a new connector.
func New(glue glue.Glue) glue.Connector {
	maxDials := glue.Config().Debug.MaxOutgoingDials

	co := &connector{
		glue:          glue,
		log:           glue.LogBackend().GetLogger("connector"),
		conns:         make(map[[geo.NodeIDLength]byte]*outgoingConn),
		dialSem:       semaphore.NewWeighted(int64(maxDials)),
		forceUpdateCh: make(chan interface{}, 1), // Capacity 1, see ForceUpdate.
		closeAllCh:    make(chan interface{}),
	}

	co.Go(co.worker)
	return co
}

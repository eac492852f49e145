// crypto_worker.go - Stillpost server Sphinx crypto worker.
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

// Package cryptoworker implements the Sphinx crypto worker.
package cryptoworker

import (
	"fmt"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/stillpost/stillpost/core/epochtime"
	"github.com/stillpost/stillpost/core/sphinx"
	"github.com/stillpost/stillpost/core/worker"
	"github.com/stillpost/stillpost/server/internal/debug"
	"github.com/stillpost/stillpost/server/internal/glue"
	"github.com/stillpost/stillpost/server/internal/instrument"
	"github.com/stillpost/stillpost/server/internal/mixkey"
	"github.com/stillpost/stillpost/server/internal/packet"
)

// Worker unwraps one layer of Sphinx encryption off inbound packets and
// routes them by their decrypted routing commands.
type Worker struct {
	worker.Worker

	glue glue.Glue
	log  *logging.Logger

	sphinx *sphinx.Sphinx

	mixKeys map[uint64]*mixkey.MixKey

	incomingCh <-chan interface{}
	updateCh   chan bool
}

// UpdateMixKeys makes the Worker refresh its shadow of the mix key store.
// The call blocks until the worker has re-shadowed, unwrapping with a
// stale key set must not outlive the store update.
func (w *Worker) UpdateMixKeys() {
	w.updateCh <- true
}

// candidateKeys returns the mix keys a packet arriving now may have been
// encrypted to.
func (w *Worker) candidateKeys() ([]*mixkey.MixKey, error) {
	const boundaryGrace = 2 * time.Minute

	epoch, elapsed, till := epochtime.Now()
	k := w.mixKeys[epoch]
	if k == nil {
		instrument.InvalidPacketsDropped()
		return nil, fmt.Errorf("no mix key for epoch %v", epoch)
	}
	keys := append(make([]*mixkey.MixKey, 0, 2), k)

	// Clock skew keeps traffic for a neighboring epoch's key in flight
	// around each boundary, so inside the grace window that key is
	// accepted too. A missing neighbor is not an error, a node that came
	// up mid-epoch never held the previous key.
	switch {
	case elapsed < boundaryGrace:
		if k = w.mixKeys[epoch-1]; k != nil {
			keys = append(keys, k)
		}
	case till < boundaryGrace:
		if k = w.mixKeys[epoch+1]; k != nil {
			keys = append(keys, k)
		}
	}

	return keys, nil
}

func (w *Worker) doUnwrap(pkt *packet.Packet) error {
	keys, err := w.candidateKeys()
	if err != nil {
		return err
	}

	var lastErr error
	counted := false
	for _, k := range keys {
		startAt := time.Now()
		payload, tag, cmds, err := w.sphinx.Unwrap(k.PrivateKey(), pkt.Raw)
		w.log.Debugf("Packet: %v (Unwrap took: %v)", pkt.ID, time.Since(startAt))

		// A MAC failure from the wrong key looks exactly like one from
		// corruption, trying the next candidate covers the former.
		if err != nil {
			lastErr = err
			continue
		}

		if err = pkt.Set(payload, cmds); err != nil {
			lastErr = err
			instrument.InvalidPacketsDropped()
			counted = true
			break
		}

		if k.IsReplay(tag) {
			lastErr = fmt.Errorf("packet is a replay")
			instrument.PacketsReplayed()
			counted = true
			break
		}

		return nil
	}

	// Every candidate key failed.
	if lastErr == nil {
		lastErr = fmt.Errorf("BUG: unwrap failed with no error")
	}
	if !counted {
		instrument.InvalidPacketsDropped()
	}
	return lastErr
}

// routePacket hands an unwrapped, replay-checked packet to whatever its
// routing commands call for.  Ownership of pkt passes to the callee.
func (w *Worker) routePacket(pkt *packet.Packet) {
	if pkt.IsForward() {
		if pkt.Payload != nil {
			w.log.Debugf("Dropping packet: %v (Unwrap() returned payload)", pkt.ID)
			instrument.PacketsDropped()
			instrument.InvalidPacketsDropped()
			pkt.Dispose()
			return
		}
		if pkt.NextNodeHop.ID == *w.glue.NodeID() {
			// A packet naming us as the next hop is a routing loop, there
			// is no in-process path back into the listener.
			w.log.Debugf("Dropping packet: %v (Self-loop)", pkt.ID)
			instrument.PacketsDropped()
			instrument.InvalidPacketsDropped()
			pkt.Dispose()
			return
		}

		// Charge the time spent in the pipeline so far against the
		// requested delay, otherwise processing dwell skews the mix
		// schedule.
		pkt.Delay = time.Duration(pkt.NodeDelay.Delay) * time.Millisecond
		if dwellTime := time.Since(pkt.RecvAt); pkt.Delay > dwellTime {
			pkt.Delay -= dwellTime
		} else {
			pkt.Delay = 0
		}

		w.log.Debugf("Dispatching packet: %v", pkt.ID)
		w.glue.Scheduler().OnPacket(pkt)
		return
	}

	if pkt.IsTerminal() {
		if pkt.Payload == nil {
			w.log.Debugf("Dropping packet: %v (Terminal hop with no payload)", pkt.ID)
			instrument.PacketsDropped()
			instrument.InvalidPacketsDropped()
			pkt.Dispose()
			return
		}

		// The packet chain ends here. A relay has no user delivery, the
		// disposition gets logged and counted and the payload discarded.
		if pkt.SurbReply != nil {
			w.log.Debugf("Terminal packet: %v (Recipient: %v, SURBReply: %v, %v bytes)", pkt.ID, debug.BytesToPrintString(pkt.Recipient.ID[:]), debug.BytesToPrintString(pkt.SurbReply.ID[:]), len(pkt.Payload))
		} else {
			w.log.Debugf("Terminal packet: %v (Recipient: %v, %v bytes)", pkt.ID, debug.BytesToPrintString(pkt.Recipient.ID[:]), len(pkt.Payload))
		}
		instrument.TerminalPacket()
		pkt.Dispose()
		return
	}

	// Unreachable short of a bug, Set() vetted the command combinations.
	w.log.Debugf("Dropping packet: %v (%v)", pkt.ID, pkt.CmdsToString())
	instrument.PacketsDropped()
	instrument.InvalidPacketsDropped()
	pkt.Dispose()
}

func (w *Worker) worker() {
	unwrapSlack := time.Duration(w.glue.Config().Debug.UnwrapDelay) * time.Millisecond
	defer w.derefKeys()

	for {
		// Unwrapping dominates the node's CPU budget, the pool of these
		// workers is where the parallelism lives.
		var pkt *packet.Packet

		select {
		case <-w.HaltCh():
			w.log.Debugf("Terminating gracefully.")
			return
		case <-w.updateCh:
			w.log.Debugf("Updating mix keys.")
			w.glue.MixKeys().Shadow(w.mixKeys)
			continue
		case e := <-w.incomingCh:
			pkt = e.(*packet.Packet)
		}

		// Queue dwell past the slack means the node is pathologically
		// behind, shedding is the only way back. The near constant
		// cryptographic cost per packet is intentionally not counted.
		if dwellTime := time.Since(pkt.RecvAt); dwellTime > unwrapSlack {
			w.log.Debugf("Dropping packet: %v (Spent %v in queue)", pkt.ID, dwellTime)
			instrument.PacketsDropped()
			instrument.DeadlineBlownPacketsDropped()
			pkt.Dispose()
			continue
		}

		if err := w.doUnwrap(pkt); err != nil {
			w.log.Debugf("Dropping packet: %v (%v)", pkt.ID, err)
			instrument.PacketsDropped()
			pkt.Dispose()
			continue
		}
		instrument.PacketProcessed()

		w.routePacket(pkt)
	}
}

func (w *Worker) derefKeys() {
	for _, v := range w.mixKeys {
		v.Deref()
	}
}

// New constructs a new Worker instance.
func New(glue glue.Glue, incomingCh <-chan interface{}, id int) *Worker {
	w := &Worker{
		glue:       glue,
		log:        glue.LogBackend().GetLogger(fmt.Sprintf("crypto worker:%d", id)),
		sphinx:     sphinx.NewSphinx(glue.Config().SphinxGeometry),
		mixKeys:    make(map[uint64]*mixkey.MixKey),
		incomingCh: incomingCh,
		updateCh:   make(chan bool),
	}
	w.glue.MixKeys().Shadow(w.mixKeys)
	w.Go(w.worker)
	return w
}

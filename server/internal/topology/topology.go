// topology.go - Stillpost server topology store.
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

package topology

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/stillpost/stillpost/core/epochtime"
	"github.com/stillpost/stillpost/core/pki"
	"github.com/stillpost/stillpost/core/sphinx/geo"
	"github.com/stillpost/stillpost/core/worker"
	"github.com/stillpost/stillpost/server/internal/constants"
	"github.com/stillpost/stillpost/server/internal/glue"
	"github.com/stillpost/stillpost/server/internal/instrument"
)

const recheckInterval = 1 * time.Minute

type store struct {
	worker.Worker
	sync.RWMutex

	glue glue.Glue
	log  *logging.Logger

	docs map[uint64]*Entry

	lastMixMaxDelay uint64
}

// StartWorker starts the topology store's mix key rotation worker.
//
// Note: The worker's start is delayed till after the Server's connector
// is initialized, so that force updating the outgoing connection table
// is guaranteed to work.
func (t *store) StartWorker() {
	t.Go(t.worker)
}

func (t *store) worker() {
	const initialSpawnDelay = 5 * time.Second

	timer := time.NewTimer(initialSpawnDelay)
	defer func() {
		t.log.Debugf("Halting topology worker.")
		timer.Stop()
	}()

	for {
		var timerFired bool
		select {
		case <-t.HaltCh():
			t.log.Debugf("Terminating gracefully.")
			return
		case <-timer.C:
			timerFired = true
		}
		if !timerFired && !timer.Stop() {
			<-timer.C
		}

		// Roll the mix keys forward, and discard expired keys along with
		// the documents that referenced them.
		t.rotateKeys()
		t.pruneDocuments()
		t.updateNetworkParams()

		timer.Reset(recheckInterval)
	}
}

func (t *store) rotateKeys() {
	epoch, _, _ := epochtime.Now()

	didGen, err := t.glue.MixKeys().Generate(epoch)
	if err != nil {
		t.log.Errorf("Failed to generate mix keys for epoch %v: %v", epoch, err)
		return
	}
	// Prune off the old mix keys.  Bad things happen if the epoch ever
	// goes backwards.
	didPrune := t.glue.MixKeys().Prune()
	if didGen || didPrune {
		t.log.Debugf("Mix keys rotated (generated: %v, pruned: %v).", didGen, didPrune)
		t.glue.ReshadowCryptoWorkers()
	}
}

// Set validates and installs a new topology document.  Documents arrive
// pushed from outside (or from the bootstrap file), so unlike the key
// rotation this runs on the caller's goroutine.
func (t *store) Set(doc *pki.Document) error {
	if doc == nil {
		instrument.IgnoredPKIDocs()
		return errors.New("topology: nil document")
	}

	now, _, _ := epochtime.Now()
	if doc.Epoch+1 < now {
		instrument.IgnoredPKIDocs()
		return fmt.Errorf("topology: stale document for epoch %v", doc.Epoch)
	}

	ent, err := NewEntry(doc, t.glue.NodeID())
	if err != nil {
		instrument.IgnoredPKIDocs()
		return err
	}
	if err = t.validateEntry(ent); err != nil {
		instrument.IgnoredPKIDocs()
		return err
	}

	t.Lock()
	t.docs[doc.Epoch] = ent
	t.Unlock()

	t.log.Noticef("Installed topology document for epoch %v (layer %v, %v outgoing).", doc.Epoch, ent.Layer(), len(ent.outgoing))
	instrument.PKIDocs(fmt.Sprintf("%v", doc.Epoch))

	t.pruneDocuments()

	// If the topology changed, kick the connector worker.
	t.glue.Connector().ForceUpdate()
	t.updateNetworkParams()

	return nil
}

func (t *store) validateEntry(ent *Entry) error {
	// This just does light-weight validation on self, primarily to catch
	// operator errors in hand-distributed documents.
	desc := ent.Self()
	if desc.Name != t.glue.Config().Server.Identifier {
		return fmt.Errorf("topology: self Name field does not match Identifier")
	}
	if !bytes.Equal(desc.IdentityKey.Bytes(), t.glue.IdentityKey().PublicKey().Bytes()) {
		return fmt.Errorf("topology: self identity key mismatch")
	}

	// A descriptor advertising mix keys we do not hold will blackhole
	// traffic, warn loudly but keep the document.
	for epoch, pub := range desc.MixKeys {
		if ours, ok := t.glue.MixKeys().Get(epoch); ok {
			if !bytes.Equal(pub.Bytes(), ours.Bytes()) {
				t.log.Warningf("Descriptor mix key for epoch %v does not match our key.", epoch)
			}
		}
	}
	return nil
}

func (t *store) pruneDocuments() {
	now, _, _ := epochtime.Now()

	t.Lock()
	defer t.Unlock()
	for epoch := range t.docs {
		if epoch < now-(constants.NumMixKeys-1) {
			t.log.Debugf("Discarding topology document for epoch: %v", epoch)
			delete(t.docs, epoch)
		}
		if epoch > now+1 {
			// This should NEVER happen.
			t.log.Debugf("Far future topology document exists, clock ran backwards?: %v", epoch)
		}
	}
}

// updateNetworkParams pushes network wide parameters to the components
// that depend on them, when the current document changes them.
func (t *store) updateNetworkParams() {
	now, _, _ := epochtime.Now()

	ent := t.entryForEpoch(now)
	if ent == nil {
		return
	}

	t.Lock()
	changed := ent.MixMaxDelay() != t.lastMixMaxDelay
	if changed {
		t.lastMixMaxDelay = ent.MixMaxDelay()
	}
	t.Unlock()

	if changed {
		t.log.Debugf("Updating scheduler MixMaxDelay for epoch %v: %v", now, ent.MixMaxDelay())
		t.glue.Scheduler().OnNewMixMaxDelay(ent.MixMaxDelay())
	}
}

func (t *store) entryForEpoch(epoch uint64) *Entry {
	t.RLock()
	defer t.RUnlock()

	if e, ok := t.docs[epoch]; ok {
		return e
	}
	return nil
}

// Document returns the topology document for the current epoch, or nil if
// none has been installed.
func (t *store) Document() *pki.Document {
	now, _, _ := epochtime.Now()
	if e := t.entryForEpoch(now); e != nil {
		return e.Document()
	}
	return nil
}

// OutgoingDestinations returns the set of valid forward destinations,
// merged across the current epoch window.
func (t *store) OutgoingDestinations() map[[geo.NodeIDLength]byte]*pki.MixDescriptor {
	now, _, _ := epochtime.Now()

	t.RLock()
	defer t.RUnlock()

	nowDoc := t.docs[now]
	descMap := make(map[[geo.NodeIDLength]byte]*pki.MixDescriptor)
	for _, epoch := range []uint64{now - 1, now, now + 1} {
		d, ok := t.docs[epoch]
		if !ok {
			continue
		}

		// If we are attempting to add nodes from the past document, and
		// we do not have the current document, then we can't validate that
		// the node should continue to be honored.
		if epoch < now && nowDoc == nil {
			continue
		}

		for _, v := range d.Outgoing() {
			nodeID := v.NodeID()

			// Ignore nodes from past epochs that are not listed in the
			// current document.
			if epoch < now && nowDoc.GetByID(&nodeID) == nil {
				continue
			}

			// De-duplicate.
			if _, ok := descMap[nodeID]; !ok {
				descMap[nodeID] = v
			}
		}
	}
	return descMap
}

// GetOutgoingByID returns the most recent descriptor for an outgoing
// destination, whether traffic may be sent to it now, and whether the
// destination is listed at all, consulting the documents for the epochs
// [now+1, now, now-1].
func (t *store) GetOutgoingByID(id *[geo.NodeIDLength]byte) (desc *pki.MixDescriptor, canSend, isValid bool) {
	now, _, _ := epochtime.Now()

	t.RLock()
	defer t.RUnlock()

	nowDoc := t.docs[now]
	for _, epoch := range []uint64{now + 1, now, now - 1} {
		d, ok := t.docs[epoch]
		if !ok {
			continue
		}
		m := d.GetOutgoingByID(id)
		if m == nil {
			continue
		}
		if desc == nil {
			// This is the most recent descriptor we have for the node.
			desc = m
		}

		switch epoch {
		case now:
			// The node is listed in the document for the current epoch.
			return desc, true, true
		case now + 1:
			// The node is listed in the document for the next epoch.
			// Connecting early is fine, sending traffic is not, honest
			// senders build paths from the current document.
			isValid = true
		default:
			if nowDoc == nil {
				// Without the current document there is no way to tell
				// if the node has been de-listed or not.
				continue
			}
			if nowDoc.GetByID(id) != nil {
				// The node listed in the old document also exists in the
				// current document, so continue to send to it until the
				// old mix keys expire.
				return desc, true, true
			}
		}
	}
	return
}

func (t *store) Halt() {
	t.Worker.Halt()
}

// New constructs a new topology store.
func New(glue glue.Glue) (glue.Topology, error) {
	t := &store{
		glue: glue,
		log:  glue.LogBackend().GetLogger("topology"),
		docs: make(map[uint64]*Entry),
	}
	return t, nil
}

// entry.go - Stillpost server topology document cache entry.
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

// Package topology provides a cached representation of the network
// topology suitable for relay use, and drives the mix key rotation.
package topology

import (
	"fmt"

	"github.com/stillpost/stillpost/core/pki"
	"github.com/stillpost/stillpost/core/sphinx/geo"
)

// Entry is a cached topology document.
type Entry struct {
	doc       *pki.Document
	self      *pki.MixDescriptor
	selfLayer uint8
	outgoing  map[[geo.NodeIDLength]byte]*pki.MixDescriptor
	all       map[[geo.NodeIDLength]byte]*pki.MixDescriptor
}

// Epoch returns the epoch that the cached document is valid for.
func (e *Entry) Epoch() uint64 {
	return e.doc.Epoch
}

// MixMaxDelay returns the MixMaxDelay for the cached document.
func (e *Entry) MixMaxDelay() uint64 {
	return e.doc.MixMaxDelay
}

// Self returns the descriptor for the current node.
func (e *Entry) Self() *pki.MixDescriptor {
	return e.self
}

// Layer returns the layer the current node occupies.
func (e *Entry) Layer() uint8 {
	return e.selfLayer
}

// Document returns the document backing the Entry.
func (e *Entry) Document() *pki.Document {
	return e.doc
}

// GetOutgoingByID returns the MixDescriptor for an outgoing connection
// destination queried by node ID, or nil iff the node ID is not a valid
// destination.
func (e *Entry) GetOutgoingByID(id *[geo.NodeIDLength]byte) *pki.MixDescriptor {
	desc, ok := e.outgoing[*id]
	if !ok {
		return nil
	}
	return desc
}

// GetByID returns the MixDescriptor by node ID, or nil iff the node ID is
// not listed in the document.
func (e *Entry) GetByID(id *[geo.NodeIDLength]byte) *pki.MixDescriptor {
	desc, ok := e.all[*id]
	if !ok {
		return nil
	}
	return desc
}

// Outgoing returns a slice of all MixDescriptors that describe valid
// outgoing connection destinations.
func (e *Entry) Outgoing() []*pki.MixDescriptor {
	l := make([]*pki.MixDescriptor, 0, len(e.outgoing))
	for _, v := range e.outgoing {
		l = append(l, v)
	}
	return l
}

func (e *Entry) appendLayer(layer int, m map[[geo.NodeIDLength]byte]*pki.MixDescriptor) {
	for _, v := range e.doc.Topology[layer] {
		// The topology operator is responsible for ensuring that documents
		// only contain one descriptor per identity key.
		m[v.NodeID()] = v
	}
}

// NewEntry constructs a new Entry from a given document.  The node
// identified by nodeID must appear in the document, in a layer consistent
// with each descriptor's Layer field.
func NewEntry(d *pki.Document, nodeID *[geo.NodeIDLength]byte) (*Entry, error) {
	e := new(Entry)
	e.doc = d
	e.outgoing = make(map[[geo.NodeIDLength]byte]*pki.MixDescriptor)
	e.all = make(map[[geo.NodeIDLength]byte]*pki.MixDescriptor)

	// Find our descriptor, and sanity check the layering while at it.
	for layer, nodes := range d.Topology {
		for _, v := range nodes {
			if int(v.Layer) != layer {
				return nil, fmt.Errorf("topology: descriptor '%v' Layer %v, listed in layer %v", v.Name, v.Layer, layer)
			}
			id := v.NodeID()
			if id == *nodeID {
				e.self = v
				e.selfLayer = uint8(layer)
			}
		}
	}
	if e.self == nil {
		return nil, fmt.Errorf("topology: node not listed in document for epoch %v", d.Epoch)
	}

	// Nodes in the next layer are the valid forward destinations.  The
	// terminal layer has none, every packet it sees must terminate there.
	if next := int(e.selfLayer) + 1; next < len(d.Topology) {
		e.appendLayer(next, e.outgoing)
	}
	for i := 0; i < len(d.Topology); i++ {
		e.appendLayer(i, e.all)
	}
	return e, nil
}

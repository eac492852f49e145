// pki.go - Mixnet topology documents.
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

// Package pki provides the mix network topology document, the node's view
// of which peers exist and how to reach them.
package pki

import (
	"crypto/sha512"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/stillpost/stillpost/core/crypto/ecdh"
	"github.com/stillpost/stillpost/core/sphinx/geo"
)

// Transport is a link transport protocol.
type Transport string

var (
	// TransportInvalid is the invalid transport.
	TransportInvalid Transport

	// TransportTCP is TCP, with the IP version determined by the results of
	// a name server lookup.
	TransportTCP Transport = "tcp"

	// TransportTCPv4 is TCP over IPv4.
	TransportTCPv4 Transport = "tcp4"

	// TransportTCPv6 is TCP over IPv6.
	TransportTCPv6 Transport = "tcp6"

	// TransportQUIC is QUIC over UDP, a single stream per link.
	TransportQUIC Transport = "quic"

	// InternalTransports is the list of transports used for mix to mix
	// communications.
	InternalTransports = []Transport{TransportTCP, TransportTCPv4, TransportTCPv6, TransportQUIC}
)

var errNoDocument = errors.New("pki: no document")

// Document describes the mix network for a given epoch.
type Document struct {
	// Epoch is the epoch for which this Document instance is valid for.
	Epoch uint64

	// MixMaxDelay is the maximum per-hop mixing delay in milliseconds
	// that well behaved senders will request.
	MixMaxDelay uint64

	// Topology is the mix network topology, one descriptor list per layer.
	Topology [][]*MixDescriptor
}

// String returns a string representation of a Document.
func (d *Document) String() string {
	s := fmt.Sprintf("&{Epoch: %v MixMaxDelay: %v Topology:", d.Epoch, d.MixMaxDelay)
	for l, nodes := range d.Topology {
		s += fmt.Sprintf(" [%v]{", l)
		for idx, v := range nodes {
			s += v.Name
			if idx != len(nodes)-1 {
				s += ","
			}
		}
		s += "}"
	}
	s += "}"
	return s
}

// GetMix returns the MixDescriptor for the given mix Name.
func (d *Document) GetMix(name string) (*MixDescriptor, error) {
	for _, l := range d.Topology {
		for _, v := range l {
			if v.Name == name {
				return v, nil
			}
		}
	}
	return nil, fmt.Errorf("pki: mix '%v' not found", name)
}

// GetMixesInLayer returns all the mix descriptors for a given layer.
func (d *Document) GetMixesInLayer(layer uint8) ([]*MixDescriptor, error) {
	if len(d.Topology)-1 < int(layer) {
		return nil, fmt.Errorf("pki: invalid layer: '%v'", layer)
	}
	return d.Topology[layer], nil
}

// GetMixByID returns the specific mix descriptor corresponding to the
// specified node ID.
func (d *Document) GetMixByID(id *[32]byte) (*MixDescriptor, error) {
	for _, l := range d.Topology {
		for _, v := range l {
			if v.IdentityKey == nil {
				return nil, fmt.Errorf("pki: document contains invalid descriptors")
			}
			if v.NodeID() == *id {
				return v, nil
			}
		}
	}
	return nil, fmt.Errorf("pki: mix not found")
}

// MixDescriptor is a description of a given mix node.
type MixDescriptor struct {
	// Name is the human readable (descriptive) node identifier.
	Name string

	// IdentityKey is the node's identity key, the node ID is derived
	// from it.
	IdentityKey *ecdh.PublicKey

	// MixKeys is a map of epochs to Sphinx keys.
	MixKeys map[uint64]*ecdh.PublicKey

	// Addresses is the map of transport to address combinations that can
	// be used to reach the node.
	Addresses map[Transport][]string

	// Layer is the topology layer.
	Layer uint8
}

// NodeID returns the node identifier derived from the descriptor's
// identity key.
func (d *MixDescriptor) NodeID() [geo.NodeIDLength]byte {
	return sha512.Sum512_256(d.IdentityKey.Bytes())
}

// String returns a string representation of a MixDescriptor.
func (d *MixDescriptor) String() string {
	id := d.NodeID()
	return fmt.Sprintf("{%s %x layer: %d}", d.Name, id[:], d.Layer)
}

// IsDescriptorValid returns an error if the descriptor is malformed.
func IsDescriptorValid(desc *MixDescriptor) error {
	if desc.Name == "" {
		return errors.New("pki: descriptor missing Name")
	}
	if desc.IdentityKey == nil {
		return errors.New("pki: descriptor missing IdentityKey")
	}
	if len(desc.MixKeys) == 0 {
		return fmt.Errorf("pki: descriptor '%v' missing MixKeys", desc.Name)
	}
	var hasAddress bool
	for _, t := range InternalTransports {
		if len(desc.Addresses[t]) > 0 {
			hasAddress = true
			break
		}
	}
	if !hasAddress {
		return fmt.Errorf("pki: descriptor '%v' has no usable addresses", desc.Name)
	}
	return nil
}

// Marshal serializes the document.
func (d *Document) Marshal() ([]byte, error) {
	return cbor.Marshal(d)
}

// ParseDocument deserializes and validates a document.
func ParseDocument(b []byte) (*Document, error) {
	if len(b) == 0 {
		return nil, errNoDocument
	}

	d := new(Document)
	if err := cbor.Unmarshal(b, d); err != nil {
		return nil, fmt.Errorf("pki: failed to parse document: %v", err)
	}
	if len(d.Topology) == 0 {
		return nil, errors.New("pki: document has empty topology")
	}
	for _, l := range d.Topology {
		for _, desc := range l {
			if err := IsDescriptorValid(desc); err != nil {
				return nil, err
			}
		}
	}
	return d, nil
}

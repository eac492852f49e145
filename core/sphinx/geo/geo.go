// geo.go - Sphinx packet geometry.
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

// Package geo describes the geometry of the Sphinx packets relayed by a
// Stillpost mix, derived from the hop count and payload size.
package geo

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/stillpost/stillpost/core/crypto/ecdh"
	"github.com/stillpost/stillpost/core/sphinx/internal/crypto"
)

const (
	// NodeIDLength is the node identifier length in bytes.
	NodeIDLength = 32

	// RecipientIDLength is the recipient identifier length in bytes.
	RecipientIDLength = 32

	// SURBIDLength is the SURB identifier length in bytes.
	SURBIDLength = 16

	// surbReplyLength is a SURBReply routing command on the wire, the
	// command byte plus the SURB ID.
	surbReplyLength = 1 + SURBIDLength

	// sphinxPlaintextHeaderLength is the flags byte plus the reserved
	// byte prefixed to every plaintext payload.
	sphinxPlaintextHeaderLength = 1 + 1

	// adLength is the length of the versioning prefix.
	adLength = 2

	// payloadTagLength is the length of the Sphinx packet payload SPRP
	// tag.
	payloadTagLength = 32

	// nextNodeHopLength is a NextNodeHop routing command on the wire,
	// the command byte plus the node ID plus the chained header MAC.
	nextNodeHopLength = 1 + NodeIDLength + crypto.MACLength

	// perHopRoutingInfoLength is sized for the largest command block a
	// hop can carry, a NextNodeHop followed by a SURBReply.  The other
	// command combinations are all shorter.
	perHopRoutingInfoLength = nextNodeHopLength + surbReplyLength

	// sprpKeyMaterialLength is the per-hop payload key plus IV.
	sprpKeyMaterialLength = crypto.SPRPKeyLength + crypto.SPRPIVLength
)

// Geometry is the full set of Sphinx length parameters shared by every
// node in a network.  All sizes are in bytes.
type Geometry struct {

	// PacketLength is the size of a whole packet on the wire.
	PacketLength int

	// NrHops is the maximum path length, which fixes the header size.
	NrHops int

	// HeaderLength is the size of the packet header.
	HeaderLength int

	// RoutingInfoLength is the size of the header's routing info block.
	RoutingInfoLength int

	// PerHopRoutingInfoLength is one hop's slice of the routing info.
	PerHopRoutingInfoLength int

	// SURBLength is the size of a single use reply block.
	SURBLength int

	// SphinxPlaintextHeaderLength is the plaintext payload prefix size.
	SphinxPlaintextHeaderLength int

	// PayloadTagLength is the size of the payload authentication tag.
	PayloadTagLength int

	// ForwardPayloadLength is the size of the encrypted payload.
	ForwardPayloadLength int

	// UserForwardPayloadLength is the payload capacity left for the
	// user after the plaintext header and any reserved SURB space.
	UserForwardPayloadLength int

	// SURBIDLength is the size of a SURB identifier.
	SURBIDLength int

	// RecipientIDLength is the size of a recipient identifier.
	RecipientIDLength int

	// NodeIDLength is the size of a node identifier.
	NodeIDLength int

	// NextNodeHopLength is the wire size of a NextNodeHop command.
	NextNodeHopLength int

	// SPRPKeyMaterialLength is the size of one hop's payload key and IV.
	SPRPKeyMaterialLength int
}

func (g *Geometry) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "sphinx_packet_geometry:\n")
	fmt.Fprintf(&b, "packet size: %d\n", g.PacketLength)
	fmt.Fprintf(&b, "number of hops: %d\n", g.NrHops)
	fmt.Fprintf(&b, "header size: %d\n", g.HeaderLength)
	fmt.Fprintf(&b, "forward payload size: %d\n", g.ForwardPayloadLength)
	fmt.Fprintf(&b, "user forward payload size: %d\n", g.UserForwardPayloadLength)
	fmt.Fprintf(&b, "payload tag size: %d\n", g.PayloadTagLength)
	fmt.Fprintf(&b, "routing info size: %d\n", g.RoutingInfoLength)
	fmt.Fprintf(&b, "surb size: %d\n", g.SURBLength)
	fmt.Fprintf(&b, "sphinx plaintext header size: %d\n", g.SphinxPlaintextHeaderLength)
	return b.String()
}

// Display returns the geometry serialized as a TOML block, suitable for
// pasting into a configuration file.
func (g *Geometry) Display() string {
	buf := new(bytes.Buffer)
	if err := toml.NewEncoder(buf).Encode(g); err != nil {
		panic(err)
	}
	return buf.String()
}

// Validate returns an error if the geometry is internally inconsistent.
func (g *Geometry) Validate() error {
	if g == nil {
		return fmt.Errorf("geo: geometry is nil")
	}
	if g.NrHops < 1 {
		return fmt.Errorf("geo: invalid NrHops: %d", g.NrHops)
	}
	if g.ForwardPayloadLength < 1 {
		return fmt.Errorf("geo: invalid ForwardPayloadLength: %d", g.ForwardPayloadLength)
	}
	if g.NodeIDLength != NodeIDLength {
		return fmt.Errorf("geo: invalid NodeIDLength: %d", g.NodeIDLength)
	}
	if g.RecipientIDLength != RecipientIDLength {
		return fmt.Errorf("geo: invalid RecipientIDLength: %d", g.RecipientIDLength)
	}
	if g.SURBIDLength != SURBIDLength {
		return fmt.Errorf("geo: invalid SURBIDLength: %d", g.SURBIDLength)
	}
	if g.PayloadTagLength != payloadTagLength {
		return fmt.Errorf("geo: invalid PayloadTagLength: %d", g.PayloadTagLength)
	}
	if g.NextNodeHopLength != nextNodeHopLength {
		return fmt.Errorf("geo: invalid NextNodeHopLength: %d", g.NextNodeHopLength)
	}
	if g.SPRPKeyMaterialLength != sprpKeyMaterialLength {
		return fmt.Errorf("geo: invalid SPRPKeyMaterialLength: %d", g.SPRPKeyMaterialLength)
	}
	if g.PerHopRoutingInfoLength != perHopRoutingInfoLength {
		return fmt.Errorf("geo: invalid PerHopRoutingInfoLength: %d", g.PerHopRoutingInfoLength)
	}
	if g.RoutingInfoLength != routingInfoLength(g.NrHops) {
		return fmt.Errorf("geo: invalid RoutingInfoLength: %d", g.RoutingInfoLength)
	}
	if g.HeaderLength != headerLength(g.NrHops) {
		return fmt.Errorf("geo: invalid HeaderLength: %d", g.HeaderLength)
	}
	if g.PacketLength != g.HeaderLength+g.PayloadTagLength+g.ForwardPayloadLength {
		return fmt.Errorf("geo: invalid PacketLength: %d", g.PacketLength)
	}
	if g.SURBLength != surbLength(g.NrHops) {
		return fmt.Errorf("geo: invalid SURBLength: %d", g.SURBLength)
	}
	return nil
}

// The variable parts of the geometry all derive from the hop count and
// the forward payload size.

func routingInfoLength(nrHops int) int {
	return perHopRoutingInfoLength * nrHops
}

func headerLength(nrHops int) int {
	return adLength + ecdh.PublicKeySize + routingInfoLength(nrHops) + crypto.MACLength
}

func surbLength(nrHops int) int {
	return headerLength(nrHops) + NodeIDLength + sprpKeyMaterialLength
}

func newGeometry(nrHops, forwardPayloadLength, userForwardPayloadLength int) *Geometry {
	return &Geometry{
		NrHops:                      nrHops,
		HeaderLength:                headerLength(nrHops),
		PacketLength:                headerLength(nrHops) + payloadTagLength + forwardPayloadLength,
		SURBLength:                  surbLength(nrHops),
		UserForwardPayloadLength:    userForwardPayloadLength,
		ForwardPayloadLength:        forwardPayloadLength,
		PayloadTagLength:            payloadTagLength,
		SphinxPlaintextHeaderLength: sphinxPlaintextHeaderLength,
		RoutingInfoLength:           routingInfoLength(nrHops),
		PerHopRoutingInfoLength:     perHopRoutingInfoLength,
		SURBIDLength:                SURBIDLength,
		NodeIDLength:                NodeIDLength,
		RecipientIDLength:           RecipientIDLength,
		NextNodeHopLength:           nextNodeHopLength,
		SPRPKeyMaterialLength:       sprpKeyMaterialLength,
	}
}

// GeometryFromUserForwardPayloadLength derives a geometry from the usable
// payload size, optionally reserving room for a SURB in the forward
// payload.
func GeometryFromUserForwardPayloadLength(userForwardPayloadLength int, withSURB bool, nrHops int) *Geometry {
	forwardPayloadLength := userForwardPayloadLength
	if withSURB {
		forwardPayloadLength += sphinxPlaintextHeaderLength + surbLength(nrHops)
	}
	return newGeometry(nrHops, forwardPayloadLength, userForwardPayloadLength)
}

// GeometryFromForwardPayloadLength derives a geometry from the total
// forward payload size.
func GeometryFromForwardPayloadLength(forwardPayloadLength, nrHops int) *Geometry {
	user := forwardPayloadLength - (sphinxPlaintextHeaderLength + surbLength(nrHops))
	return newGeometry(nrHops, forwardPayloadLength, user)
}

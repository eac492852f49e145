// commands.go - Per-hop routing commands.
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

// Package commands implements the per-hop routing commands carried in
// the routing information block of a Sphinx packet header.
package commands

import (
	"encoding/binary"
	"errors"

	"github.com/stillpost/stillpost/core/sphinx/geo"
	"github.com/stillpost/stillpost/core/sphinx/internal/crypto"
	"github.com/stillpost/stillpost/core/utils"
)

// Command identifiers. Identifiers with the high bit set are reserved
// for implementation defined commands.
const (
	idNull        byte = 0x00
	idNextNodeHop byte = 0x01
	idRecipient   byte = 0x02
	idSURBReply   byte = 0x03
	idNodeDelay   byte = 0x80
)

var errBadCommand = errors.New("sphinx: invalid per-hop command")

// RoutingCommand is implemented by all per-hop routing commands.
type RoutingCommand interface {
	// ToBytes appends the wire encoding of the command to b and returns
	// the extended slice.
	ToBytes(b []byte) []byte
}

// FromBytes parses the leading routing command in b, returning the
// command and the unconsumed remainder of the buffer. An empty buffer
// and a null command (with an all zero tail) both decode to a nil
// RoutingCommand.
func FromBytes(b []byte, g *geo.Geometry) (RoutingCommand, []byte, error) {
	if len(b) == 0 {
		return nil, nil, nil
	}
	id, body := b[0], b[1:]

	switch id {
	case idNull:
		// The null command terminates the command region, the rest of
		// which must be zero filled.
		if !utils.CtIsZero(body) {
			return nil, nil, errBadCommand
		}
		return nil, nil, nil
	case idNextNodeHop:
		return nextNodeHopFromBytes(body, g)
	case idRecipient:
		return recipientFromBytes(body, g)
	case idSURBReply:
		return surbReplyFromBytes(body, g)
	case idNodeDelay:
		return nodeDelayFromBytes(body)
	default:
		return nil, nil, errBadCommand
	}
}

// NextNodeHop directs the packet to the node identified by ID, which
// will authenticate the reencrypted header against MAC.
type NextNodeHop struct {
	ID  [geo.NodeIDLength]byte
	MAC [crypto.MACLength]byte
}

// ToBytes appends the wire encoding of the command to b and returns the
// extended slice.
func (cmd *NextNodeHop) ToBytes(b []byte) []byte {
	b = append(b, idNextNodeHop)
	b = append(b, cmd.ID[:]...)
	return append(b, cmd.MAC[:]...)
}

func nextNodeHopFromBytes(b []byte, g *geo.Geometry) (RoutingCommand, []byte, error) {
	n := g.NextNodeHopLength - 1
	if len(b) < n {
		return nil, nil, errBadCommand
	}
	cmd := new(NextNodeHop)
	copy(cmd.ID[:], b[:g.NodeIDLength])
	copy(cmd.MAC[:], b[g.NodeIDLength:n])
	return cmd, b[n:], nil
}

// Recipient addresses the terminal destination of a packet.
type Recipient struct {
	ID [geo.RecipientIDLength]byte
}

// ToBytes appends the wire encoding of the command to b and returns the
// extended slice.
func (cmd *Recipient) ToBytes(b []byte) []byte {
	b = append(b, idRecipient)
	return append(b, cmd.ID[:]...)
}

func recipientFromBytes(b []byte, g *geo.Geometry) (RoutingCommand, []byte, error) {
	n := g.RecipientIDLength
	if len(b) < n {
		return nil, nil, errBadCommand
	}
	cmd := new(Recipient)
	copy(cmd.ID[:], b[:n])
	return cmd, b[n:], nil
}

// SURBReply marks the packet as the reply half of a single use reply
// block, identified by ID.
type SURBReply struct {
	ID [geo.SURBIDLength]byte
}

// ToBytes appends the wire encoding of the command to b and returns the
// extended slice.
func (cmd *SURBReply) ToBytes(b []byte) []byte {
	b = append(b, idSURBReply)
	return append(b, cmd.ID[:]...)
}

func surbReplyFromBytes(b []byte, g *geo.Geometry) (RoutingCommand, []byte, error) {
	n := g.SURBIDLength
	if len(b) < n {
		return nil, nil, errBadCommand
	}
	cmd := new(SURBReply)
	copy(cmd.ID[:], b[:n])
	return cmd, b[n:], nil
}

// NodeDelay instructs the node to hold the packet for Delay
// milliseconds from the time of receipt before forwarding it.
type NodeDelay struct {
	Delay uint32
}

// ToBytes appends the wire encoding of the command to b and returns the
// extended slice.
func (cmd *NodeDelay) ToBytes(b []byte) []byte {
	b = append(b, idNodeDelay)
	return binary.BigEndian.AppendUint32(b, cmd.Delay)
}

func nodeDelayFromBytes(b []byte) (RoutingCommand, []byte, error) {
	if len(b) < 4 {
		return nil, nil, errBadCommand
	}
	cmd := &NodeDelay{Delay: binary.BigEndian.Uint32(b[:4])}
	return cmd, b[4:], nil
}

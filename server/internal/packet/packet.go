// packet.go - Stillpost server packet structure.
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

// Package packet provides the internal representation of a Sphinx packet
// as it transits the relay pipeline.
package packet

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stillpost/stillpost/core/sphinx/commands"
	"github.com/stillpost/stillpost/core/sphinx/geo"
	"github.com/stillpost/stillpost/core/utils"
)

var (
	pktPool = sync.Pool{
		New: func() interface{} {
			return new(Packet)
		},
	}

	// Raw packet buffers are pooled per packet length so that nodes
	// running a single geometry recycle every wire buffer.
	rawPools sync.Map

	pktID uint64
)

func rawPool(sz int) *sync.Pool {
	if p, ok := rawPools.Load(sz); ok {
		return p.(*sync.Pool)
	}
	p, _ := rawPools.LoadOrStore(sz, &sync.Pool{
		New: func() interface{} {
			return make([]byte, sz)
		},
	})
	return p.(*sync.Pool)
}

// Packet is one Sphinx packet in flight through the relay pipeline,
// together with its parsed routing commands and timing metadata.
type Packet struct {
	Geometry *geo.Geometry

	Raw     []byte
	Payload []byte

	// The parsed out routing commands.
	NextNodeHop *commands.NextNodeHop
	NodeDelay   *commands.NodeDelay
	Recipient   *commands.Recipient
	SurbReply   *commands.SURBReply

	ID         uint64
	Delay      time.Duration
	RecvAt     time.Time
	DispatchAt time.Time
}

// Set attaches the unwrapped payload and sorts the routing command vector
// into the per-command fields.  Each command type may appear at most once.
func (pkt *Packet) Set(payload []byte, cmds []commands.RoutingCommand) error {
	pkt.Payload = payload
	return pkt.splitCommands(cmds)
}

func (pkt *Packet) splitCommands(cmds []commands.RoutingCommand) error {
	for _, v := range cmds {
		var dup bool
		switch cmd := v.(type) {
		case *commands.NextNodeHop:
			dup = pkt.NextNodeHop != nil
			pkt.NextNodeHop = cmd
		case *commands.NodeDelay:
			dup = pkt.NodeDelay != nil
			pkt.NodeDelay = cmd
		case *commands.Recipient:
			dup = pkt.Recipient != nil
			pkt.Recipient = cmd
		case *commands.SURBReply:
			dup = pkt.SurbReply != nil
			pkt.SurbReply = cmd
		default:
			return fmt.Errorf("unknown command type: %T", v)
		}
		if dup {
			// The error path abandons the packet, no need to undo the
			// overwritten field.
			return fmt.Errorf("redundant command: %T", v)
		}
	}
	return nil
}

// CmdsToString returns an abbreviated list of the packet's routing
// commands, suitable for debugging.
func (pkt *Packet) CmdsToString() string {
	return fmt.Sprintf("NextNodeHop: %v NodeDelay: %v, Recipient: %v, SURBReply: %v",
		pkt.NextNodeHop != nil, pkt.NodeDelay != nil, pkt.Recipient != nil, pkt.SurbReply != nil)
}

// IsForward reports whether the routing commands mark the packet as bound
// for another hop.
func (pkt *Packet) IsForward() bool {
	return pkt.NextNodeHop != nil && pkt.NodeDelay != nil && pkt.Recipient == nil && pkt.SurbReply == nil
}

// IsTerminal reports whether the routing commands mark this node as the
// packet's final hop.  Plain terminal packets and SURB replies both
// terminate here.
func (pkt *Packet) IsTerminal() bool {
	return pkt.NextNodeHop == nil && pkt.Recipient != nil
}

// Dispose scrubs the packet and returns it to the allocation pool.
func (pkt *Packet) Dispose() {
	// Dispose runs on the common paths. Packets stranded in queues at
	// teardown are left to the garbage collector.
	pkt.disposeRaw()
	*pkt = Packet{}
	pktPool.Put(pkt)
}

func (pkt *Packet) copyToRaw(b []byte) error {
	if len(b) != pkt.Geometry.PacketLength {
		return fmt.Errorf("invalid Sphinx packet size: %v", len(b))
	}

	pkt.Raw = rawPool(pkt.Geometry.PacketLength).Get().([]byte)
	if len(pkt.Raw) != len(b) {
		panic("BUG: pooled raw buffer has the wrong size")
	}
	copy(pkt.Raw, b)

	return nil
}

func (pkt *Packet) disposeRaw() {
	if pkt.Geometry != nil && len(pkt.Raw) == pkt.Geometry.PacketLength {
		// Wipe before pooling, the next user only overwrites what it
		// needs.
		utils.ExplicitBzero(pkt.Raw)
		rawPool(pkt.Geometry.PacketLength).Put(pkt.Raw) // nolint: megacheck
	}
	pkt.Raw = nil
}

// New allocates a Packet holding a copy of the raw wire bytes.
func New(raw []byte, geometry *geo.Geometry) (*Packet, error) {
	id := atomic.AddUint64(&pktID, 1)
	return NewWithID(raw, id, geometry)
}

// NewWithID is New with a caller chosen ID.  Packets rehydrated from the
// disk backed queue keep the ID they were persisted under.
func NewWithID(raw []byte, id uint64, geometry *geo.Geometry) (*Packet, error) {
	v := pktPool.Get()
	pkt := v.(*Packet)
	pkt.Geometry = geometry
	pkt.ID = id
	if err := pkt.copyToRaw(raw); err != nil {
		pkt.Dispose()
		return nil, err
	}
	return pkt, nil
}

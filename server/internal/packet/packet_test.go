// packet_test.go - Stillpost server packet structure tests.
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

package packet

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stillpost/stillpost/core/sphinx/commands"
	"github.com/stillpost/stillpost/core/sphinx/geo"
)

func testGeometry() *geo.Geometry {
	return geo.GeometryFromForwardPayloadLength(512, 5)
}

func TestNew(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	g := testGeometry()
	raw := make([]byte, g.PacketLength)
	for i := range raw {
		raw[i] = byte(i)
	}

	pkt, err := New(raw, g)
	require.NoError(err, "New()")
	require.Equal(raw, pkt.Raw, "New(): Raw")
	require.NotZero(pkt.ID, "New(): ID")

	// The packet must own its buffer.
	raw[0] ^= 0xa5
	require.NotEqual(raw[0], pkt.Raw[0], "New(): Raw aliases caller buffer")

	pkt2, err := New(raw, g)
	require.NoError(err, "New(): 2nd packet")
	require.NotEqual(pkt.ID, pkt2.ID, "New(): IDs must differ")

	pkt.Dispose()
	pkt2.Dispose()

	_, err = New(make([]byte, g.PacketLength-1), g)
	require.Error(err, "New(): truncated raw packet")
}

func TestNewWithID(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	g := testGeometry()
	raw := make([]byte, g.PacketLength)

	pkt, err := NewWithID(raw, 0xdeadbeef, g)
	require.NoError(err, "NewWithID()")
	require.Equal(uint64(0xdeadbeef), pkt.ID, "NewWithID(): ID")
	pkt.Dispose()
}

func TestSplitCommands(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	g := testGeometry()
	raw := make([]byte, g.PacketLength)

	// Forward hop: NextNodeHop + NodeDelay.
	pkt, err := New(raw, g)
	require.NoError(err, "New()")
	err = pkt.Set(nil, []commands.RoutingCommand{
		&commands.NextNodeHop{},
		&commands.NodeDelay{Delay: 100},
	})
	require.NoError(err, "Set(): forward commands")
	require.True(pkt.IsForward(), "IsForward()")
	require.False(pkt.IsTerminal(), "IsTerminal()")
	pkt.Dispose()

	// Terminal hop: Recipient, optionally a SURBReply.
	pkt, err = New(raw, g)
	require.NoError(err, "New()")
	err = pkt.Set(make([]byte, g.ForwardPayloadLength), []commands.RoutingCommand{
		&commands.Recipient{},
	})
	require.NoError(err, "Set(): terminal commands")
	require.True(pkt.IsTerminal(), "IsTerminal()")
	require.False(pkt.IsForward(), "IsForward()")
	pkt.Dispose()

	pkt, err = New(raw, g)
	require.NoError(err, "New()")
	err = pkt.Set(make([]byte, g.ForwardPayloadLength), []commands.RoutingCommand{
		&commands.Recipient{},
		&commands.SURBReply{},
	})
	require.NoError(err, "Set(): terminal SURB reply commands")
	require.True(pkt.IsTerminal(), "IsTerminal(): SURB reply")
	require.False(pkt.IsForward(), "IsForward(): SURB reply")
	pkt.Dispose()

	// Redundant commands are rejected.
	pkt, err = New(raw, g)
	require.NoError(err, "New()")
	err = pkt.Set(nil, []commands.RoutingCommand{
		&commands.NodeDelay{Delay: 1},
		&commands.NodeDelay{Delay: 2},
	})
	require.Error(err, "Set(): redundant NodeDelay")
	pkt.Dispose()
}

func TestClassificationMalformed(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	g := testGeometry()
	raw := make([]byte, g.PacketLength)

	// A delay but no next hop and no recipient fits neither class.
	pkt, err := New(raw, g)
	require.NoError(err, "New()")
	err = pkt.Set(nil, []commands.RoutingCommand{
		&commands.NodeDelay{Delay: 33},
	})
	require.NoError(err, "Set()")
	require.False(pkt.IsForward(), "IsForward(): delay only")
	require.False(pkt.IsTerminal(), "IsTerminal(): delay only")
	pkt.Dispose()

	// NextNodeHop combined with a Recipient is not a valid forward packet.
	pkt, err = New(raw, g)
	require.NoError(err, "New()")
	err = pkt.Set(nil, []commands.RoutingCommand{
		&commands.NextNodeHop{},
		&commands.NodeDelay{Delay: 33},
		&commands.Recipient{},
	})
	require.NoError(err, "Set()")
	require.False(pkt.IsForward(), "IsForward(): hop and recipient")
	pkt.Dispose()
}

// queue_test.go - Stillpost scheduler queue tests.
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

package scheduler

import (
	"crypto/rand"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stillpost/stillpost/core/crypto/ecdh"
	"github.com/stillpost/stillpost/core/log"
	"github.com/stillpost/stillpost/core/sphinx/commands"
	"github.com/stillpost/stillpost/core/sphinx/geo"
	"github.com/stillpost/stillpost/server/config"
	"github.com/stillpost/stillpost/server/internal/glue"
	"github.com/stillpost/stillpost/server/internal/instrument"
	"github.com/stillpost/stillpost/server/internal/packet"
)

type mockGlue struct {
	cfg        *config.Config
	logBackend *log.Backend
	connector  glue.Connector
}

func (m *mockGlue) Config() *config.Config          { return m.cfg }
func (m *mockGlue) LogBackend() *log.Backend        { return m.logBackend }
func (m *mockGlue) IdentityKey() *ecdh.PrivateKey   { return nil }
func (m *mockGlue) NodeID() *[geo.NodeIDLength]byte { return nil }
func (m *mockGlue) MixKeys() glue.MixKeys           { return nil }
func (m *mockGlue) Topology() glue.Topology         { return nil }
func (m *mockGlue) Scheduler() glue.Scheduler       { return nil }
func (m *mockGlue) Connector() glue.Connector       { return m.connector }
func (m *mockGlue) Listeners() []glue.Listener      { return make([]glue.Listener, 0) }
func (m *mockGlue) ReshadowCryptoWorkers()          {}

func newMockGlue(t *testing.T, g *geo.Geometry) *mockGlue {
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err, "log.New()")
	return &mockGlue{
		cfg: &config.Config{
			Server:         &config.Server{},
			Debug:          &config.Debug{},
			SphinxGeometry: g,
		},
		logBackend: logBackend,
	}
}

// newForwardPacket fabricates a packet that looks like it came out of a
// crypto worker, with the forward routing commands attached.
func newForwardPacket(t *testing.T, g *geo.Geometry, delay time.Duration) *packet.Packet {
	require := require.New(t)

	raw := make([]byte, g.PacketLength)
	_, err := rand.Read(raw)
	require.NoError(err, "raw packet")

	pkt, err := packet.New(raw, g)
	require.NoError(err, "packet.New()")

	nextNodeHop := new(commands.NextNodeHop)
	_, err = rand.Read(nextNodeHop.ID[:])
	require.NoError(err, "next hop id")
	nodeDelay := &commands.NodeDelay{Delay: uint32(delay / time.Millisecond)}

	err = pkt.Set(nil, []commands.RoutingCommand{nextNodeHop, nodeDelay})
	require.NoError(err, "pkt.Set()")
	pkt.Delay = delay
	pkt.RecvAt = time.Now()
	return pkt
}

// TestMemoryQueueBulkEnqueue verifies that the queue orders packets by delay.
func TestMemoryQueueBulkEnqueue(t *testing.T) {
	require := require.New(t)

	g := geo.GeometryFromForwardPayloadLength(512, 5)
	mg := newMockGlue(t, g)
	q := newMemoryQueue(mg, mg.logBackend.GetLogger("mq"))

	pkts := make([]*packet.Packet, 100)
	for i := range pkts {
		// A set of packets with out-of-order delays.
		delay := time.Millisecond * time.Duration((i%2)*400+i*5+40)
		pkts[i] = newForwardPacket(t, g, delay)
	}
	q.BulkEnqueue(pkts)

	last := time.Duration(0)
	for i := 0; i < 100; i++ {
		_, pkt := q.Peek()
		require.NotNil(pkt, "Peek(): %d", i)
		require.True(pkt.Delay >= last, "priority ordering")
		last = pkt.Delay
		q.Pop()
		pkt.Dispose()
	}

	_, pkt := q.Peek()
	require.Nil(pkt, "queue must be empty")
}

// TestMemoryQueueCapacity verifies that a full queue refuses new
// arrivals while leaving the resident entries untouched.
func TestMemoryQueueCapacity(t *testing.T) {
	require := require.New(t)

	const maxCapacity = 10

	g := geo.GeometryFromForwardPayloadLength(512, 5)
	mg := newMockGlue(t, g)
	mg.cfg.Debug.SchedulerQueueSize = maxCapacity
	q := newMemoryQueue(mg, mg.logBackend.GetLogger("mq"))

	pkts := make([]*packet.Packet, 100)
	for i := range pkts {
		pkts[i] = newForwardPacket(t, g, time.Duration(i)*time.Millisecond)
	}

	before := instrument.Snapshot()
	q.BulkEnqueue(pkts)
	after := instrument.Snapshot()
	require.Equal(before.DroppedQueueFull+90, after.DroppedQueueFull, "refusal counter")

	// The first maxCapacity arrivals keep their slots and drain in
	// priority order.
	for i := 0; i < maxCapacity; i++ {
		_, pkt := q.Peek()
		require.NotNil(pkt, "Peek(): %d", i)
		require.Equal(time.Duration(i)*time.Millisecond, pkt.Delay, "survivor ordering: %d", i)
		q.Pop()
		pkt.Dispose()
	}

	_, pkt := q.Peek()
	require.Nil(pkt, "queue must be empty")

	// A drained queue accepts new arrivals again.
	q.BulkEnqueue([]*packet.Packet{newForwardPacket(t, g, time.Millisecond)})
	_, pkt = q.Peek()
	require.NotNil(pkt, "queue must accept packets after draining")
	q.Pop()
	pkt.Dispose()
}

// TestMemoryQueueRandomEviction verifies the opt-in eviction behavior at
// the queue size limit.
func TestMemoryQueueRandomEviction(t *testing.T) {
	require := require.New(t)

	const maxCapacity = 10

	g := geo.GeometryFromForwardPayloadLength(512, 5)
	mg := newMockGlue(t, g)
	mg.cfg.Debug.SchedulerQueueSize = maxCapacity
	mg.cfg.Debug.SchedulerRandomEviction = true
	q := newMemoryQueue(mg, mg.logBackend.GetLogger("mq"))

	pkts := make([]*packet.Packet, 100)
	for i := range pkts {
		pkts[i] = newForwardPacket(t, g, time.Duration(i)*time.Millisecond)
	}

	before := instrument.Snapshot()
	q.BulkEnqueue(pkts)
	after := instrument.Snapshot()
	require.Equal(before.DroppedQueueFull+90, after.DroppedQueueFull, "eviction counter")

	var n int
	for {
		_, pkt := q.Peek()
		if pkt == nil {
			break
		}
		q.Pop()
		pkt.Dispose()
		n++
	}
	require.Equal(maxCapacity, n, "queue must hold at most the capacity")
}

func TestBoltQueue(t *testing.T) {
	require := require.New(t)

	dir, err := os.MkdirTemp("", "scheduler_bolt_tests")
	require.NoError(err, "MkdirTemp()")
	t.Cleanup(func() { os.RemoveAll(dir) })

	g := geo.GeometryFromForwardPayloadLength(512, 5)
	mg := newMockGlue(t, g)
	mg.cfg.Server.DataDir = dir
	mg.cfg.Debug.SchedulerSlack = 150

	q, err := newBoltQueue(mg)
	require.NoError(err, "newBoltQueue()")
	defer q.Halt()

	delays := []time.Duration{3 * time.Second, time.Second, 2 * time.Second}
	pkts := make([]*packet.Packet, 0, len(delays))
	ids := make(map[time.Duration]uint64)
	for _, d := range delays {
		pkt := newForwardPacket(t, g, d)
		ids[d] = pkt.ID
		pkts = append(pkts, pkt)
	}
	q.BulkEnqueue(pkts)

	// The earliest packet is held as the queue head, the rest hit the db
	// and come back out in priority order.
	for i, want := range []time.Duration{time.Second, 2 * time.Second, 3 * time.Second} {
		prio, pkt := q.Peek()
		require.NotNil(pkt, "Peek(): %d", i)
		require.Equal(ids[want], pkt.ID, "priority ordering: %d", i)
		require.Equal(want, pkt.Delay, "deserialized delay: %d", i)
		require.False(prio.IsZero(), "priority timestamp: %d", i)
		q.Pop()
		pkt.Dispose()
	}

	_, pkt := q.Peek()
	require.Nil(pkt, "queue must be empty")
}

func TestBoltQueueDeadline(t *testing.T) {
	require := require.New(t)

	dir, err := os.MkdirTemp("", "scheduler_bolt_deadline_tests")
	require.NoError(err, "MkdirTemp()")
	t.Cleanup(func() { os.RemoveAll(dir) })

	g := geo.GeometryFromForwardPayloadLength(512, 5)
	mg := newMockGlue(t, g)
	mg.cfg.Server.DataDir = dir
	mg.cfg.Debug.SchedulerSlack = 150

	q, err := newBoltQueue(mg)
	require.NoError(err, "newBoltQueue()")
	defer q.Halt()

	// Two separate enqueues so the second packet lands in the db behind
	// the head.
	q.BulkEnqueue([]*packet.Packet{newForwardPacket(t, g, time.Millisecond)})
	q.BulkEnqueue([]*packet.Packet{newForwardPacket(t, g, 2 * time.Millisecond)})

	// Let both dispatch priorities blow past the slack.
	time.Sleep(400 * time.Millisecond)

	before := instrument.Snapshot()

	// Popping the head scans the db, where the second packet's deadline
	// is now blown.
	_, pkt := q.Peek()
	require.NotNil(pkt, "Peek()")
	q.Pop()
	pkt.Dispose()

	after := instrument.Snapshot()
	require.Equal(before.DroppedDeadline+1, after.DroppedDeadline, "deadline counter")

	_, pkt = q.Peek()
	require.Nil(pkt, "blown packet must not be promoted to head")
}

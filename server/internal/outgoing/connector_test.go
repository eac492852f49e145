// connector_test.go - Stillpost server connector tests.
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

package outgoing

import (
	"crypto/rand"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stillpost/stillpost/core/crypto/ecdh"
	"github.com/stillpost/stillpost/core/log"
	"github.com/stillpost/stillpost/core/pki"
	"github.com/stillpost/stillpost/core/sphinx/commands"
	"github.com/stillpost/stillpost/core/sphinx/geo"
	"github.com/stillpost/stillpost/core/wire"
	"github.com/stillpost/stillpost/server/config"
	"github.com/stillpost/stillpost/server/internal/glue"
	"github.com/stillpost/stillpost/server/internal/instrument"
	"github.com/stillpost/stillpost/server/internal/packet"
)

type fakeTopology struct {
	sync.Mutex

	dests map[[geo.NodeIDLength]byte]*pki.MixDescriptor
}

func (f *fakeTopology) Halt()                   {}
func (f *fakeTopology) StartWorker()            {}
func (f *fakeTopology) Set(*pki.Document) error { return nil }
func (f *fakeTopology) Document() *pki.Document { return nil }

func (f *fakeTopology) OutgoingDestinations() map[[geo.NodeIDLength]byte]*pki.MixDescriptor {
	f.Lock()
	defer f.Unlock()

	m := make(map[[geo.NodeIDLength]byte]*pki.MixDescriptor)
	for k, v := range f.dests {
		m[k] = v
	}
	return m
}

func (f *fakeTopology) GetOutgoingByID(id *[geo.NodeIDLength]byte) (*pki.MixDescriptor, bool, bool) {
	f.Lock()
	defer f.Unlock()

	d, ok := f.dests[*id]
	if !ok {
		return nil, false, false
	}
	return d, true, true
}

func (f *fakeTopology) add(d *pki.MixDescriptor) {
	f.Lock()
	defer f.Unlock()
	f.dests[d.NodeID()] = d
}

func (f *fakeTopology) remove(id [geo.NodeIDLength]byte) {
	f.Lock()
	defer f.Unlock()
	delete(f.dests, id)
}

type mockGlue struct {
	cfg        *config.Config
	logBackend *log.Backend
	topo       *fakeTopology
}

func (m *mockGlue) Config() *config.Config          { return m.cfg }
func (m *mockGlue) LogBackend() *log.Backend        { return m.logBackend }
func (m *mockGlue) IdentityKey() *ecdh.PrivateKey   { return nil }
func (m *mockGlue) NodeID() *[geo.NodeIDLength]byte { return nil }
func (m *mockGlue) MixKeys() glue.MixKeys           { return nil }
func (m *mockGlue) Topology() glue.Topology         { return m.topo }
func (m *mockGlue) Scheduler() glue.Scheduler       { return nil }
func (m *mockGlue) Connector() glue.Connector       { return nil }
func (m *mockGlue) Listeners() []glue.Listener      { return make([]glue.Listener, 0) }
func (m *mockGlue) ReshadowCryptoWorkers()          {}

type connectorEnv struct {
	geo  *geo.Geometry
	glue *mockGlue
	topo *fakeTopology
	co   glue.Connector
	cmds *wire.Commands

	l     net.Listener
	dstID [geo.NodeIDLength]byte

	haltOnce sync.Once
}

func (e *connectorEnv) halt() {
	e.haltOnce.Do(e.co.Halt)
}

// newDestination fabricates a descriptor for a forward destination
// reachable at the given address.
func newDestination(t *testing.T, name, addr string) *pki.MixDescriptor {
	require := require.New(t)

	idKey, err := ecdh.NewKeypair(rand.Reader)
	require.NoError(err, "identity key")

	return &pki.MixDescriptor{
		Name:        name,
		IdentityKey: idKey.PublicKey(),
		Addresses: map[pki.Transport][]string{
			pki.TransportTCP: {addr},
		},
		Layer: 1,
	}
}

func newConnectorEnv(t *testing.T, idleMs, sendSlackMs int) *connectorEnv {
	require := require.New(t)

	g := geo.GeometryFromForwardPayloadLength(512, 3)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err, "net.Listen()")
	t.Cleanup(func() { l.Close() })

	dst := newDestination(t, "remote", "tcp://"+l.Addr().String())
	topo := &fakeTopology{dests: make(map[[geo.NodeIDLength]byte]*pki.MixDescriptor)}
	topo.add(dst)

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err, "log.New()")

	mg := &mockGlue{
		cfg: &config.Config{
			Server: &config.Server{},
			Debug: &config.Debug{
				ConnectTimeout:   10 * 1000,
				SendSlack:        sendSlackMs,
				IdleConnTimeout:  idleMs,
				MaxOutgoingDials: 8,
			},
			SphinxGeometry: g,
		},
		logBackend: logBackend,
		topo:       topo,
	}

	env := &connectorEnv{
		geo:   g,
		glue:  mg,
		topo:  topo,
		co:    New(mg),
		cmds:  wire.NewCommands(g),
		l:     l,
		dstID: dst.NodeID(),
	}
	t.Cleanup(env.halt)
	return env
}

func (e *connectorEnv) accept(t *testing.T) net.Conn {
	require := require.New(t)

	tcpL := e.l.(*net.TCPListener)
	require.NoError(tcpL.SetDeadline(time.Now().Add(10*time.Second)), "listener deadline")

	conn, err := e.l.Accept()
	require.NoError(err, "Accept()")
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (e *connectorEnv) readFrame(t *testing.T, conn net.Conn) wire.Command {
	require := require.New(t)

	require.NoError(conn.SetReadDeadline(time.Now().Add(10*time.Second)), "SetReadDeadline()")
	cmd, err := e.cmds.ReadCommand(conn)
	require.NoError(err, "ReadCommand()")
	return cmd
}

func expectConnClose(t *testing.T, conn net.Conn, msg string) {
	require := require.New(t)

	require.NoError(conn.SetReadDeadline(time.Now().Add(10*time.Second)), "SetReadDeadline()")
	var b [1]byte
	_, err := conn.Read(b[:])
	require.Equal(io.EOF, err, msg)
}

// newOutboundPacket fabricates a scheduler-ready packet bound for the given
// destination, along with a copy of its wire bytes.
func newOutboundPacket(t *testing.T, g *geo.Geometry, dstID [geo.NodeIDLength]byte) (*packet.Packet, []byte) {
	require := require.New(t)

	raw := make([]byte, g.PacketLength)
	_, err := rand.Read(raw)
	require.NoError(err, "raw packet")

	pkt, err := packet.New(raw, g)
	require.NoError(err, "packet.New()")

	err = pkt.Set(nil, []commands.RoutingCommand{
		&commands.NextNodeHop{ID: dstID},
		&commands.NodeDelay{Delay: 10},
	})
	require.NoError(err, "pkt.Set()")
	pkt.Delay = 10 * time.Millisecond
	pkt.RecvAt = time.Now()
	pkt.DispatchAt = time.Now()
	return pkt, raw
}

// TestConnectorDispatch exercises the topology sweep, the dial, and a
// packet transiting out to the peer.
func TestConnectorDispatch(t *testing.T) {
	require := require.New(t)
	env := newConnectorEnv(t, 60*1000, 500)

	env.co.ForceUpdate()
	conn := env.accept(t)

	require.Eventually(func() bool {
		return env.co.IsValidForwardDest(&env.dstID)
	}, 10*time.Second, 10*time.Millisecond, "destination routable after sweep")

	var bogusID [geo.NodeIDLength]byte
	_, err := rand.Read(bogusID[:])
	require.NoError(err, "bogus id")
	require.False(env.co.IsValidForwardDest(&bogusID), "unknown destination routable")

	before := instrument.Snapshot()
	pkt, raw := newOutboundPacket(t, env.geo, env.dstID)
	env.co.DispatchPacket(pkt)

	cmd := env.readFrame(t, conn)
	sendCmd, ok := cmd.(*wire.SendPacket)
	require.True(ok, "expected SendPacket, got %T", cmd)
	require.Equal(raw, sendCmd.SphinxPacket, "forwarded packet bytes")

	require.Eventually(func() bool {
		return instrument.Snapshot().Forwarded == before.Forwarded+1
	}, 10*time.Second, 10*time.Millisecond, "Forwarded counter")
}

// TestConnectorDropNoRoute verifies that packets with no usable next hop
// are counted and dropped without wedging anything.
func TestConnectorDropNoRoute(t *testing.T) {
	require := require.New(t)
	env := newConnectorEnv(t, 60*1000, 500)

	// The connector has not swept yet, so the connection table is empty.
	before := instrument.Snapshot()
	pkt, _ := newOutboundPacket(t, env.geo, env.dstID)
	env.co.DispatchPacket(pkt)

	after := instrument.Snapshot()
	require.Equal(before.DroppedOutgoing+1, after.DroppedOutgoing, "DroppedOutgoing counter")
	require.Equal(before.Dropped+1, after.Dropped, "Dropped counter")

	// A packet with no next hop command at all is invalid.
	raw := make([]byte, env.geo.PacketLength)
	noHop, err := packet.New(raw, env.geo)
	require.NoError(err, "packet.New()")

	before = after
	env.co.DispatchPacket(noHop)
	after = instrument.Snapshot()
	require.Equal(before.DroppedInvalid+1, after.DroppedInvalid, "DroppedInvalid counter")
	require.Equal(before.Dropped+1, after.Dropped, "Dropped counter")
}

// TestOutgoingDwellDrop verifies the send slack check, a packet that sat
// queued past its dispatch instant never hits the wire.
func TestOutgoingDwellDrop(t *testing.T) {
	require := require.New(t)
	env := newConnectorEnv(t, 60*1000, 200)

	env.co.ForceUpdate()
	conn := env.accept(t)

	before := instrument.Snapshot()

	stale, _ := newOutboundPacket(t, env.geo, env.dstID)
	stale.DispatchAt = time.Now().Add(-time.Second)
	env.co.DispatchPacket(stale)

	fresh, freshRaw := newOutboundPacket(t, env.geo, env.dstID)
	env.co.DispatchPacket(fresh)

	// The conn worker consumes in FIFO order, so the first frame on the
	// wire proves the disposition of both packets.
	cmd := env.readFrame(t, conn)
	sendCmd, ok := cmd.(*wire.SendPacket)
	require.True(ok, "expected SendPacket, got %T", cmd)
	require.Equal(freshRaw, sendCmd.SphinxPacket, "dwell check passed the wrong packet")

	after := instrument.Snapshot()
	require.Equal(before.DroppedDeadline+1, after.DroppedDeadline, "DroppedDeadline counter")
}

// TestOutgoingIdleRedial verifies that a quiet link is torn down after the
// idle timeout, and that the next packet brings it back up.
func TestOutgoingIdleRedial(t *testing.T) {
	require := require.New(t)
	env := newConnectorEnv(t, 150, 1000)

	env.co.ForceUpdate()
	conn1 := env.accept(t)

	// With nothing to send, the link goes down after the idle timeout.
	expectConnClose(t, conn1, "idle connection close")

	// The destination stays routable while the conn worker waits for
	// traffic, and the next packet triggers the redial.
	require.True(env.co.IsValidForwardDest(&env.dstID), "destination routable while idle")

	pkt, raw := newOutboundPacket(t, env.geo, env.dstID)
	env.co.DispatchPacket(pkt)

	conn2 := env.accept(t)
	cmd := env.readFrame(t, conn2)
	sendCmd, ok := cmd.(*wire.SendPacket)
	require.True(ok, "expected SendPacket, got %T", cmd)
	require.Equal(raw, sendCmd.SphinxPacket, "packet bytes after redial")
}

// TestOutgoingDropTail verifies the bounded per-conn queue, dispatch never
// blocks and the overflow is counted.
func TestOutgoingDropTail(t *testing.T) {
	require := require.New(t)
	env := newConnectorEnv(t, 60*1000, 500)

	// A destination with nothing listening, so the conn worker spins in
	// its dial retry and never drains the queue.
	deadL, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err, "dead listener")
	deadAddr := deadL.Addr().String()
	require.NoError(deadL.Close(), "dead listener close")

	dead := newDestination(t, "unreachable", "tcp://"+deadAddr)
	deadID := dead.NodeID()
	env.topo.add(dead)

	env.co.ForceUpdate()
	require.Eventually(func() bool {
		return env.co.IsValidForwardDest(&deadID)
	}, 10*time.Second, 10*time.Millisecond, "dead destination in table")

	before := instrument.Snapshot()
	const nrPkts = 70 // The queue caps at 64.
	for i := 0; i < nrPkts; i++ {
		pkt, _ := newOutboundPacket(t, env.geo, deadID)
		env.co.DispatchPacket(pkt)
	}

	after := instrument.Snapshot()
	require.Equal(before.DroppedOutgoing+6, after.DroppedOutgoing, "DroppedOutgoing counter")
	require.Equal(before.Dropped+6, after.Dropped, "Dropped counter")
}

// TestConnectorSweepHaltsStale verifies that a conn to a peer that fell
// out of the topology is torn down by the next sweep.
func TestConnectorSweepHaltsStale(t *testing.T) {
	require := require.New(t)
	env := newConnectorEnv(t, 60*1000, 500)

	env.co.ForceUpdate()
	conn := env.accept(t)

	env.topo.remove(env.dstID)
	env.co.ForceUpdate()

	expectConnClose(t, conn, "de-listed peer connection close")

	require.Eventually(func() bool {
		return !env.co.IsValidForwardDest(&env.dstID)
	}, 10*time.Second, 10*time.Millisecond, "conn removed from table")
}

// TestConnectorHalt verifies that Halt tears down established conns and
// waits for the workers to finish.
func TestConnectorHalt(t *testing.T) {
	env := newConnectorEnv(t, 60*1000, 500)

	env.co.ForceUpdate()
	conn := env.accept(t)

	env.halt()

	expectConnClose(t, conn, "connection close on halt")
}

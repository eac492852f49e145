// outgoing_conn.go - Stillpost server outgoing connection handler.
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
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/stillpost/stillpost/core/epochtime"
	"github.com/stillpost/stillpost/core/pki"
	"github.com/stillpost/stillpost/core/sphinx/geo"
	"github.com/stillpost/stillpost/core/wire"
	"github.com/stillpost/stillpost/quic/common"
	"github.com/stillpost/stillpost/server/internal/constants"
	"github.com/stillpost/stillpost/server/internal/instrument"
	"github.com/stillpost/stillpost/server/internal/packet"
)

// destRecheckInterval is how often established connections revalidate the
// destination against the topology, so that de-listed peers get torn down
// and early connects pick up send permission when the epoch rolls over.
const destRecheckInterval = 1 * time.Minute

var outgoingConnID uint64

type outgoingConn struct {
	geo  *geo.Geometry
	co   *connector
	log  *logging.Logger
	cmds *wire.Commands

	dst    *pki.MixDescriptor
	nodeID [geo.NodeIDLength]byte
	ch     chan *packet.Packet

	haltCh   chan interface{}
	haltOnce sync.Once

	id         uint64
	retryDelay time.Duration
	canSend    bool

	// pending is a packet that was pulled off ch to wake an idle conn,
	// to be written once the link is redialed.  Only the worker and its
	// synchronous callees touch it.
	pending *packet.Packet
}

// halt tears down the connection, used when the destination is no longer
// listed in the topology.  Safe to call more than once.
func (c *outgoingConn) halt() {
	c.haltOnce.Do(func() { close(c.haltCh) })
}

func (c *outgoingConn) dispatchPacket(pkt *packet.Packet) {
	select {
	case c.ch <- pkt:
	default:
		// Queue full, shed the new arrival. Shedding the oldest entry
		// instead would be kinder to latency, but channels.RingChannel
		// gives no signal when an insert displaces something and the
		// drop counters need to know. The queue only really fills while
		// the link is down, once it is up the conn worker does the load
		// shedding. No log line here, a full queue under load would
		// produce one per packet.
		instrument.OutgoingPacketsDropped()
		instrument.PacketsDropped()
		pkt.Dispose()
	}
}

// refreshDestination revalidates the destination against the topology,
// refreshing the cached descriptor and the send permission.  It returns
// false once the peer is no longer listed.
func (c *outgoingConn) refreshDestination() bool {
	desc, canSend, isValid := c.co.glue.Topology().GetOutgoingByID(&c.nodeID)
	if !isValid {
		return false
	}
	if desc != nil {
		// Addresses can change between documents, the store hands back
		// the most current descriptor.
		c.dst = desc
	}
	c.canSend = canSend
	return true
}

// dialAddresses returns the peer's addresses in transport preference
// order.
func (c *outgoingConn) dialAddresses() []string {
	var addrs []string
	for _, t := range pki.InternalTransports {
		if v, ok := c.dst.Addresses[t]; ok {
			addrs = append(addrs, v...)
		}
	}
	return addrs
}

func (c *outgoingConn) worker() {
	var (
		backoffStep = epochtime.Period / 64
		backoffCap  = epochtime.Period / 8
	)

	defer func() {
		c.log.Debugf("Halting connect worker.")
		c.co.onClosedConn(c)
		close(c.ch)
		if c.pending != nil {
			c.pending.Dispose()
			c.pending = nil
		}
	}()

	// Both the connector teardown and the per-conn halt cancel this
	// context, which bounds the dials and the retry sleeps.
	dialCtx, cancelFn := context.WithCancel(context.Background())
	defer cancelFn()
	dialer := net.Dialer{
		KeepAlive: constants.KeepAliveInterval,
		Timeout:   time.Duration(c.co.glue.Config().Debug.ConnectTimeout) * time.Millisecond,
	}
	go func() {
		select {
		case <-c.co.closeAllCh:
			cancelFn()
		case <-c.haltCh:
			cancelFn()
		case <-dialCtx.Done():
		}
	}()

	for {
		// A conn whose peer fell out of the topology must remove itself,
		// the connector table relies on conns reaping themselves rather
		// than sweeping for ones stuck in the dial state.
		if !c.refreshDestination() {
			c.log.Debugf("Bailing out of Dial loop, no longer in topology.")
			return
		}

		dstAddrs := c.dialAddresses()
		if len(dstAddrs) == 0 {
			// Descriptors without addresses fail validation, so short of
			// a topology store bug this is unreachable.
			c.log.Warningf("Bailing out of Dial loop, no suitable addresses found.")
			return
		}

		for _, addr := range dstAddrs {
			select {
			case <-time.After(c.retryDelay):
				// Stretch the delay a step per attempt. The backoff is
				// shared across the peer's addresses, a destination that
				// flaps on all of them earns the extra wait.
				c.retryDelay += backoffStep
				if c.retryDelay > backoffCap {
					c.retryDelay = backoffCap
				}
			case <-dialCtx.Done():
				c.log.Debugf("(Re)connection attempts canceled.")
				return
			}

			u, err := url.Parse(addr)
			if err != nil {
				c.log.Warningf("Failed to parse addr: %v", err)
				continue
			}

			// The semaphore caps concurrent dials connector wide, keeping
			// a topology change from turning into a dial storm.
			if err = c.co.dialSem.Acquire(dialCtx, 1); err != nil {
				c.log.Debugf("(Re)connection attempts canceled.")
				return
			}
			c.log.Debugf("Dialing: %v", u.Host)
			conn, err := common.DialURL(u, dialCtx, dialer.DialContext)
			c.co.dialSem.Release(1)
			select {
			case <-dialCtx.Done():
				if conn != nil {
					conn.Close()
				}
				return
			default:
				if err != nil {
					c.log.Warningf("Failed to connect to '%v': %v", u.Host, err)
					continue
				}
			}
			c.log.Debugf("%v connection established.", u.Scheme)
			instrument.Outgoing()
			start := time.Now()
			c.retryDelay = 0

			wasHalted, wentIdle := c.onConnEstablished(conn, dialCtx.Done())
			switch {
			case wasHalted:
				c.log.Debugf("Existing connection canceled.")
				instrument.CancelledOutgoing()
				return
			case wentIdle:
				// The link sat with nothing to send past the idle
				// timeout.  Hold off on the redial until there is
				// traffic bound for the peer again.
				c.log.Debugf("Connection went idle, waiting for traffic before redial.")
				select {
				case pkt := <-c.ch:
					c.pending = pkt
				case <-dialCtx.Done():
					c.log.Debugf("(Re)connection attempts canceled.")
					return
				}
			default:
				c.log.Debugf("Connection terminated, will reconnect.")
				if time.Since(start) < backoffStep {
					// A link that died this quickly does not get an
					// immediate reconnect.
					c.retryDelay = backoffStep
				}
			}
			break
		}
	}
}

func (c *outgoingConn) onConnEstablished(conn net.Conn, closeCh <-chan struct{}) (wasHalted, wentIdle bool) {
	defer func() {
		c.log.Debugf("Connection closed. (wasHalted: %v, wentIdle: %v)", wasHalted, wentIdle)
		conn.Close()
	}()

	// The forward path never carries reverse traffic, so a blocking read
	// serves purely to notice the peer closing the link. The incoming
	// side needs no equivalent, it reads constantly.
	peerClosedCh := make(chan interface{})
	go func() {
		var oneByte [1]byte
		if n, err := conn.Read(oneByte[:]); n != 0 || err == nil {
			// Data arriving here violates the one way link invariant,
			// drop the connection.
			c.log.Warningf("Peer sent reverse traffic.")
		}
		close(peerClosedCh)
	}()

	// Writes happen on their own goroutine so the main loop stays
	// responsive to cancelation even while a WriteCommand is stalled
	// mid-transfer.
	sendCh := make(chan *packet.Packet)
	sendDoneCh := make(chan error)
	defer close(sendCh)
	go func() {
		defer close(sendDoneCh)
		for {
			pkt, ok := <-sendCh
			if !ok {
				return
			}
			if pkt == nil {
				// nil is the keepalive sentinel, it feeds the peer's
				// read deadline when the link is otherwise quiet.
				noOp := wire.NoOp{Cmds: c.cmds}
				if err := c.cmds.WriteCommand(conn, &noOp); err != nil {
					c.log.Debugf("Failed to send NoOp: %v", err)
					return
				}
				continue
			}
			cmd := wire.SendPacket{
				SphinxPacket: pkt.Raw,
				Cmds:         c.cmds,
			}
			if err := c.cmds.WriteCommand(conn, &cmd); err != nil {
				c.log.Debugf("Dropping packet: %v (WriteCommand failed: %v)", pkt.ID, err)
				instrument.PacketsDropped()
				instrument.OutgoingPacketsDropped()
				pkt.Dispose()
				return
			}
			c.log.Debugf("Sent packet: %v", pkt.ID)
			instrument.PacketForwarded()
			pkt.Dispose()
		}
	}()

	// A link with no packet traffic for the idle timeout gets torn down,
	// the dial loop then waits for traffic before redialing.
	idleTimeout := time.Duration(c.co.glue.Config().Debug.IdleConnTimeout) * time.Millisecond
	idleTimer := time.NewTimer(idleTimeout)
	defer idleTimer.Stop()

	// Wire level keepalives ride a slower cadence than the peer's read
	// deadline.
	keepAlive := time.NewTicker(constants.KeepAliveInterval)
	defer keepAlive.Stop()

	recheck := time.NewTicker(destRecheckInterval)
	defer recheck.Stop()

	// Pump packets from the conn queue out to the peer.
	for {
		var pkt *packet.Packet
		if c.pending != nil {
			// The packet that woke the idle conn goes first, subject to
			// the same dwell check as everything else.
			pkt, c.pending = c.pending, nil
		} else {
			select {
			case <-peerClosedCh:
				c.log.Debugf("Connection closed by peer.")
				return
			case <-closeCh:
				wasHalted = true
				return
			case <-idleTimer.C:
				wentIdle = true
				return
			case <-recheck.C:
				if !c.refreshDestination() {
					c.log.Debugf("Disconnecting, destination no longer in topology.")
					return
				}
				continue
			case <-keepAlive.C:
				select {
				case <-closeCh:
					wasHalted = true
					return
				case <-sendDoneCh:
					return
				case sendCh <- nil:
				}
				continue
			case pkt = <-c.ch:
				idleTimer.Reset(idleTimeout)
			}
		}

		// A packet that sat in queues past the send slack has lost its
		// timing cover, shed it.
		now := time.Now()
		if now.Sub(pkt.DispatchAt) > time.Duration(c.co.glue.Config().Debug.SendSlack)*time.Millisecond {
			c.log.Debugf("Dropping packet: %v (Deadline blown by %v)", pkt.ID, now.Sub(pkt.DispatchAt))
			instrument.DeadlineBlownPacketsDropped()
			instrument.OutgoingPacketsDropped()
			instrument.PacketsDropped()
			pkt.Dispose()
			continue
		}

		if !c.canSend {
			// An early connect to a peer only listed in the next epoch's
			// document, sending has to wait for the epoch to roll over.
			c.log.Debugf("Dropping packet: %v (Not yet permitted to send to peer.)", pkt.ID)
			instrument.OutgoingPacketsDropped()
			instrument.PacketsDropped()
			pkt.Dispose()
			continue
		}

		select {
		case <-closeCh:
			// Halted mid-handoff.
			wasHalted = true
			return
		case <-sendDoneCh:
			// The write side blew up, the dial loop takes it from here.
			return
		case sendCh <- pkt:
		}
	}
}

func newOutgoingConn(co *connector, dst *pki.MixDescriptor, geometry *geo.Geometry) *outgoingConn {
	// Sized to absorb a scheduler burst while the link catches up.
	const maxQueueSize = 64

	c := &outgoingConn{
		geo:    geometry,
		co:     co,
		dst:    dst,
		nodeID: dst.NodeID(),
		cmds:   wire.NewCommands(geometry),
		ch:     make(chan *packet.Packet, maxQueueSize),
		haltCh: make(chan interface{}),
		id:     atomic.AddUint64(&outgoingConnID, 1), // Only feeds log prefixes, wraparound is harmless.
	}
	c.log = co.glue.LogBackend().GetLogger(fmt.Sprintf("outgoing:%d", c.id))

	c.log.Debugf("New outgoing connection: %v", dst.Name)

	// The caller starts the worker after inserting the conn into the
	// connection table, onClosedConn assumes the entry is present.

	return c
}

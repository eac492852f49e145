// incoming_conn.go - Stillpost server incoming connection handler.
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

package incoming

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/stillpost/stillpost/core/sphinx/geo"
	"github.com/stillpost/stillpost/core/wire"
	"github.com/stillpost/stillpost/server/internal/instrument"
	"github.com/stillpost/stillpost/server/internal/packet"
)

var incomingConnID uint64

type incomingConn struct {
	l   *listener
	log *logging.Logger

	c    net.Conn
	geo  *geo.Geometry
	cmds *wire.Commands

	id uint64
}

// readCommands pulls frames off the wire and feeds them to the worker,
// closing cmdCh on any read failure. A peer with nothing to send is
// expected to keep the link warm with NoOps, so a read sitting idle
// past the timeout means the peer is gone.
func (c *incomingConn) readCommands(cmdCh chan<- wire.Command, done <-chan interface{}) {
	defer close(cmdCh)

	idleTimeout := time.Duration(c.l.glue.Config().Debug.IdleConnTimeout) * time.Millisecond
	for {
		if err := c.c.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			c.log.Debugf("Failed to arm read deadline: %v", err)
			return
		}

		cmd, err := c.cmds.ReadCommand(c.c)
		switch {
		case err == nil:
		case errors.As(err, new(*wire.MalformedCommandError)):
			c.log.Debugf("Dropping connection: %v", err)
			instrument.InvalidPacketsDropped()
			instrument.PacketsDropped()
			return
		default:
			c.log.Debugf("Failed to receive command: %v", err)
			return
		}

		select {
		case cmdCh <- cmd:
		case <-done:
			// The worker stopped consuming, nobody wants this command.
			return
		}
	}
}

func (c *incomingConn) worker() {
	defer func() {
		c.log.Debugf("Closing.")
		c.c.Close()
		c.l.onClosedConn(c)
	}()

	cmdCh := make(chan wire.Command)
	done := make(chan interface{})
	defer close(done)
	go c.readCommands(cmdCh, done)

	// A single reader feeding a single channel keeps the per-connection
	// arrival order intact all the way to the crypto workers.
	for {
		select {
		case <-c.l.closeAllCh:
			// The listener is tearing down every connection it owns.
			return
		case cmd, ok := <-cmdCh:
			if !ok {
				return
			}
			instrument.Incoming(cmd)
			if !c.onCommand(cmd) {
				return
			}
		}
	}
}

// onCommand reports whether the connection should stay up.
func (c *incomingConn) onCommand(rawCmd wire.Command) bool {
	switch cmd := rawCmd.(type) {
	case *wire.NoOp:
		c.log.Debugf("Received NoOp.")
		return true
	case *wire.SendPacket:
		if err := c.onSendPacket(cmd); err != nil {
			c.log.Debugf("SendPacket failed: %v", err)
			return false
		}
		return true
	case *wire.Disconnect:
		c.log.Debugf("Peer disconnected gracefully.")
		return false
	default:
		c.log.Debugf("Dropping connection, unexpected command: %T", cmd)
		return false
	}
}

func (c *incomingConn) onSendPacket(cmd *wire.SendPacket) error {
	pkt, err := packet.New(cmd.SphinxPacket, c.geo)
	if err != nil {
		instrument.InvalidPacketsDropped()
		instrument.PacketsDropped()
		return err
	}

	// Dwell time accounting starts when the packet enters the crypto
	// worker queue, so stamp the arrival here.
	pkt.RecvAt = time.Now()
	instrument.PacketReceived()
	c.log.Debugf("Handing off packet: %v", pkt.ID)
	c.l.incomingCh <- pkt
	return nil
}

func newIncomingConn(l *listener, conn net.Conn, g *geo.Geometry) *incomingConn {
	c := &incomingConn{
		l:    l,
		c:    conn,
		geo:  g,
		cmds: wire.NewCommands(g),
		id:   atomic.AddUint64(&incomingConnID, 1), // Only feeds log prefixes, wraparound is harmless.
	}
	c.log = l.glue.LogBackend().GetLogger(fmt.Sprintf("incoming:%d", c.id))
	c.log.Debugf("New incoming connection: %v", conn.RemoteAddr())

	// The caller inserts the conn into the listener table before the
	// worker starts.
	return c
}

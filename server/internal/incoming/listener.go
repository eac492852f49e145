// listener.go - Stillpost server listener.
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

// Package incoming implements the incoming connection support.
package incoming

import (
	"fmt"
	"net"
	"net/url"
	"sync"

	"github.com/quic-go/quic-go"
	"gopkg.in/op/go-logging.v1"

	"github.com/stillpost/stillpost/core/worker"
	"github.com/stillpost/stillpost/quic/common"
	"github.com/stillpost/stillpost/server/internal/constants"
	"github.com/stillpost/stillpost/server/internal/glue"
)

type listener struct {
	sync.Mutex
	worker.Worker

	glue glue.Glue
	log  *logging.Logger

	l     net.Listener
	conns map[*incomingConn]struct{}

	incomingCh chan<- interface{}
	closeAllCh chan interface{}
	closeAllWg sync.WaitGroup
}

func (l *listener) Halt() {
	// Stop accepting, then wait for worker() to notice and return.
	l.l.Close()
	l.Worker.Halt()

	// Tear down whatever connections this listener spawned.
	close(l.closeAllCh)
	l.closeAllWg.Wait()
}

func (l *listener) worker() {
	addr := l.l.Addr()
	l.log.Noticef("Listening on: %v", addr)
	defer func() {
		l.log.Noticef("Stopping listening on: %v", addr)
		l.l.Close() // A second Close after Halt is harmless.
	}()

	for {
		select {
		case <-l.closeAllCh:
			return
		default:
		}

		conn, err := l.l.Accept()
		if err != nil {
			// Accept starts failing permanently once Halt closes the
			// listener, transient errors just retry.
			if e, ok := err.(net.Error); ok && !e.Temporary() {
				l.log.Errorf("Accept failure: %v", err)
				return
			}
			continue
		}
		l.accept(conn)
	}
}

// accept registers conn and hands it its own worker. The entry must be
// in the table before the worker runs, onClosedConn expects to find it.
func (l *listener) accept(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(constants.KeepAliveInterval)
	}
	l.log.Debugf("Accepted new connection: %v", conn.RemoteAddr())

	c := newIncomingConn(l, conn, l.glue.Config().SphinxGeometry)

	l.Lock()
	l.conns[c] = struct{}{}
	l.closeAllWg.Add(1)
	l.Unlock()

	go c.worker()
}

func (l *listener) onClosedConn(c *incomingConn) {
	l.Lock()
	delete(l.conns, c)
	l.Unlock()
	l.closeAllWg.Done()
}

// New creates a new listener.
func New(glue glue.Glue, incomingCh chan<- interface{}, id int, addr string) (glue.Listener, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("listener: malformed address '%v': %v", addr, err)
	}

	l := &listener{
		glue:       glue,
		log:        glue.LogBackend().GetLogger(fmt.Sprintf("listener:%d", id)),
		conns:      make(map[*incomingConn]struct{}),
		incomingCh: incomingCh,
		closeAllCh: make(chan interface{}),
	}

	switch u.Scheme {
	case "tcp", "tcp4", "tcp6":
		l.l, err = net.Listen(u.Scheme, u.Host)
	case "quic":
		var ql *quic.Listener
		if ql, err = quic.ListenAddr(u.Host, common.GenerateTLSConfig(), nil); err == nil {
			// The wrapper presents the stream-per-connection QUIC
			// transport as an ordinary net.Listener to the accept loop.
			l.l = &common.QuicListener{Listener: ql}
		}
	default:
		return nil, fmt.Errorf("listener: unsupported scheme '%v'", u.Scheme)
	}
	if err != nil {
		l.log.Errorf("Failed to start listener '%v': %v", addr, err)
		return nil, err
	}

	l.Go(l.worker)
	return l, nil
}

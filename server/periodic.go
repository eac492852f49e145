// periodic.go - Stillpost server periodic timer.
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

package server

import (
	"math"
	"sync"
	"time"

	"github.com/stillpost/stillpost/server/internal/instrument"
)

type periodicTimer struct {
	sync.WaitGroup

	s *Server

	haltCh chan interface{}
}

func (t *periodicTimer) halt() {
	close(t.haltCh)
	t.Wait()
}

func (t *periodicTimer) worker() {
	ticker := time.NewTicker(time.Second)
	defer func() {
		ticker.Stop()
		t.Done()
	}()

	lastTick := time.Now()

	for {
		select {
		case <-t.haltCh:
			return
		case <-ticker.C:
		}

		// Housekeeping runs at roughly 1 Hz.  Nothing here is allowed
		// to block, anything long lived belongs in its own goroutine.

		// Watch for civil time misbehaving.  A clock that jumps around
		// will throw off epoch timing and topology freshness, though
		// packet processing itself keeps going.
		now := time.Now()
		switch deltaT := now.Sub(lastTick); {
		case deltaT < 0:
			t.s.log.Warningf("Civil time jumped backwards: %v", deltaT)
		case deltaT > 2*time.Second:
			t.s.log.Warningf("Civil time jumped forward: %v", deltaT)
		}
		lastTick = now

		// Export the inbound queue depth.
		qLen := t.s.inboundPackets.Len()
		instrument.GaugeChannelLength("server.inboundPackets", qLen)
		if qLen > math.MaxUint8 {
			qLen = math.MaxUint8
		}
		instrument.IngressQueue(uint8(qLen))
	}
}

func newPeriodicTimer(s *Server) *periodicTimer {
	t := new(periodicTimer)
	t.s = s
	t.haltCh = make(chan interface{})
	t.Add(1)

	go t.worker()
	return t
}

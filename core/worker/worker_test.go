// worker_test.go - Managed background goroutine tests.
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

package worker

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorkerHalt(t *testing.T) {
	require := require.New(t)

	var w Worker
	var unwound uint32

	const nrWorkers = 3
	for i := 0; i < nrWorkers; i++ {
		w.Go(func() {
			<-w.HaltCh()
			atomic.AddUint32(&unwound, 1)
		})
	}

	require.Equal(uint32(0), atomic.LoadUint32(&unwound), "workers must block on HaltCh")

	// Halt must not return before every goroutine has.
	w.Halt()
	require.Equal(uint32(nrWorkers), atomic.LoadUint32(&unwound), "all workers must unwind on Halt")
}

func TestWorkerZeroValue(t *testing.T) {
	require := require.New(t)

	// HaltCh on a zero value Worker must hand out a usable channel.
	var w Worker
	ch := w.HaltCh()
	require.NotNil(ch, "HaltCh()")

	select {
	case <-ch:
		t.Fatal("halt channel must be open before Halt")
	default:
	}

	w.Halt()
	select {
	case <-ch:
	default:
		t.Fatal("halt channel must be closed after Halt")
	}
}

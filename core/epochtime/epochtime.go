// epochtime.go - Epoch timekeeping.
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

// Package epochtime implements the mix key rotation epoch clock.  Mix keys
// and topology documents are scoped to an epoch; every node in a network
// must agree on the epoch boundaries.
package epochtime

import "time"

// Period is the duration of an epoch.
var Period = 20 * time.Minute

// WarpedEpoch may be set via the linker to shrink the epoch period for
// integration test networks.
var WarpedEpoch string

// Epoch is the genesis instant from which epochs are counted, in UTC.
var Epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// Now returns the current epoch, the time elapsed since the start of the
// current epoch, and the time remaining until the next epoch.
func Now() (current uint64, elapsed, till time.Duration) {
	return getEpoch(time.Now())
}

// FromUnix returns the epoch values relative to a Unix time in seconds.
func FromUnix(t int64) (current uint64, elapsed, till time.Duration) {
	return getEpoch(time.Unix(t, 0))
}

// IsInEpoch returns true iff the epoch e contains the time t, expressed in
// seconds since the Unix epoch.
func IsInEpoch(e uint64, t uint64) bool {
	startTime := Epoch.Add(time.Duration(e) * Period)
	endTime := Epoch.Add(time.Duration(e+1) * Period)

	tt := time.Unix(int64(t), 0)
	if tt.Equal(startTime) {
		return true
	}
	return tt.After(startTime) && tt.Before(endTime)
}

func getEpoch(t time.Time) (current uint64, elapsed, till time.Duration) {
	fromEpoch := t.Sub(Epoch)
	if fromEpoch < 0 {
		panic("epochtime: BUG: time appears to predate the epoch")
	}

	current = uint64(fromEpoch / Period)

	base := Epoch.Add(time.Duration(current) * Period)
	elapsed = t.Sub(base)
	till = base.Add(Period).Sub(t)
	return
}

func init() {
	if WarpedEpoch == "true" {
		Period = 2 * time.Minute
	}
}

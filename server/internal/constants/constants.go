// constants.go - Stillpost server internal constants.
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

// Package constants holds tunables shared across the server internals.
package constants

import "time"

const (
	// NumMixKeys is how many consecutive epoch keys the key store keeps
	// on hand, counting from the current epoch.
	NumMixKeys = 3

	// KeepAliveInterval is the keep alive probe interval applied to the
	// TCP link sockets.
	KeepAliveInterval = 3 * time.Minute
)

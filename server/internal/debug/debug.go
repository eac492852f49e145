// debug.go - Stillpost server debug bits and pieces.
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

// Package debug holds formatting helpers for log output.
package debug

import (
	"encoding/base64"

	"github.com/stillpost/stillpost/core/sphinx/geo"
)

// BytesToPrintString renders a binary identifier for log output.
func BytesToPrintString(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// NodeIDToPrintString renders a node identifier for log output.
func NodeIDToPrintString(id *[geo.NodeIDLength]byte) string {
	return BytesToPrintString(id[:])
}

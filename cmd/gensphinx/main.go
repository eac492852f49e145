// main.go - Sphinx geometry generation tool.
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

package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/stillpost/stillpost/core/sphinx/geo"
)

const nrLayers = 3

func main() {
	nrLayers := flag.Int("L", nrLayers, "Number of mix layers.")
	UserForwardPayloadLength := flag.Int("UserForwardPayloadLength", 2000, "UserForwardPayloadLength")
	flag.Parse()

	// The paths terminate at nodes outside the mix layers, one on
	// each side.
	nrHops := *nrLayers + 2

	sphinxGeometry := geo.GeometryFromUserForwardPayloadLength(
		*UserForwardPayloadLength,
		true,
		nrHops,
	)
	if err := sphinxGeometry.Validate(); err != nil {
		log.Fatalf("failed to derive a valid geometry: %v", err)
	}

	fmt.Printf("\n%s\n\n", sphinxGeometry.Display())
}

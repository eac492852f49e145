// SPDX-FileCopyrightText: Copyright (C) 2025 Stillpost Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package geo

import (
	"testing"

	"github.com/schwarmco/go-cartesian-product"
	"github.com/stretchr/testify/require"
)

func TestGeometryCartesianProduct(t *testing.T) {
	t.Parallel()

	nrHops := []interface{}{1, 2, 5, 7, 10, 22}
	payloadSize := []interface{}{500, 1000, 2000, 20000, 50000}

	for product := range cartesian.Iter(nrHops, payloadSize) {
		hops := product[0].(int)
		payload := product[1].(int)

		g := GeometryFromForwardPayloadLength(payload, hops)
		require.NoErrorf(t, g.Validate(), "hops %d payload %d: invalid geometry", hops, payload)
		require.Equalf(t, hops, g.NrHops, "hops %d payload %d: NrHops mismatch", hops, payload)
		require.Equalf(t, payload, g.ForwardPayloadLength, "hops %d payload %d: payload mismatch", hops, payload)

		overhead := float64(g.PacketLength) / float64(g.ForwardPayloadLength)
		t.Logf("hops %d payload %d: PacketLength %d overhead %f", hops, payload, g.PacketLength, overhead)
	}
}

func TestGeometryFromUserForwardPayloadLength(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	withSURB := GeometryFromUserForwardPayloadLength(512, true, 5)
	require.NoError(withSURB.Validate())
	require.Equal(512, withSURB.UserForwardPayloadLength)
	require.Equal(512+withSURB.SphinxPlaintextHeaderLength+withSURB.SURBLength, withSURB.ForwardPayloadLength)

	withoutSURB := GeometryFromUserForwardPayloadLength(512, false, 5)
	require.NoError(withoutSURB.Validate())
	require.Equal(512, withoutSURB.ForwardPayloadLength)
}

func TestGeometryValidateRejectsTampering(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	g := GeometryFromForwardPayloadLength(2*1024, 5)
	require.NoError(g.Validate())

	g.HeaderLength++
	require.Error(g.Validate(), "Validate() accepted a corrupt HeaderLength")

	var nilGeo *Geometry
	require.Error(nilGeo.Validate(), "Validate() accepted nil geometry")
}

func TestGeometryDisplay(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	g := GeometryFromForwardPayloadLength(2*1024, 5)
	s := g.Display()
	require.Contains(s, "PacketLength")
	require.Contains(s, "NrHops")
	require.NotEmpty(g.String())
}

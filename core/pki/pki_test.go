// pki_test.go - Mixnet topology document tests.
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

package pki

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stillpost/stillpost/core/crypto/ecdh"
	"github.com/stillpost/stillpost/core/crypto/rand"
)

func genDescriptor(require *require.Assertions, name string, layer uint8, epoch uint64) *MixDescriptor {
	identityKey, err := ecdh.NewKeypair(rand.Reader)
	require.NoError(err, "failed to generate identity key")
	mixKey, err := ecdh.NewKeypair(rand.Reader)
	require.NoError(err, "failed to generate mix key")

	return &MixDescriptor{
		Name:        name,
		IdentityKey: identityKey.PublicKey(),
		MixKeys: map[uint64]*ecdh.PublicKey{
			epoch: mixKey.PublicKey(),
		},
		Addresses: map[Transport][]string{
			TransportTCPv4: {fmt.Sprintf("tcp4://127.0.0.1:%d", 30000+int(layer))},
		},
		Layer: layer,
	}
}

func genDocument(require *require.Assertions, nrLayers, nodesPerLayer int, epoch uint64) *Document {
	topology := make([][]*MixDescriptor, nrLayers)
	for layer := range topology {
		for i := 0; i < nodesPerLayer; i++ {
			name := fmt.Sprintf("mix-%d-%d", layer, i)
			topology[layer] = append(topology[layer], genDescriptor(require, name, uint8(layer), epoch))
		}
	}
	return &Document{
		Epoch:       epoch,
		MixMaxDelay: 30000,
		Topology:    topology,
	}
}

func TestDocumentRoundTrip(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	require := require.New(t)

	const epoch = 1234
	doc := genDocument(require, 3, 2, epoch)

	b, err := doc.Marshal()
	require.NoError(err, "Marshal failed")

	parsed, err := ParseDocument(b)
	require.NoError(err, "ParseDocument failed")

	assert.Equal(doc.Epoch, parsed.Epoch, "Epoch mismatch")
	assert.Equal(doc.MixMaxDelay, parsed.MixMaxDelay, "MixMaxDelay mismatch")
	require.Equal(len(doc.Topology), len(parsed.Topology), "layer count mismatch")

	for layer := range doc.Topology {
		require.Equal(len(doc.Topology[layer]), len(parsed.Topology[layer]), "layer %d size mismatch", layer)
		for i, desc := range doc.Topology[layer] {
			got := parsed.Topology[layer][i]
			assert.Equal(desc.Name, got.Name)
			assert.Equal(desc.NodeID(), got.NodeID())
			assert.Equal(desc.Addresses, got.Addresses)
			require.NotNil(got.MixKeys[epoch])
			assert.Equal(desc.MixKeys[epoch].Bytes(), got.MixKeys[epoch].Bytes())
		}
	}
}

func TestDocumentLookups(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	require := require.New(t)

	doc := genDocument(require, 3, 2, 99)

	desc, err := doc.GetMix("mix-1-0")
	require.NoError(err, "GetMix failed")
	assert.Equal(uint8(1), desc.Layer)

	_, err = doc.GetMix("no-such-node")
	assert.Error(err, "GetMix returned a descriptor for an unknown name")

	layer, err := doc.GetMixesInLayer(2)
	require.NoError(err, "GetMixesInLayer failed")
	assert.Len(layer, 2)

	_, err = doc.GetMixesInLayer(7)
	assert.Error(err, "GetMixesInLayer accepted an out of range layer")

	id := desc.NodeID()
	byID, err := doc.GetMixByID(&id)
	require.NoError(err, "GetMixByID failed")
	assert.Equal(desc.Name, byID.Name)

	var bogus [32]byte
	_, err = doc.GetMixByID(&bogus)
	assert.Error(err, "GetMixByID returned a descriptor for an unknown ID")
}

func TestParseDocumentRejectsMalformed(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	require := require.New(t)

	_, err := ParseDocument(nil)
	assert.Error(err, "ParseDocument accepted an empty buffer")

	_, err = ParseDocument([]byte{0x17, 0x2a})
	assert.Error(err, "ParseDocument accepted garbage")

	// Empty topology.
	empty := &Document{Epoch: 1}
	b, err := empty.Marshal()
	require.NoError(err)
	_, err = ParseDocument(b)
	assert.Error(err, "ParseDocument accepted an empty topology")

	// Descriptor with no mix keys.
	doc := genDocument(require, 1, 1, 1)
	doc.Topology[0][0].MixKeys = nil
	b, err = doc.Marshal()
	require.NoError(err)
	_, err = ParseDocument(b)
	assert.Error(err, "ParseDocument accepted a descriptor without mix keys")

	// Descriptor with no addresses.
	doc = genDocument(require, 1, 1, 1)
	doc.Topology[0][0].Addresses = nil
	b, err = doc.Marshal()
	require.NoError(err)
	_, err = ParseDocument(b)
	assert.Error(err, "ParseDocument accepted a descriptor without addresses")
}

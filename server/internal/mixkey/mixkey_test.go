// mixkey_test.go - Mix keys tests.
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

package mixkey

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// An epoch this old is guaranteed to be expired by the time the test runs.
const testEpoch = 0x17

func randomTags(t *testing.T, n int) [][TagLength]byte {
	tags := make([][TagLength]byte, 0, n)
	seen := make(map[[TagLength]byte]bool)
	for len(tags) < n {
		var tag [TagLength]byte
		_, err := rand.Read(tag[:])
		require.NoError(t, err, "rand.Read()")
		if seen[tag] {
			continue
		}
		seen[tag] = true
		tags = append(tags, tag)
	}
	return tags
}

func TestMixKeyPersistence(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	dir := t.TempDir()
	keyFile := filepath.Join(dir, "mixkey-23.pem")

	k, err := New(dir, testEpoch)
	require.NoError(err, "New()")

	_, err = os.Lstat(keyFile)
	require.NoError(err, "New() must persist the keypair")
	require.NotNil(k.PrivateKey(), "PrivateKey()")
	require.NotNil(k.PublicKey(), "PublicKey()")
	assert.Equal(uint64(testEpoch), k.Epoch(), "Epoch()")

	priv := append([]byte{}, k.PrivateKey().Bytes()...)
	k.Deref()

	// Opening the same directory and epoch again loads the stored keypair
	// instead of generating a fresh one.
	reloaded, err := New(dir, testEpoch)
	require.NoError(err, "New() reload")
	assert.Equal(priv, reloaded.PrivateKey().Bytes(), "reloaded private key")
	assert.Equal(uint64(testEpoch), reloaded.Epoch(), "reloaded epoch")

	// The expired keypair is unlinked on release when asked for.
	reloaded.SetUnlinkIfExpired(true)
	reloaded.Deref()
	_, err = os.Lstat(keyFile)
	require.True(os.IsNotExist(err), "expired key file must be unlinked")
}

func TestIsReplay(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	k, err := New(t.TempDir(), testEpoch)
	require.NoError(err, "New()")
	defer k.Deref()

	// Tags that cannot have come out of Unwrap count as replays.
	assert.True(k.IsReplay([]byte{}), "zero length tag")
	assert.True(k.IsReplay(make([]byte, TagLength-1)), "short tag")

	tags := randomTags(t, 10)
	for i, tag := range tags {
		assert.False(k.IsReplay(tag[:]), "first sighting of tag %d: %v", i, hex.EncodeToString(tag[:]))
	}
	for i, tag := range tags {
		assert.True(k.IsReplay(tag[:]), "second sighting of tag %d: %v", i, hex.EncodeToString(tag[:]))
	}
}

func TestReplayFilterNotPersisted(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	dir := t.TempDir()

	k, err := New(dir, testEpoch)
	require.NoError(err, "New()")
	tags := randomTags(t, 4)
	for _, tag := range tags {
		k.IsReplay(tag[:])
	}
	k.Deref()

	// The filter is in-memory only, a fresh load starts empty.
	k, err = New(dir, testEpoch)
	require.NoError(err, "New() reload")
	defer k.Deref()
	for i, tag := range tags {
		assert.False(k.IsReplay(tag[:]), "tag %d must be forgotten across a reload", i)
	}
}

func TestRefCounting(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()

	k, err := New(dir, testEpoch)
	require.NoError(err, "New()")

	k.Ref()
	k.Deref()
	require.NotNil(k.keypair, "key must stay live while referenced")

	k.Deref()
	require.Nil(k.keypair, "key must be scrubbed at refcount 0")

	// unlinkIfExpired was never set, so even an expired key stays on disk.
	_, err = os.Lstat(filepath.Join(dir, "mixkey-23.pem"))
	require.NoError(err, "key file must survive without unlinkIfExpired")
}

func BenchmarkIsReplay(b *testing.B) {
	k, err := New(b.TempDir(), testEpoch)
	if err != nil {
		b.Fatal(err)
	}
	defer k.Deref()

	var tag [TagLength]byte
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		binary.BigEndian.PutUint64(tag[:], uint64(i))
		k.IsReplay(tag[:])
	}
}

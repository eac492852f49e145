// crypto.go - Sphinx cryptographic primitives.
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

// Package crypto fixes the concrete cryptographic primitives used by
// the Sphinx implementation.
package crypto

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"io"

	"gitlab.com/yawning/aez.git"
	"gitlab.com/yawning/bsaes.git"
	"golang.org/x/crypto/hkdf"

	"github.com/stillpost/stillpost/core/crypto/ecdh"
	"github.com/stillpost/stillpost/core/utils"
)

const (
	// HashLength is the size of a Hash digest in bytes.
	HashLength = sha512.Size256

	// MACKeyLength is the size of a MAC key in bytes.
	MACKeyLength = 32

	// MACLength is the truncated tag size of the MAC in bytes.
	MACLength = 16

	// StreamKeyLength is the size of a Stream key in bytes.
	StreamKeyLength = 16

	// StreamIVLength is the size of a Stream IV in bytes.
	StreamIVLength = 16

	// SPRPKeyLength is the size of an SPRP key in bytes.
	SPRPKeyLength = 48

	// SPRPIVLength is the size of an SPRP IV in bytes.
	SPRPIVLength = StreamIVLength

	// GroupElementLength mirrors the ecdh group element size in bytes.
	GroupElementLength = ecdh.GroupElementLength

	okmLength = MACKeyLength + StreamKeyLength + StreamIVLength + SPRPKeyLength + GroupElementLength
)

var kdfInfo = []byte("stillpost-kdf-v0-hkdf-sha256")

type resetter interface {
	Reset()
}

// truncatingMAC shortens the digest of the wrapped HMAC to MACLength.
type truncatingMAC struct {
	hash.Hash
}

func (m *truncatingMAC) Sum(b []byte) []byte {
	full := m.Hash.Sum(nil)
	return append(b, full[:MACLength]...)
}

// Stream is the Sphinx stream cipher.
type Stream struct {
	cipher.Stream
}

// KeyStream fills dst with raw key stream output.
func (s *Stream) KeyStream(dst []byte) {
	utils.ExplicitBzero(dst)
	s.XORKeyStream(dst, dst)
}

// Reset scrubs the cipher state from memory where the underlying
// implementation allows it.
func (s *Stream) Reset() {
	// bsaes exposes Reset on its CTR mode, `crypto/aes` does not.
	if r, ok := s.Stream.(resetter); ok {
		r.Reset()
	}
}

// Hash returns the digest of msg.
func Hash(msg []byte) [HashLength]byte {
	return sha512.Sum512_256(msg)
}

// NewMAC returns the keyed Sphinx MAC, a hash.Hash whose Sum output is
// truncated to MACLength bytes.
func NewMAC(key *[MACKeyLength]byte) hash.Hash {
	return &truncatingMAC{hmac.New(sha256.New, key[:])}
}

// NewStream returns the Sphinx stream cipher keyed with key and iv.
func NewStream(key *[StreamKeyLength]byte, iv *[StreamIVLength]byte) *Stream {
	// bsaes dispatches to `crypto/aes` when the runtime and CPU do
	// constant time AES, and stays constant time in software otherwise.
	blk, err := bsaes.NewCipher(key[:])
	if err != nil {
		panic("sphinx: failed to create AES instance: " + err.Error())
	}
	return &Stream{cipher.NewCTR(blk, iv[:])}
}

// SPRPEncrypt encrypts msg with the Sphinx SPRP under key and iv.
func SPRPEncrypt(key *[SPRPKeyLength]byte, iv *[SPRPIVLength]byte, msg []byte) []byte {
	return aez.Encrypt(key[:], iv[:], nil, 0, msg, nil)
}

// SPRPDecrypt decrypts msg with the Sphinx SPRP under key and iv.
func SPRPDecrypt(key *[SPRPKeyLength]byte, iv *[SPRPIVLength]byte, msg []byte) []byte {
	dst, ok := aez.Decrypt(key[:], iv[:], nil, 0, msg, nil)
	if !ok {
		// With tau = 0 there is no tag to reject, failure here means a
		// bug in the AEZ implementation.
		panic("sphinx: aez.Decrypt failed with tau = 0")
	}
	return dst
}

// PacketKeys holds the per-hop Sphinx keys derived from the shared
// secret of the blinded DH exchange.
type PacketKeys struct {
	HeaderMAC          [MACKeyLength]byte
	HeaderEncryption   [StreamKeyLength]byte
	HeaderEncryptionIV [StreamIVLength]byte
	PayloadEncryption  [SPRPKeyLength]byte
	BlindingFactor     [GroupElementLength]byte
}

// Reset scrubs all key material from the structure.
func (k *PacketKeys) Reset() {
	for _, b := range [][]byte{
		k.HeaderMAC[:],
		k.HeaderEncryption[:],
		k.HeaderEncryptionIV[:],
		k.PayloadEncryption[:],
		k.BlindingFactor[:],
	} {
		utils.ExplicitBzero(b)
	}
}

// KDF expands the raw shared secret into the per-hop packet keys.
func KDF(ikm *[GroupElementLength]byte) *PacketKeys {
	okm := make([]byte, okmLength)
	r := hkdf.Expand(sha256.New, ikm[:], kdfInfo)
	if _, err := io.ReadFull(r, okm); err != nil {
		// The expand length is a small constant, this cannot happen.
		panic("sphinx: hkdf expand failed: " + err.Error())
	}
	defer utils.ExplicitBzero(okm)

	k := new(PacketKeys)
	okm = okm[copy(k.HeaderMAC[:], okm):]
	okm = okm[copy(k.HeaderEncryption[:], okm):]
	okm = okm[copy(k.HeaderEncryptionIV[:], okm):]
	okm = okm[copy(k.PayloadEncryption[:], okm):]
	copy(k.BlindingFactor[:], okm)

	return k
}

// math.go - math/rand replacement.
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

package rand

import (
	"encoding/binary"
	"io"
	"math"
	"math/rand"
	"sync"

	"github.com/katzenpost/chacha20"

	"github.com/stillpost/stillpost/core/utils"
)

const seedSize = chacha20.KeySize

var mNonce [chacha20.NonceSize]byte

// chachaSource backs a math/rand.Rand with a ChaCha20 keystream.  Each key
// yields at most BlockSize-seedSize bytes of output, the keystream bytes
// after that become the next key, so recovering the state at some point
// does not expose earlier outputs.
type chachaSource struct {
	sync.Mutex
	cipher *chacha20.Cipher
	off    int
}

func (s *chachaSource) ratchet() {
	var next [chacha20.KeySize]byte
	defer utils.ExplicitBzero(next[:])
	s.cipher.KeyStream(next[:])
	if s.cipher.ReKey(next[:], mNonce[:]) != nil {
		panic("crypto/rand: chacha20 ReKey failed, not expected")
	}
	s.off = 0
}

func (s *chachaSource) Uint64() uint64 {
	s.Lock()
	defer s.Unlock()

	if s.off+8 > chacha20.BlockSize-seedSize {
		s.ratchet()
	}
	s.off += 8

	var tmp [8]byte
	s.cipher.KeyStream(tmp[:])
	return binary.LittleEndian.Uint64(tmp[:])
}

func (s *chachaSource) Int63() int64 {
	return int64(s.Uint64() & math.MaxInt64)
}

// Seed rekeys the source from the system entropy pool.  The argument is
// ignored, the rand.Source interface just requires it.
func (s *chachaSource) Seed(unused int64) {
	var seed [chacha20.KeySize]byte
	defer utils.ExplicitBzero(seed[:])
	if _, err := io.ReadFull(Reader, seed[:]); err != nil {
		panic("crypto/rand: failed to read entropy: " + err.Error())
	}
	if err := s.cipher.ReKey(seed[:], mNonce[:]); err != nil {
		panic("crypto/rand: chacha20 ReKey failed, not expected")
	}
	s.off = 0
}

// NewMath returns a "cryptographically secure" math/rand.Rand.
func NewMath() *rand.Rand {
	s := &chachaSource{
		cipher: new(chacha20.Cipher),
	}
	s.Seed(0)
	return rand.New(s)
}

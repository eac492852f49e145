// rand.go - Cryptographically secure random number generation.
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

// Package rand provides utilities for generating cryptographically secure
// random numbers and byte vectors.
package rand

import (
	cryptoRand "crypto/rand"
	"io"

	"github.com/katzenpost/chacha20"

	"github.com/stillpost/stillpost/core/utils"
)

// Reader is the package entropy source, a drop in replacement for
// crypto/rand.Reader.  Output is whitened with a freshly keyed ChaCha20
// stream per read, so raw pool output never leaves this package.
var Reader io.Reader = &whitenedReader{}

type whitenedReader struct{}

func (r *whitenedReader) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}

	var stream chacha20.Cipher
	defer stream.Reset()

	var seed [chacha20.KeySize + chacha20.NonceSize]byte
	defer utils.ExplicitBzero(seed[:])

	if _, err := io.ReadFull(cryptoRand.Reader, seed[:]); err != nil {
		return 0, err
	}
	if err := stream.ReKey(seed[:chacha20.KeySize], seed[chacha20.KeySize:]); err != nil {
		return 0, err
	}
	stream.KeyStream(b)
	return len(b), nil
}

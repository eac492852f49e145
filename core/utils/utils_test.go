// utils_test.go - Helper tests.
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

package utils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExplicitBzero(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	b := []byte("sensitive key material")
	ExplicitBzero(b)
	for i, v := range b {
		require.Zero(v, "byte %d not scrubbed", i)
	}
}

func TestCtIsZero(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	require.True(CtIsZero(nil))
	require.True(CtIsZero(make([]byte, 64)))

	b := make([]byte, 64)
	b[63] = 0x01
	require.False(CtIsZero(b))
	b[63] = 0x00
	b[0] = 0x80
	require.False(CtIsZero(b))
}

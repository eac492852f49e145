// mixkeys.go - Stillpost server mix key store.
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

// Package mixkeys maintains the rolling window of per-epoch mix keys.
package mixkeys

import (
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/stillpost/stillpost/core/crypto/ecdh"
	"github.com/stillpost/stillpost/core/epochtime"
	"github.com/stillpost/stillpost/server/internal/constants"
	"github.com/stillpost/stillpost/server/internal/glue"
	"github.com/stillpost/stillpost/server/internal/mixkey"
)

type mixKeys struct {
	sync.Mutex

	glue glue.Glue
	log  *logging.Logger

	keys map[uint64]*mixkey.MixKey
}

func (m *mixKeys) Generate(baseEpoch uint64) (bool, error) {
	m.Lock()
	defer m.Unlock()

	generated := false
	for epoch := baseEpoch; epoch < baseEpoch+constants.NumMixKeys; epoch++ {
		if _, ok := m.keys[epoch]; ok {
			// Covered by an existing key.
			continue
		}

		k, err := mixkey.New(m.glue.Config().Server.DataDir, epoch)
		if err != nil {
			m.discardLocked(baseEpoch, baseEpoch+constants.NumMixKeys)
			return false, err
		}
		k.SetUnlinkIfExpired(true)
		m.keys[epoch] = k
		generated = true
	}

	return generated, nil
}

// discardLocked drops the keys for epochs in [lo, hi), releasing the
// store's reference on each.
func (m *mixKeys) discardLocked(lo, hi uint64) {
	for epoch := lo; epoch < hi; epoch++ {
		if k, ok := m.keys[epoch]; ok {
			k.Deref()
			delete(m.keys, epoch)
		}
	}
}

func (m *mixKeys) Prune() bool {
	epoch, _, _ := epochtime.Now()

	m.Lock()
	defer m.Unlock()

	pruned := false
	for e, k := range m.keys {
		if e >= epoch-1 {
			continue
		}
		m.log.Debugf("Purging expired key for epoch: %v", e)
		k.Deref()
		delete(m.keys, e)
		pruned = true
	}

	return pruned
}

func (m *mixKeys) Get(epoch uint64) (*ecdh.PublicKey, bool) {
	m.Lock()
	defer m.Unlock()

	k, ok := m.keys[epoch]
	if !ok {
		return nil, false
	}
	return k.PublicKey(), true
}

func (m *mixKeys) Shadow(dst map[uint64]*mixkey.MixKey) {
	m.Lock()
	defer m.Unlock()

	// Keys that fell out of the store leave the shadow first.
	for epoch, k := range dst {
		if _, ok := m.keys[epoch]; !ok {
			k.Deref()
			delete(dst, epoch)
		}
	}

	// New keys enter the shadow with their own reference.
	for epoch, k := range m.keys {
		if _, ok := dst[epoch]; !ok {
			k.Ref()
			dst[epoch] = k
		}
	}
}

func (m *mixKeys) Halt() {
	m.Lock()
	defer m.Unlock()

	for _, k := range m.keys {
		k.Deref()
	}
	clear(m.keys)
}

// NewMixKeys builds the key store and generates or loads the keys
// covering the current epoch window.
func NewMixKeys(glue glue.Glue) (glue.MixKeys, error) {
	m := &mixKeys{
		glue: glue,
		log:  glue.LogBackend().GetLogger("mixkeys"),
		keys: make(map[uint64]*mixkey.MixKey),
	}

	// TODO: Loading the previous epoch's key during the clock skew
	// grace window would let a restarted node keep decrypting straggler
	// traffic.
	epoch, _, _ := epochtime.Now()
	if _, err := m.Generate(epoch); err != nil {
		return nil, err
	}

	return m, nil
}

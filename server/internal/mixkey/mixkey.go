// mixkey.go - Mix keys and associated utilities.
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

// Package mixkey provides persistent mix keys and associated utilities.
package mixkey

import (
	"crypto/sha512"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/yawning/bloom"

	"github.com/stillpost/stillpost/core/crypto/ecdh"
	"github.com/stillpost/stillpost/core/crypto/pem"
	"github.com/stillpost/stillpost/core/crypto/rand"
	"github.com/stillpost/stillpost/core/epochtime"
)

const (
	// TagLength is the replay tag length in bytes.
	TagLength = sha512.Size256

	keyFmt = "mixkey-%d.pem"
)

// MixKey is a Stillpost server mix key.
type MixKey struct {
	sync.Mutex

	keypair *ecdh.PrivateKey
	epoch   uint64

	f *bloom.Filter

	keyPath         string
	refCount        int32
	unlinkIfExpired bool
}

// SetUnlinkIfExpired controls whether the on disk keypair is removed when
// the key is closed after its epoch has passed.
func (k *MixKey) SetUnlinkIfExpired(b bool) {
	k.unlinkIfExpired = b
}

// PublicKey returns the public half of the keypair.
func (k *MixKey) PublicKey() *ecdh.PublicKey {
	return k.keypair.PublicKey()
}

// PrivateKey returns the private half of the keypair.
func (k *MixKey) PrivateKey() *ecdh.PrivateKey {
	return k.keypair
}

// Epoch returns the epoch the keypair belongs to.
func (k *MixKey) Epoch() uint64 {
	return k.epoch
}

// IsReplay tests and sets the given replay tag, returning true if the tag
// was already present.
func (k *MixKey) IsReplay(rawTag []byte) bool {
	// A tag of the wrong size cannot have come from Unwrap, count it as
	// a replay rather than feeding it to the filter.
	if len(rawTag) != TagLength {
		return true
	}
	var tag [TagLength]byte
	copy(tag[:], rawTag)

	k.Lock()
	defer k.Unlock()

	// A saturated filter's false replay rate climbs with every further
	// insert.  The filter size must be tuned for the maximum expected line
	// rate so this never happens.
	if k.f.Entries() >= k.f.MaxEntries() {
		panic("mixkey: replay filter saturated")
	}
	return k.f.TestAndSet(tag[:])
}

// Deref drops one reference, scrubbing and closing the key when the last
// reference goes away.
func (k *MixKey) Deref() {
	switch i := atomic.AddInt32(&k.refCount, -1); {
	case i == 0:
		k.forceClose()
	case i < 0:
		panic("mixkey: BUG: refcount went negative")
	}
}

// Ref adds a reference to the key.
func (k *MixKey) Ref() {
	if atomic.AddInt32(&k.refCount, 1) <= 1 {
		panic("mixkey: BUG: Ref on a released key")
	}
}

func (k *MixKey) forceClose() {
	if k.unlinkIfExpired {
		epoch, _, _ := epochtime.Now()
		if k.epoch < epoch-1 {
			os.Remove(k.keyPath)
		}
	}
	if k.keypair != nil {
		k.keypair.Reset()
		k.keypair = nil
	}
}

// New creates (or loads) a mix key in the provided data directory, for the
// given epoch.  The keypair is persisted as a PEM file so the public
// component stays stable across restarts; the replay filter is purely
// in-memory and starts empty on every load.
func New(dataDir string, epoch uint64) (*MixKey, error) {
	k := &MixKey{
		epoch:    epoch,
		keyPath:  filepath.Join(dataDir, fmt.Sprintf(keyFmt, epoch)),
		refCount: 1,
	}

	// A 29 bit filter at a 0.1% false positive rate holds roughly 37
	// million tags in 64 MiB.
	var err error
	k.f, err = bloom.New(rand.Reader, 29, 0.001)
	if err != nil {
		return nil, err
	}

	if _, err = os.Lstat(k.keyPath); err == nil {
		k.keypair = new(ecdh.PrivateKey)
		if err = pem.FromFile(k.keyPath, k.keypair); err != nil {
			return nil, err
		}
		return k, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if k.keypair, err = ecdh.NewKeypair(rand.Reader); err != nil {
		return nil, err
	}
	if err = pem.ToFile(k.keyPath, k.keypair); err != nil {
		k.keypair.Reset()
		return nil, err
	}
	return k, nil
}

// ecdh.go - X25519 key types.
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

// Package ecdh wraps X25519 in the key types used by the packet format
// and the mix key store.
package ecdh

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"

	"github.com/stillpost/stillpost/core/utils"
)

const (
	// GroupElementLength is the size of a DH group element in bytes.
	GroupElementLength = 32

	// PublicKeySize is the size of a serialized PublicKey in bytes.
	PublicKeySize = GroupElementLength

	// PrivateKeySize is the size of a serialized PrivateKey in bytes.
	PrivateKeySize = GroupElementLength
)

var errInvalidKey = errors.New("ecdh: invalid key")

func loadElement(dst *[GroupElementLength]byte, b []byte) error {
	if len(b) != GroupElementLength {
		return errInvalidKey
	}
	copy(dst[:], b)
	return nil
}

// PublicKey is an X25519 public key.
type PublicKey struct {
	bytes [GroupElementLength]byte
}

// Bytes returns the raw public key.
func (k *PublicKey) Bytes() []byte {
	return k.bytes[:]
}

// FromBytes loads the public key from its serialized form.
func (k *PublicKey) FromBytes(b []byte) error {
	return loadElement(&k.bytes, b)
}

// KeyType returns the PEM block type for the key.
func (k *PublicKey) KeyType() string {
	return "x25519 public key"
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (k *PublicKey) MarshalBinary() ([]byte, error) {
	return k.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (k *PublicKey) UnmarshalBinary(data []byte) error {
	return k.FromBytes(data)
}

// MarshalText implements encoding.TextMarshaler.
func (k *PublicKey) MarshalText() ([]byte, error) {
	return base64.StdEncoding.AppendEncode(nil, k.Bytes()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *PublicKey) UnmarshalText(data []byte) error {
	raw, err := base64.StdEncoding.AppendDecode(nil, data)
	if err != nil {
		return err
	}
	return k.FromBytes(raw)
}

// Reset scrubs the key from memory.
func (k *PublicKey) Reset() {
	utils.ExplicitBzero(k.bytes[:])
}

// Blind multiplies the key by the given blinding factor in place.
func (k *PublicKey) Blind(blindingFactor *[GroupElementLength]byte) {
	Exp(&k.bytes, &k.bytes, blindingFactor)
}

// String returns the key as uppercase hex.
func (k *PublicKey) String() string {
	return fmt.Sprintf("%X", k.bytes)
}

// PrivateKey is an X25519 private key and its derived public key.
type PrivateKey struct {
	pubKey PublicKey
	bytes  [GroupElementLength]byte
}

// Bytes returns the raw private key.
func (k *PrivateKey) Bytes() []byte {
	return k.bytes[:]
}

// FromBytes loads the private key from its serialized form and derives
// the matching public key.
func (k *PrivateKey) FromBytes(b []byte) error {
	if err := loadElement(&k.bytes, b); err != nil {
		return err
	}
	expBase(&k.pubKey.bytes, &k.bytes)
	return nil
}

// KeyType returns the PEM block type for the key.
func (k *PrivateKey) KeyType() string {
	return "x25519 private key"
}

// Exp computes the shared secret between the private key and publicKey.
func (k *PrivateKey) Exp(sharedSecret *[GroupElementLength]byte, publicKey *PublicKey) {
	Exp(sharedSecret, &publicKey.bytes, &k.bytes)
}

// Reset scrubs both halves of the keypair from memory.
func (k *PrivateKey) Reset() {
	k.pubKey.Reset()
	utils.ExplicitBzero(k.bytes[:])
}

// PublicKey returns the public half of the keypair.
func (k *PrivateKey) PublicKey() *PublicKey {
	return &k.pubKey
}

// NewKeypair samples a new keypair from the entropy source r.
func NewKeypair(r io.Reader) (*PrivateKey, error) {
	k := new(PrivateKey)
	if _, err := io.ReadFull(r, k.bytes[:]); err != nil {
		return nil, err
	}
	expBase(&k.pubKey.bytes, &k.bytes)
	return k, nil
}

// Exp sets dst to x^y over the group. A low order x yields an all zero
// dst, which is left to the caller's integrity checks to reject.
func Exp(dst, x, y *[GroupElementLength]byte) {
	curve25519.ScalarMult(dst, y, x)
}

func expBase(dst, y *[GroupElementLength]byte) {
	curve25519.ScalarBaseMult(dst, y)
}

// pem.go - PEM key file read/write barrier.
//
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

// Package pem reads and writes key material as PEM files.  All of the
// daemon's on disk key state goes through this package.
package pem

import (
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/stillpost/stillpost/core/utils"
)

// KeyMaterial is the interface implemented by serializable keys.
type KeyMaterial interface {
	FromBytes([]byte) error

	Bytes() []byte

	KeyType() string
}

// ToFile writes key to the file f as a PEM block.  Scrubbed keys are
// refused so a zeroized key can never reach the disk.
func ToFile(f string, key KeyMaterial) error {
	keyType := strings.ToUpper(key.KeyType())
	if utils.CtIsZero(key.Bytes()) {
		return fmt.Errorf("pem/%s: attempted to serialize scrubbed key", keyType)
	}
	buf := pem.EncodeToMemory(&pem.Block{
		Type:  keyType,
		Bytes: key.Bytes(),
	})

	out, err := os.OpenFile(f, os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		return err
	}
	_, err = out.Write(buf)
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}

// FromFile loads the PEM block in the file f into key, enforcing that the
// block type matches the key's type.
func FromFile(f string, key KeyMaterial) error {
	buf, err := os.ReadFile(f)
	if err != nil {
		return fmt.Errorf("pem: FromFile: %v", err)
	}
	return FromBytes(buf, f, key)
}

// FromBytes loads the PEM block in buf into key.  The name n is used for
// error reporting only.
func FromBytes(buf []byte, n string, key KeyMaterial) error {
	keyType := strings.ToUpper(key.KeyType())

	blk, _ := pem.Decode(buf)
	if blk == nil {
		return fmt.Errorf("pem: failed to decode PEM data %v", n)
	}
	if blk.Type != keyType {
		return fmt.Errorf("pem: wrong key type %v != %v", blk.Type, keyType)
	}
	return key.FromBytes(blk.Bytes)
}

// main.go - Stillpost keypair generation tool.
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

package main

import (
	"flag"
	"fmt"

	"github.com/stillpost/stillpost/core/crypto/ecdh"
	"github.com/stillpost/stillpost/core/crypto/pem"
	"github.com/stillpost/stillpost/core/crypto/rand"
	"github.com/stillpost/stillpost/core/utils"
)

const (
	writingKeypairFormat = "Writing keypair to %s and %s\n"
	errBothKeysExist     = "both keys already exist"
	errOneKeyExists      = "one of the keys already exists"
)

func checkKeyFilesExist(privout, pubout string) {
	fmt.Printf(writingKeypairFormat, pubout, privout)

	switch {
	case utils.BothExists(privout, pubout):
		panic(errBothKeysExist)
	case utils.BothNotExists(privout, pubout):
		return
	default:
		panic(errOneKeyExists)
	}
}

func main() {
	outName := flag.String("out", "identity", "output keypair name")
	flag.Parse()

	if *outName == "" {
		panic("out cannot be empty")
	}

	pubout := fmt.Sprintf("%s.public.pem", *outName)
	privout := fmt.Sprintf("%s.private.pem", *outName)

	checkKeyFilesExist(privout, pubout)

	privKey, err := ecdh.NewKeypair(rand.Reader)
	if err != nil {
		panic(err)
	}

	if err := pem.ToFile(privout, privKey); err != nil {
		panic(err)
	}
	if err := pem.ToFile(pubout, privKey.PublicKey()); err != nil {
		panic(err)
	}
}

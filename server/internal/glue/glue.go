// glue.go - Stillpost server internal glue.
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

// Package glue defines the interfaces through which the server's internal
// subpackages see each other, breaking what would otherwise be import cycles.
package glue

import (
	"github.com/stillpost/stillpost/core/crypto/ecdh"
	"github.com/stillpost/stillpost/core/log"
	"github.com/stillpost/stillpost/core/pki"
	"github.com/stillpost/stillpost/core/sphinx/geo"
	"github.com/stillpost/stillpost/server/config"
	"github.com/stillpost/stillpost/server/internal/mixkey"
	"github.com/stillpost/stillpost/server/internal/packet"
)

// Glue is the view each subsystem gets of the rest of the server.
type Glue interface {
	Config() *config.Config
	LogBackend() *log.Backend
	IdentityKey() *ecdh.PrivateKey
	NodeID() *[geo.NodeIDLength]byte

	MixKeys() MixKeys
	Topology() Topology
	Scheduler() Scheduler
	Connector() Connector
	Listeners() []Listener

	ReshadowCryptoWorkers()
}

// MixKeys is the interface to the per-epoch Sphinx key store.
type MixKeys interface {
	Halt()
	Generate(uint64) (bool, error)
	Prune() bool
	Get(uint64) (*ecdh.PublicKey, bool)
	Shadow(map[uint64]*mixkey.MixKey)
}

// Topology is the interface to the cached network topology.
type Topology interface {
	Halt()
	StartWorker()
	Set(*pki.Document) error
	Document() *pki.Document
	OutgoingDestinations() map[[geo.NodeIDLength]byte]*pki.MixDescriptor
	GetOutgoingByID(*[geo.NodeIDLength]byte) (*pki.MixDescriptor, bool, bool)
}

// Scheduler is the interface to the mix delay queue.
type Scheduler interface {
	Halt()
	OnNewMixMaxDelay(uint64)
	OnPacket(*packet.Packet)
}

// Connector is the interface to the outgoing connection manager.
type Connector interface {
	Halt()
	DispatchPacket(*packet.Packet)
	IsValidForwardDest(*[geo.NodeIDLength]byte) bool
	ForceUpdate()
}

// Listener is the interface to a single incoming listener.
type Listener interface {
	Halt()
}

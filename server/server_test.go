// server_test.go - Stillpost server tests.
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

package server

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stillpost/stillpost/core/crypto/ecdh"
	"github.com/stillpost/stillpost/core/crypto/pem"
	"github.com/stillpost/stillpost/core/crypto/rand"
	"github.com/stillpost/stillpost/core/epochtime"
	"github.com/stillpost/stillpost/core/pki"
	"github.com/stillpost/stillpost/core/sphinx/geo"
	"github.com/stillpost/stillpost/core/utils"
	"github.com/stillpost/stillpost/server/config"
)

func testServerConfig(t *testing.T) *config.Config {
	cfg := &config.Config{
		Server: &config.Server{
			Identifier: "testserver",
			Addresses:  []string{"tcp://127.0.0.1:0"},
			DataDir:    t.TempDir(),
		},
		Logging: &config.Logging{
			Disable: false,
			File:    "",
			Level:   "DEBUG",
		},
		Debug: &config.Debug{
			NumSphinxWorkers: 1,
			UnwrapDelay:      10,
		},
		SphinxGeometry: geo.GeometryFromForwardPayloadLength(512, 3),
	}
	require.NoError(t, cfg.FixupAndValidate())
	return cfg
}

func newTestDescriptor(t *testing.T, name string, identityKey *ecdh.PublicKey, layer uint8) *pki.MixDescriptor {
	mixKey, err := ecdh.NewKeypair(rand.Reader)
	require.NoError(t, err)
	epoch, _, _ := epochtime.Now()

	return &pki.MixDescriptor{
		Name:        name,
		IdentityKey: identityKey,
		MixKeys:     map[uint64]*ecdh.PublicKey{epoch: mixKey.PublicKey()},
		Addresses:   map[pki.Transport][]string{pki.TransportTCP: {"tcp://127.0.0.1:34567"}},
		Layer:       layer,
	}
}

func TestServerStartShutdown(t *testing.T) {
	require := require.New(t)

	cfg := testServerConfig(t)
	s, err := New(cfg)
	require.NoError(err)

	// The long term identity and the epoch mix keys are persisted under
	// the DataDir.
	require.True(utils.BothExists(
		filepath.Join(cfg.Server.DataDir, "identity.private.pem"),
		filepath.Join(cfg.Server.DataDir, "identity.public.pem"),
	))
	epoch, _, _ := epochtime.Now()
	require.True(utils.Exists(filepath.Join(cfg.Server.DataDir, fmt.Sprintf("mixkey-%d.pem", epoch))))

	c := s.PipelineCounters()
	require.Zero(c.Received)
	require.Zero(c.Forwarded)

	s.Shutdown()
	s.Shutdown() // Repeated shutdowns are a no-op.
	s.Wait()
}

func TestServerGenerateOnly(t *testing.T) {
	require := require.New(t)

	cfg := testServerConfig(t)
	cfg.Debug.GenerateOnly = true

	_, err := New(cfg)
	require.Equal(ErrGenerateOnly, err)

	privFile := filepath.Join(cfg.Server.DataDir, "identity.private.pem")
	pubFile := filepath.Join(cfg.Server.DataDir, "identity.public.pem")
	require.True(utils.BothExists(privFile, pubFile))

	priv := new(ecdh.PrivateKey)
	require.NoError(pem.FromFile(privFile, priv))

	// A second run loads the persisted identity instead of generating a
	// fresh one.
	_, err = New(cfg)
	require.Equal(ErrGenerateOnly, err)

	reloaded := new(ecdh.PrivateKey)
	require.NoError(pem.FromFile(privFile, reloaded))
	require.Equal(priv.Bytes(), reloaded.Bytes())
}

func TestServerSetTopology(t *testing.T) {
	require := require.New(t)

	cfg := testServerConfig(t)
	s, err := New(cfg)
	require.NoError(err)
	t.Cleanup(func() {
		s.Shutdown()
		s.Wait()
	})

	epoch, _, _ := epochtime.Now()
	peerKey, err := ecdh.NewKeypair(rand.Reader)
	require.NoError(err)

	selfDesc := newTestDescriptor(t, cfg.Server.Identifier, s.IdentityKey(), 0)
	if pub, ok := s.mixKeys.Get(epoch); ok {
		selfDesc.MixKeys[epoch] = pub
	}
	peerDesc := newTestDescriptor(t, "peer1", peerKey.PublicKey(), 1)

	doc := &pki.Document{
		Epoch:       epoch,
		MixMaxDelay: 30 * 1000,
		Topology:    [][]*pki.MixDescriptor{{selfDesc}, {peerDesc}},
	}
	require.NoError(s.SetTopology(doc))
	require.NotNil(s.topology.Document())

	// The peer becomes a valid forward destination once the connector
	// sweeps the new document.
	peerID := peerDesc.NodeID()
	require.Eventually(func() bool {
		return s.connector.IsValidForwardDest(&peerID)
	}, 10*time.Second, 10*time.Millisecond)

	// Stale documents are rejected.
	staleDoc := &pki.Document{
		Epoch:       epoch - 2,
		MixMaxDelay: 30 * 1000,
		Topology:    [][]*pki.MixDescriptor{{selfDesc}, {peerDesc}},
	}
	require.Error(s.SetTopology(staleDoc))

	// So are documents that do not list this node.
	foreignDoc := &pki.Document{
		Epoch:       epoch,
		MixMaxDelay: 30 * 1000,
		Topology:    [][]*pki.MixDescriptor{{peerDesc}},
	}
	require.Error(s.SetTopology(foreignDoc))
}

func TestServerBootstrapDocument(t *testing.T) {
	require := require.New(t)

	cfg := testServerConfig(t)

	// Pre-provision the identity so the bootstrap document can name it.
	idKey, err := ecdh.NewKeypair(rand.Reader)
	require.NoError(err)
	require.NoError(pem.ToFile(filepath.Join(cfg.Server.DataDir, "identity.private.pem"), idKey))
	require.NoError(pem.ToFile(filepath.Join(cfg.Server.DataDir, "identity.public.pem"), idKey.PublicKey()))

	peerKey, err := ecdh.NewKeypair(rand.Reader)
	require.NoError(err)
	selfDesc := newTestDescriptor(t, cfg.Server.Identifier, idKey.PublicKey(), 0)
	peerDesc := newTestDescriptor(t, "peer1", peerKey.PublicKey(), 1)

	epoch, _, _ := epochtime.Now()
	doc := &pki.Document{
		Epoch:       epoch,
		MixMaxDelay: 30 * 1000,
		Topology:    [][]*pki.MixDescriptor{{selfDesc}, {peerDesc}},
	}
	b, err := doc.Marshal()
	require.NoError(err)

	docFile := filepath.Join(cfg.Server.DataDir, "topology.cbor")
	require.NoError(os.WriteFile(docFile, b, 0600))
	cfg.PKI.DocumentFile = docFile

	s, err := New(cfg)
	require.NoError(err)
	t.Cleanup(func() {
		s.Shutdown()
		s.Wait()
	})

	require.NotNil(s.topology.Document())
	require.Equal(epoch, s.topology.Document().Epoch)

	peerID := peerDesc.NodeID()
	require.Eventually(func() bool {
		return s.connector.IsValidForwardDest(&peerID)
	}, 10*time.Second, 10*time.Millisecond)
}

func TestServerRotateLog(t *testing.T) {
	require := require.New(t)

	cfg := testServerConfig(t)
	cfg.Logging.File = "stillpost.log"

	s, err := New(cfg)
	require.NoError(err)
	t.Cleanup(func() {
		s.Shutdown()
		s.Wait()
	})

	logPath := filepath.Join(cfg.Server.DataDir, "stillpost.log")
	require.True(utils.Exists(logPath))

	// External log rotation moves the live file aside and pokes the
	// daemon to reopen it.
	require.NoError(os.Rename(logPath, logPath+".1"))
	s.RotateLog()
	require.True(utils.Exists(logPath))
}

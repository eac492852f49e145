// server.go - Stillpost server.
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

// Package server provides the stillpost mix relay daemon.
package server

import (
	"bytes"
	"crypto/sha512"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/eapache/channels.v1"
	"gopkg.in/op/go-logging.v1"

	"github.com/stillpost/stillpost/core/crypto/ecdh"
	"github.com/stillpost/stillpost/core/crypto/pem"
	"github.com/stillpost/stillpost/core/crypto/rand"
	"github.com/stillpost/stillpost/core/log"
	"github.com/stillpost/stillpost/core/pki"
	"github.com/stillpost/stillpost/core/sphinx/geo"
	"github.com/stillpost/stillpost/core/utils"
	"github.com/stillpost/stillpost/server/config"
	"github.com/stillpost/stillpost/server/internal/cryptoworker"
	"github.com/stillpost/stillpost/server/internal/glue"
	"github.com/stillpost/stillpost/server/internal/incoming"
	"github.com/stillpost/stillpost/server/internal/instrument"
	"github.com/stillpost/stillpost/server/internal/mixkeys"
	"github.com/stillpost/stillpost/server/internal/outgoing"
	"github.com/stillpost/stillpost/server/internal/profiling"
	"github.com/stillpost/stillpost/server/internal/scheduler"
	"github.com/stillpost/stillpost/server/internal/topology"
)

// ErrGenerateOnly is returned by New when the `GenerateOnly` debug option
// is set, after the long term keys have been written to the data directory.
var ErrGenerateOnly = errors.New("server: GenerateOnly set")

// Server is a running relay instance.
type Server struct {
	cfg *config.Config

	identityKey *ecdh.PrivateKey
	nodeID      [geo.NodeIDLength]byte

	logBackend *log.Backend
	log        *logging.Logger

	inboundPackets *channels.InfiniteChannel

	mixKeys       glue.MixKeys
	topology      glue.Topology
	scheduler     glue.Scheduler
	cryptoWorkers []*cryptoworker.Worker
	connector     glue.Connector
	listeners     []glue.Listener
	periodic      *periodicTimer

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

func (s *Server) initDataDir() error {
	const dirMode = os.ModeDir | 0700
	d := s.cfg.Server.DataDir

	// The directory is created on first run. If it already exists it must
	// be private to the daemon, keys and replay state live in it.
	fi, err := os.Lstat(d)
	switch {
	case os.IsNotExist(err):
		if err = os.Mkdir(d, dirMode); err != nil {
			return fmt.Errorf("server: failed to create DataDir: %v", err)
		}
	case err != nil:
		return fmt.Errorf("server: failed to stat() DataDir: %v", err)
	case !fi.IsDir():
		return fmt.Errorf("server: DataDir '%v' is not a directory", d)
	case fi.Mode() != dirMode:
		return fmt.Errorf("server: DataDir '%v' has invalid permissions '%v'", d, fi.Mode())
	}

	return nil
}

func (s *Server) initLogging() error {
	p := s.cfg.Logging.File
	if p != "" && !s.cfg.Logging.Disable && !filepath.IsAbs(p) {
		// Relative log files land in the data directory.
		p = filepath.Join(s.cfg.Server.DataDir, p)
	}

	var err error
	if s.logBackend, err = log.New(p, s.cfg.Logging.Level, s.cfg.Logging.Disable); err != nil {
		return err
	}
	s.log = s.logBackend.GetLogger("server")
	return nil
}

func (s *Server) initIdentity() error {
	privFile := filepath.Join(s.cfg.Server.DataDir, "identity.private.pem")
	pubFile := filepath.Join(s.cfg.Server.DataDir, "identity.public.pem")

	var err error
	switch {
	case utils.BothExists(privFile, pubFile):
		s.identityKey = new(ecdh.PrivateKey)
		if err = pem.FromFile(privFile, s.identityKey); err != nil {
			return err
		}
		pub := new(ecdh.PublicKey)
		if err = pem.FromFile(pubFile, pub); err != nil {
			return err
		}
		if !bytes.Equal(pub.Bytes(), s.identityKey.PublicKey().Bytes()) {
			return fmt.Errorf("server: identity public key PEM does not match the private key")
		}
	case utils.BothNotExists(privFile, pubFile):
		if s.identityKey, err = ecdh.NewKeypair(rand.Reader); err != nil {
			return err
		}
		if err = pem.ToFile(privFile, s.identityKey); err != nil {
			return err
		}
		if err = pem.ToFile(pubFile, s.identityKey.PublicKey()); err != nil {
			return err
		}
	default:
		// One file without the other means a broken or tampered data
		// directory, refuse to guess which half to trust.
		return fmt.Errorf("server: %s and %s must either both exist or both not exist", privFile, pubFile)
	}

	s.nodeID = sha512.Sum512_256(s.identityKey.PublicKey().Bytes())
	return nil
}

func (s *Server) installBootstrapDocument(f string) error {
	b, err := os.ReadFile(f)
	if err != nil {
		return err
	}
	doc, err := pki.ParseDocument(b)
	if err != nil {
		return err
	}
	return s.topology.Set(doc)
}

func (s *Server) reshadowCryptoWorkers() {
	s.log.Debugf("Propagating fresh mix key shadows to the crypto workers.")
	for _, w := range s.cryptoWorkers {
		w.UpdateMixKeys()
	}
}

// IdentityKey returns the public half of the relay's identity key.
func (s *Server) IdentityKey() *ecdh.PublicKey {
	return s.identityKey.PublicKey()
}

// SetTopology validates and installs a new topology document, replacing
// any previously installed document for the same epoch.  It may be called
// from any goroutine for as long as the server is running.
func (s *Server) SetTopology(doc *pki.Document) error {
	return s.topology.Set(doc)
}

// PipelineCounters returns a snapshot of the aggregate packet pipeline
// counters.
func (s *Server) PipelineCounters() instrument.Counters {
	return instrument.Snapshot()
}

// RotateLog closes and reopens the log file, if logging to a file is
// enabled.
func (s *Server) RotateLog() {
	if err := s.logBackend.Rotate(); err != nil {
		s.fatalErrCh <- fmt.Errorf("server: failed to rotate log file: %v", err)
		return
	}
	s.log.Noticef("Log rotated.")
}

// Shutdown gracefully stops the server.  Calling it more than once is
// harmless.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

// Wait blocks until the server has terminated, for whatever reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

func (s *Server) halt() {
	// Teardown runs in roughly the reverse of startup order. Each step
	// assumes the ones before it have already completed.

	s.log.Noticef("Starting graceful shutdown.")

	// The housekeeping timer goes first, nothing depends on it.
	if s.periodic != nil {
		s.periodic.halt()
		s.periodic = nil
	}

	// Cut off inbound traffic. Halting a listener also closes every
	// connection it accepted.
	for i, l := range s.listeners {
		if l != nil {
			l.Halt()
			s.listeners[i] = nil
		}
	}

	// Tear down the outgoing connections. The reference stays set until
	// the topology store is gone, its worker calls into the connector.
	if s.connector != nil {
		s.connector.Halt()
	}

	// Stop the Sphinx unwrap workers.
	for i, w := range s.cryptoWorkers {
		if w != nil {
			w.Halt()
			s.cryptoWorkers[i] = nil
		}
	}

	// Stop the mix delay queue.
	if s.scheduler != nil {
		s.scheduler.Halt()
		s.scheduler = nil
	}

	// Stop the topology store, and drop the connector it was driving.
	if s.topology != nil {
		s.topology.Halt()
		s.topology = nil
		s.connector = nil
	}

	// Release the mix keys, removing expired keypairs from disk.
	if s.mixKeys != nil {
		s.mixKeys.Halt()
		s.mixKeys = nil
	}

	// Whatever is left at the top level.
	if s.inboundPackets != nil {
		s.inboundPackets.Close()
	}
	if s.identityKey != nil {
		s.identityKey.Reset()
	}
	close(s.fatalErrCh)

	s.log.Noticef("Shutdown complete.")
	close(s.haltedCh)
}

// New constructs a relay from the provided configuration, loading or
// generating its long term identity, and brings every subsystem online.
func New(cfg *config.Config) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		fatalErrCh: make(chan error, 1),
		haltedCh:   make(chan interface{}),
	}
	g := &serverGlue{s}

	// The data directory and logging come up before anything that wants
	// to log.
	if err := s.initDataDir(); err != nil {
		return nil, err
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}

	if s.cfg.Logging.Level == "DEBUG" {
		s.log.Warning("Unsafe Debug logging is enabled.")
	}
	s.log.Noticef("Server identifier is: '%v'", s.cfg.Server.Identifier)
	s.log.Noticef("Sphinx geometry:\n%s", s.cfg.SphinxGeometry.Display())

	// Continuous profiling, enabled through the environment.
	if err := profiling.Start(s.log); err != nil {
		return nil, err
	}

	// Load or generate the identity keypair.
	var err error
	if err = s.initIdentity(); err != nil {
		s.log.Errorf("Failed to initialize identity: %v", err)
		return nil, err
	}
	s.log.Noticef("Server identity public key is: %v", s.identityKey.PublicKey())
	s.log.Noticef("Server node ID is: %x", s.nodeID[:])

	if s.cfg.Debug.GenerateOnly {
		return nil, ErrGenerateOnly
	}

	// Load or generate the epoch mix keys.
	if s.mixKeys, err = mixkeys.NewMixKeys(g); err != nil {
		s.log.Errorf("Failed to initialize mix keys: %v", err)
		return nil, err
	}

	// From here on a failed bringup has open files and running workers to
	// dispose of, route all early returns through Shutdown.
	isOk := false
	defer func() {
		if !isOk {
			s.Shutdown()
		}
	}()

	// Watch for a subsystem reporting a fatal error.
	go func() {
		err, ok := <-s.fatalErrCh
		if !ok {
			// Closed on graceful termination.
			return
		}
		s.log.Warningf("Shutting down due to error: %v", err)
		s.Shutdown()
	}()

	// Bring up the topology store.
	if s.topology, err = topology.New(g); err != nil {
		s.log.Errorf("Failed to initialize topology store: %v", err)
		return nil, err
	}

	// Bring up the mix delay queue.
	if s.scheduler, err = scheduler.New(g); err != nil {
		s.log.Errorf("Failed to initialize scheduler: %v", err)
		return nil, err
	}

	// Spin up the Sphinx unwrap workers, all feeding off the shared
	// inbound channel.
	s.inboundPackets = channels.NewInfiniteChannel()
	s.cryptoWorkers = make([]*cryptoworker.Worker, 0, s.cfg.Debug.NumSphinxWorkers)
	for i := 0; i < s.cfg.Debug.NumSphinxWorkers; i++ {
		w := cryptoworker.New(g, s.inboundPackets.Out(), i)
		s.cryptoWorkers = append(s.cryptoWorkers, w)
	}

	// Bring up the connection manager, install the bootstrap topology
	// document if one is configured, then start the topology worker.
	s.connector = outgoing.New(g)
	if s.cfg.PKI.DocumentFile != "" {
		if err = s.installBootstrapDocument(s.cfg.PKI.DocumentFile); err != nil {
			s.log.Errorf("Failed to install bootstrap topology document: %v", err)
			return nil, err
		}
	}
	s.topology.StartWorker()

	// Bring the listener(s) online. BindAddresses, when present, names
	// the local sockets while Addresses stays the advertised set.
	bindAddrs := s.cfg.Server.Addresses
	if len(s.cfg.Server.BindAddresses) > 0 {
		bindAddrs = s.cfg.Server.BindAddresses
	}
	s.listeners = make([]glue.Listener, 0, len(bindAddrs))
	for i, addr := range bindAddrs {
		l, err := incoming.New(g, s.inboundPackets.In(), i, addr)
		if err != nil {
			s.log.Errorf("Failed to spawn listener on address: %v (%v).", addr, err)
			return nil, err
		}
		s.listeners = append(s.listeners, l)
	}

	// Start the 1 Hz housekeeping timer.
	s.periodic = newPeriodicTimer(s)

	// Register the metrics collectors, and bring the scrape endpoint
	// online if one is configured.
	instrument.Init(s.cfg.Server.MetricsAddress)

	isOk = true
	return s, nil
}

// serverGlue exposes the narrow per-component views of the Server to the
// internal packages.
type serverGlue struct {
	s *Server
}

func (g *serverGlue) Config() *config.Config {
	return g.s.cfg
}

func (g *serverGlue) LogBackend() *log.Backend {
	return g.s.logBackend
}

func (g *serverGlue) IdentityKey() *ecdh.PrivateKey {
	return g.s.identityKey
}

func (g *serverGlue) NodeID() *[geo.NodeIDLength]byte {
	return &g.s.nodeID
}

func (g *serverGlue) MixKeys() glue.MixKeys {
	return g.s.mixKeys
}

func (g *serverGlue) Topology() glue.Topology {
	return g.s.topology
}

func (g *serverGlue) Scheduler() glue.Scheduler {
	return g.s.scheduler
}

func (g *serverGlue) Connector() glue.Connector {
	return g.s.connector
}

func (g *serverGlue) Listeners() []glue.Listener {
	return g.s.listeners
}

func (g *serverGlue) ReshadowCryptoWorkers() {
	g.s.reshadowCryptoWorkers()
}

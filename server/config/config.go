// config.go - Stillpost server configuration.
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

// Package config provides the stillpost server configuration.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/net/idna"

	"github.com/stillpost/stillpost/core/pki"
	"github.com/stillpost/stillpost/core/sphinx/geo"
	"github.com/stillpost/stillpost/core/utils"
)

const (
	defaultAddress  = ":3219"
	defaultLogLevel = "NOTICE"

	// Timing knobs, all in milliseconds.
	defaultUnwrapDelay     = 250
	defaultSchedulerSlack  = 150
	defaultSendSlack       = 50
	defaultConnectTimeout  = 60 * 1000
	defaultIdleConnTimeout = 10 * 60 * 1000

	defaultSchedulerMaxBurst = 16
	defaultMaxOutgoingDials  = 64
)

var logLevels = map[string]bool{
	"ERROR":   true,
	"WARNING": true,
	"NOTICE":  true,
	"INFO":    true,
	"DEBUG":   true,
}

// Server is the stillpost server configuration.
type Server struct {
	// Identifier names this node in the topology, typically its FQDN.
	Identifier string

	// Addresses are the transport URLs advertised to peers, and double
	// as the listen addresses unless BindAddresses overrides that.
	// Every entry needs a scheme from the supported transport set and
	// an explicit port.
	Addresses []string

	// BindAddresses are transport URLs to listen on without advertising
	// them, for hosts whose public address is not a local one.
	BindAddresses []string

	// MetricsAddress is the host:port the prometheus exporter binds to.
	// Empty leaves metrics disabled.
	MetricsAddress string

	// DataDir is the absolute path holding keys and runtime state.
	DataDir string
}

// validateTransportURL checks that v names a usable listen or advertise
// endpoint.
func validateTransportURL(v string, schemes map[string]bool) error {
	u, err := url.Parse(v)
	if err != nil {
		return fmt.Errorf("config: Server: Address '%v' is invalid: %v", v, err)
	}
	if !schemes[strings.ToLower(u.Scheme)] {
		return fmt.Errorf("config: Server: Address '%v' has an invalid scheme '%v'", v, u.Scheme)
	}
	if u.Port() == "" {
		return fmt.Errorf("config: Server: Address '%v' is invalid: Must contain Port", v)
	}
	return nil
}

func (sCfg *Server) validate() error {
	if sCfg.Identifier == "" {
		return errors.New("config: Server: Identifier is not set")
	}

	if sCfg.Addresses == nil {
		// Fall back to a guessed external IPv4 address.  Loopback
		// testing needs an explicitly configured address.
		addr, err := utils.GetExternalIPv4Address()
		if err != nil {
			return err
		}
		sCfg.Addresses = []string{"tcp://" + addr.String() + defaultAddress}
	}

	schemes := make(map[string]bool)
	for _, t := range pki.InternalTransports {
		schemes[strings.ToLower(string(t))] = true
	}
	for _, v := range append(sCfg.Addresses, sCfg.BindAddresses...) {
		if err := validateTransportURL(v, schemes); err != nil {
			return err
		}
	}

	if sCfg.MetricsAddress != "" {
		if _, err := netip.ParseAddrPort(sCfg.MetricsAddress); err != nil {
			return fmt.Errorf("config: Server: MetricsAddress '%v' is invalid: %v", sCfg.MetricsAddress, err)
		}
	}
	if !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Server: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	return nil
}

// Debug is the stillpost server debug configuration.
type Debug struct {
	// NumSphinxWorkers is the number of concurrent Sphinx unwrap
	// workers.  Defaults to the CPU count.
	NumSphinxWorkers int

	// SchedulerExternalMemoryQueue moves the scheduler queue out of
	// memory onto disk.
	SchedulerExternalMemoryQueue bool

	// SchedulerQueueSize bounds the in memory scheduler queue.  Once
	// full, new arrivals are refused.  Values <= 0 leave the queue
	// unbounded.
	SchedulerQueueSize int

	// SchedulerRandomEviction changes the full queue behavior to evict
	// a uniformly random entry instead of refusing the new arrival.
	SchedulerRandomEviction bool

	// SchedulerMaxBurst caps how many packets a single scheduler
	// wakeup may dispatch.
	SchedulerMaxBurst int

	// UnwrapDelay bounds how long a packet may sit in the inbound
	// queue before the crypto workers shed it, in milliseconds.
	UnwrapDelay int

	// SchedulerSlack bounds how far past its release time a queued
	// packet may still be dispatched, in milliseconds.
	SchedulerSlack int

	// SendSlack bounds how long a dispatched packet may wait in an
	// outgoing connection queue, in milliseconds.
	SendSlack int

	// ConnectTimeout bounds outgoing connection establishment, in
	// milliseconds.
	ConnectTimeout int

	// IdleConnTimeout tears down outgoing connections that have moved
	// no traffic for this long, in milliseconds.
	IdleConnTimeout int

	// MaxOutgoingDials caps in-flight outgoing dial attempts across
	// all peers.
	MaxOutgoingDials int

	// GenerateOnly exits right after the long term keys have been
	// generated or loaded.
	GenerateOnly bool
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.NumSphinxWorkers <= 0 {
		dCfg.NumSphinxWorkers = runtime.NumCPU()
	}

	for _, d := range []struct {
		field *int
		def   int
	}{
		{&dCfg.UnwrapDelay, defaultUnwrapDelay},
		{&dCfg.SchedulerMaxBurst, defaultSchedulerMaxBurst},
		{&dCfg.ConnectTimeout, defaultConnectTimeout},
		{&dCfg.IdleConnTimeout, defaultIdleConnTimeout},
		{&dCfg.MaxOutgoingDials, defaultMaxOutgoingDials},
	} {
		if *d.field <= 0 {
			*d.field = d.def
		}
	}

	// The slack values have a floor rather than a default, settings
	// below it destabilize the pipeline.
	if dCfg.SchedulerSlack < defaultSchedulerSlack {
		dCfg.SchedulerSlack = defaultSchedulerSlack
	}
	if dCfg.SendSlack < defaultSendSlack {
		dCfg.SendSlack = defaultSendSlack
	}
}

// Logging is the stillpost server logging configuration.
type Logging struct {
	// Disable turns logging off entirely.
	Disable bool

	// File is the log destination.  Empty means stdout.
	File string

	// Level is one of ERROR, WARNING, NOTICE, INFO or DEBUG.
	Level string
}

func (lCfg *Logging) validate() error {
	switch lvl := strings.ToUpper(lCfg.Level); {
	case lvl == "":
		lCfg.Level = defaultLogLevel
	case logLevels[lvl]:
		lCfg.Level = lvl
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	return nil
}

// PKI is the topology bootstrap configuration.
type PKI struct {
	// DocumentFile points to a CBOR topology document that is installed
	// at startup.  Relative paths resolve under the DataDir.  Without
	// one the node idles until a document is installed at runtime.
	DocumentFile string
}

func (pCfg *PKI) applyDefaults(sCfg *Server) {
	if pCfg.DocumentFile != "" && !filepath.IsAbs(pCfg.DocumentFile) {
		pCfg.DocumentFile = filepath.Join(sCfg.DataDir, pCfg.DocumentFile)
	}
}

// Config is the top level stillpost server configuration.
type Config struct {
	Server         *Server
	Logging        *Logging
	PKI            *PKI
	SphinxGeometry *geo.Geometry

	Debug *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load
// variants instead.
func (cfg *Config) FixupAndValidate() error {
	// The SphinxGeometry and Server blocks are mandatory.
	if cfg.SphinxGeometry == nil {
		return errors.New("config: No SphinxGeometry block was present")
	}
	if err := cfg.SphinxGeometry.Validate(); err != nil {
		return fmt.Errorf("config: SphinxGeometry is invalid: %v", err)
	}
	if cfg.Server == nil {
		return errors.New("config: No Server block was present")
	}

	// Omitted optional blocks materialize as empty sections.
	if cfg.Logging == nil {
		cfg.Logging = &Logging{Level: defaultLogLevel}
	}
	if cfg.PKI == nil {
		cfg.PKI = &PKI{}
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}

	if err := cfg.Server.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	cfg.PKI.applyDefaults(cfg.Server)
	cfg.Debug.applyDefaults()

	// The identifier travels in the topology in DNS compatible form.
	id, err := idna.Lookup.ToASCII(cfg.Server.Identifier)
	if err != nil {
		return fmt.Errorf("config: Failed to normalize Identifier: %v", err)
	}
	cfg.Server.Identifier = id

	return nil
}

// Load parses and validates the provided buffer b as a config file body
// and returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("No nil buffer as config file")
	}

	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}

// Store writes the Config to the provided path as a config file body.
func (cfg *Config) Store(f string) error {
	out, err := os.Create(f)
	if err != nil {
		return err
	}
	defer out.Close()
	return toml.NewEncoder(out).Encode(cfg)
}

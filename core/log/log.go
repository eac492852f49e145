// log.go - Logging backend.
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

// Package log provides the shared logging backend, built around the
// go-logging package.  Every component gets a module tagged logger from
// the one Backend owned by the daemon.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"gopkg.in/op/go-logging.v1"
)

// logFormat is applied to every sink the backend opens.
var logFormat = logging.MustStringFormatter("%{time:15:04:05.000} %{level:.4s} %{module}: %{message}")

var logLevels = map[string]logging.Level{
	"ERROR":   logging.ERROR,
	"WARNING": logging.WARNING,
	"NOTICE":  logging.NOTICE,
	"INFO":    logging.INFO,
	"DEBUG":   logging.DEBUG,
}

func parseLevel(l string) (logging.Level, error) {
	if lvl, ok := logLevels[strings.ToUpper(l)]; ok {
		return lvl, nil
	}
	return logging.CRITICAL, fmt.Errorf("log: invalid level: '%v'", l)
}

// nopWriteCloser is the sink used when logging is disabled.
type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// Backend fans per-module loggers out to a single shared sink, and owns
// the sink across rotations.
type Backend struct {
	mtx sync.RWMutex

	leveled logging.LeveledBackend
	sink    io.WriteCloser

	file    string
	level   logging.Level
	disable bool
}

// Log implements the logging.Backend interface.
func (b *Backend) Log(level logging.Level, calldepth int, record *logging.Record) error {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	return b.leveled.Log(level, calldepth, record)
}

// GetLevel implements the logging.Leveled interface.
func (b *Backend) GetLevel(module string) logging.Level {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	return b.leveled.GetLevel(module)
}

// SetLevel implements the logging.Leveled interface.
func (b *Backend) SetLevel(level logging.Level, module string) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	b.leveled.SetLevel(level, module)
}

// IsEnabledFor implements the logging.Leveled interface.
func (b *Backend) IsEnabledFor(level logging.Level, module string) bool {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	return b.leveled.IsEnabledFor(level, module)
}

// GetLogger returns a per-module logger that writes to the backend.
func (b *Backend) GetLogger(module string) *logging.Logger {
	logger := logging.MustGetLogger(module)
	logger.SetBackend(b)
	return logger
}

// Rotate reopens the log file for writing, so an external tool can move
// the old one aside on SIGHUP.  Rotating a backend that has no log file
// does nothing.
func (b *Backend) Rotate() error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.disable || b.file == "" {
		return nil
	}
	if err := b.sink.Close(); err != nil {
		return err
	}
	return b.reopen()
}

// reopen builds the sink and the go-logging chain in front of it.  The
// caller must hold the write lock or own b exclusively.
func (b *Backend) reopen() error {
	switch {
	case b.disable:
		b.sink = nopWriteCloser{io.Discard}
	case b.file == "":
		b.sink = os.Stdout
	default:
		f, err := os.OpenFile(b.file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("log: failed to create log file: %v", err)
		}
		b.sink = f
	}

	leveled := logging.AddModuleLevel(logging.NewBackendFormatter(logging.NewLogBackend(b.sink, "", 0), logFormat))
	leveled.SetLevel(b.level, "")
	b.leveled = leveled
	return nil
}

// New initializes a logging backend writing to the file f ("" for
// stdout) at the given level.  If disable is set all output is
// discarded.
func New(f string, level string, disable bool) (*Backend, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	b := &Backend{
		file:    f,
		level:   lvl,
		disable: disable,
	}
	if err = b.reopen(); err != nil {
		return nil, err
	}
	return b, nil
}

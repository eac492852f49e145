// main.go - Stillpost server binary.
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
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/stillpost/stillpost/core/compat"
	"github.com/stillpost/stillpost/server"
	"github.com/stillpost/stillpost/server/config"
)

func newRootCommand() *cobra.Command {
	var (
		configFile string
		genOnly    bool
	)

	cmd := &cobra.Command{
		Use:   "stillpost",
		Short: "Stillpost mix network relay",
		Long: `The stillpost daemon is a single relay in a layered mix network.  It
accepts Sphinx packets from the previous layer, unwraps one layer of
encryption, holds each packet for the delay encoded in its routing
commands, and forwards it to the next hop named by the packet.

The relay learns the network layout from a signed topology document and
redials its outgoing connections as the topology changes.  Mix keys are
rotated every epoch and replayed packets are detected and dropped for
the lifetime of each key.

The daemon is designed to run as a long-lived process and requires a
TOML configuration describing its identity, listen addresses, data
directory, and the Sphinx geometry shared by the network.`,
		Example: `  # Start the relay with the default configuration file
  stillpost

  # Start the relay with a custom configuration file
  stillpost --config /etc/stillpost/stillpost.toml

  # Start the relay with a specific config file (short form)
  stillpost -f /path/to/custom-config.toml

  # Generate cryptographic keys only and exit (useful for setup)
  stillpost --generate-only

  # Generate keys with a custom config and exit
  stillpost -f /etc/stillpost/stillpost.toml --generate-only`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(configFile, genOnly)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "f", "stillpost.toml",
		"path to the relay configuration file (TOML format)")
	cmd.Flags().BoolVarP(&genOnly, "generate-only", "g", false,
		"generate cryptographic keys and exit without starting the relay")

	return cmd
}

func main() {
	if err := fang.Execute(
		context.Background(),
		newRootCommand(),
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}

func runRelay(configFile string, genOnly bool) error {
	// Keys and state files must never be group or world readable.
	compat.Umask(0077)

	// Give the runtime every CPU unless GOMAXPROCS was set explicitly.
	if os.Getenv("GOMAXPROCS") == "" {
		if n := runtime.NumCPU(); runtime.GOMAXPROCS(0) < n {
			runtime.GOMAXPROCS(n)
		}
	}

	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", configFile, err)
	}
	if genOnly {
		cfg.Debug.GenerateOnly = true
	}

	// Register the handlers before startup so a signal arriving while
	// keys are being generated is deferred rather than fatal.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	svr, err := server.New(cfg)
	if err != nil {
		if err == server.ErrGenerateOnly {
			return nil
		}
		return fmt.Errorf("failed to spawn server instance: %v", err)
	}
	defer svr.Shutdown()

	// SIGINT and SIGTERM trigger a graceful shutdown, SIGHUP reopens
	// the log file.
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				svr.RotateLog()
				continue
			}
			svr.Shutdown()
			return
		}
	}()

	svr.Wait()
	return nil
}

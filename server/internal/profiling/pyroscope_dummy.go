//go:build !pyroscope
// +build !pyroscope

// Package profiling hooks the daemon up to a continuous profiler.
package profiling

import "gopkg.in/op/go-logging.v1"

// Start is a no-op in builds without the pyroscope tag.
func Start(log *logging.Logger) error {
	log.Debugf("Profiling support is not compiled in.")
	return nil
}

//go:build pyroscope
// +build pyroscope

// Package profiling hooks the daemon up to a continuous profiler.
package profiling

import (
	"fmt"
	"os"

	"github.com/grafana/pyroscope-go"
	"gopkg.in/op/go-logging.v1"
)

func requireEnv(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("profiling: %s is not set", name)
	}
	return v, nil
}

// Start begins streaming profiles to the Pyroscope server named by the
// PYROSCOPE_SERVER_ADDRESS environment variable, tagged with
// PYROSCOPE_APP_NAME and PYROSCOPE_SERVICE_TAG.  Builds carrying the
// pyroscope tag require all three to be set.
func Start(log *logging.Logger) error {
	serverAddress, err := requireEnv("PYROSCOPE_SERVER_ADDRESS")
	if err != nil {
		return err
	}
	appName, err := requireEnv("PYROSCOPE_APP_NAME")
	if err != nil {
		return err
	}
	serviceTag, err := requireEnv("PYROSCOPE_SERVICE_TAG")
	if err != nil {
		return err
	}

	_, err = pyroscope.Start(pyroscope.Config{
		ApplicationName: appName,
		ServerAddress:   serverAddress,
		Logger:          pyroscope.StandardLogger,
		Tags: map[string]string{
			"service": serviceTag,
		},
	})
	if err != nil {
		return err
	}
	log.Noticef("Profiling to %s as '%s' (service tag '%s').", serverAddress, appName, serviceTag)
	return nil
}

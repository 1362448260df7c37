package executor

import (
	"errors"
	"time"
)

// Config bounds every step of an execution.
type Config struct {
	// RegistryTimeout bounds each registry call.
	RegistryTimeout time.Duration

	// FetchTimeout bounds the retrieval of one envelope.
	FetchTimeout time.Duration

	// CustodianTimeout bounds each custodian round trip.
	CustodianTimeout time.Duration

	// LaunchTimeout bounds the instance, from launch to result. It should
	// exceed the sandbox timeout by the time attestation and key release take.
	LaunchTimeout time.Duration

	// WorkRoot holds the per-request envelope directories. Empty means the
	// system temporary directory.
	WorkRoot string
}

func DefaultConfig() Config {
	return Config{
		RegistryTimeout:  10 * time.Second,
		FetchTimeout:     30 * time.Second,
		CustodianTimeout: 10 * time.Second,
		LaunchTimeout:    90 * time.Second,
	}
}

func (c Config) Validate() error {
	switch {
	case c.RegistryTimeout <= 0:
		return errors.New("registry timeout must be positive")
	case c.FetchTimeout <= 0:
		return errors.New("fetch timeout must be positive")
	case c.CustodianTimeout <= 0:
		return errors.New("custodian timeout must be positive")
	case c.LaunchTimeout <= 0:
		return errors.New("launch timeout must be positive")
	}
	return nil
}

package sandbox

import (
	"errors"
	"fmt"
	"time"
)

// Interpreter selects how the application program is run.
type Interpreter string

const (
	// PythonInterpreter runs the program with dataset and params bound as
	// globals.
	PythonInterpreter Interpreter = "python"

	// ShellInterpreter runs the program with /bin/sh; inputs are read through
	// DATASET_PATH and PARAMS_PATH.
	ShellInterpreter Interpreter = "shell"
)

// IsolationMode is the isolation wrapper placed around the interpreter.
type IsolationMode string

const (
	IsolationAuto IsolationMode = "auto"

	// IsolationBwrap runs under bubblewrap with all namespaces unshared.
	IsolationBwrap IsolationMode = "bwrap"

	// IsolationUnshare runs under unshare(1) in a fresh network namespace.
	IsolationUnshare IsolationMode = "unshare"

	// IsolationNone relies on the process group, cleared environment and
	// resource limits only. The program has network access.
	IsolationNone IsolationMode = "none"
)

// Limits are applied to the interpreter process. Zero leaves a limit unset.
type Limits struct {
	AddressSpaceBytes uint64
	OpenFiles         uint64
	CPUSeconds        uint64
	FileSizeBytes     uint64
}

// Config configures a Runner.
type Config struct {
	// WorkRoot is where per-run working directories are created. Empty means
	// the system temporary directory.
	WorkRoot string

	// Timeout is the wall-clock budget of one run.
	Timeout time.Duration

	// MaxOutputBytes bounds the captured output.
	MaxOutputBytes int

	Interpreter Interpreter

	// PythonPath is the python executable used by PythonInterpreter.
	PythonPath string

	Isolation IsolationMode

	// RequireIsolation refuses to run when no network isolation is available.
	RequireIsolation bool

	Limits Limits
}

// DefaultConfig returns a configuration suitable for short analytical jobs.
func DefaultConfig() Config {
	return Config{
		Timeout:        60 * time.Second,
		MaxOutputBytes: 1 << 20,
		Interpreter:    PythonInterpreter,
		PythonPath:     "python3",
		Isolation:      IsolationAuto,
		Limits: Limits{
			AddressSpaceBytes: 4 << 30,
			OpenFiles:         256,
			FileSizeBytes:     256 << 20,
		},
	}
}

func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return errors.New("sandbox timeout must be positive")
	}
	if c.MaxOutputBytes <= 0 {
		return errors.New("sandbox output limit must be positive")
	}
	switch c.Interpreter {
	case PythonInterpreter:
		if c.PythonPath == "" {
			return errors.New("python interpreter path is required")
		}
	case ShellInterpreter:
	default:
		return fmt.Errorf("unknown interpreter %q", c.Interpreter)
	}
	switch c.Isolation {
	case IsolationAuto, IsolationBwrap, IsolationUnshare, IsolationNone:
	default:
		return fmt.Errorf("unknown isolation mode %q", c.Isolation)
	}
	if c.RequireIsolation && c.Isolation == IsolationNone {
		return errors.New("isolation is required but disabled")
	}
	return nil
}

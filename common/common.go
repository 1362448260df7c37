// Package common holds process-wide helpers shared by all binaries: build
// version information and structured logger construction.
package common

import (
	"io"
	"log/slog"
	"os"
)

// PackageName is used as the metrics and log namespace.
const PackageName = "confidential-executor"

// Version is overridden at build time with -ldflags "-X ...common.Version=...".
var Version = "dev"

// LoggingOpts configures SetupLogger.
type LoggingOpts struct {
	Debug   bool
	JSON    bool
	Service string
	Version string

	// Output defaults to stdout. The enclave binary logs to stderr since its
	// stdout carries the execution result.
	Output io.Writer
}

// SetupLogger returns a slog logger writing to opts.Output, in JSON or text form,
// tagged with the service name and version.
func SetupLogger(opts *LoggingOpts) *slog.Logger {
	logLevel := slog.LevelInfo
	if opts.Debug {
		logLevel = slog.LevelDebug
	}

	handlerOpts := &slog.HandlerOptions{Level: logLevel}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	logger := slog.New(handler)
	if opts.Service != "" {
		logger = logger.With("service", opts.Service)
	}
	if opts.Version != "" {
		logger = logger.With("version", opts.Version)
	}
	return logger
}

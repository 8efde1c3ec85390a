// Package common holds shared service plumbing: logger setup and version.
package common

import (
	"log/slog"
	"os"

	"github.com/google/uuid"
)

// PackageName identifies this service in logs and metrics.
const PackageName = "record-access-backend"

// Version is set at build time via -ldflags.
var Version = "dev"

// LoggingOpts configures the process-wide structured logger.
type LoggingOpts struct {
	// Debug enables debug-level messages.
	Debug bool

	// JSON switches the handler to JSON output.
	JSON bool

	// Service is added as a "service" attribute to every message.
	Service string

	// Version is added as a "version" attribute to every message.
	Version string

	// UID, when true, attaches a per-process UUID to every message so logs
	// from concurrent instances can be told apart.
	UID bool
}

// SetupLogger creates the process logger according to opts.
func SetupLogger(opts *LoggingOpts) *slog.Logger {
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}

	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(os.Stdout, handlerOpts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, handlerOpts)
	}

	log := slog.New(handler)
	if opts.Service != "" {
		log = log.With("service", opts.Service)
	}
	if opts.Version != "" {
		log = log.With("version", opts.Version)
	}
	if opts.UID {
		log = log.With("uid", uuid.New().String())
	}
	return log
}

// Package logging provides a minimal logging interface and adapters used
// throughout the router and dispatcher.
//
// The Logger interface defines the standard logging methods (Debug, Info,
// Warn, Error) used for observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - RelayLogger, a richer logger with contextual With* chaining and
//     domain helpers for timing invocations and dispatcher steps
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	d := dispatcher.New(store, cfg, bus, convMgr, inv, func(o *dispatcher.Options) {
//		o.Logger = logger
//	})
//
// The design intentionally keeps the interface minimal to avoid vendor
// lock-in while supporting structured logging where available.
package logging

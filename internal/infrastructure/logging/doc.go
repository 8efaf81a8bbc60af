// Package logging provides structured logging for the coop simulator.
//
// This package wraps Go's standard log/slog package so that the session,
// module state machines and the operator API all emit the same structured
// records.
//
// # Features
//
//   - JSON output for log shipping, text output for the console
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//   - A discarding logger for tests
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "text"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	doorLog := logger.With("module", "door")
//	doorLog.Info("door opened", "position", 100)
//
// Never log broker passwords or JWTs.
package logging

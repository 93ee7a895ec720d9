// Package logging provides structured logging for the Phyn bridge.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the application.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Component("fleet").Info("sweep finished", "devices", 3)
//
// # Security
//
// Never log the Phyn token, API key or broker passwords. Use Redact:
//
//	logger.Info("phyn client ready", "token", logging.Redact(token))
package logging

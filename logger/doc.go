// Package logger provides structured logging for flowkit using zerolog.
//
// It supports multiple output formats (JSON, console), log level
// configuration, and component-scoped loggers with structured fields.
// Engine packages log through named component loggers:
//
//	log := logger.Get("pipeline.hub")
//	log.Debug("slot joined", logger.Fields(logger.FieldSubscriptionID, id))
//
// # Configuration
//
//	logging:
//	  level: "info"
//	  format: "json"
package logger

/*
Package log provides structured logging for Burrow using zerolog.

The package wraps zerolog behind a global logger initialized once via
log.Init, with component-specific child loggers and helpers for common
patterns. Engines obtain a child logger with WithComponent ("capture",
"recall", "reconciler", ...) so every line is attributable.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	captureLog := log.WithComponent("capture")
	captureLog.Info().Str("memory_id", id).Msg("note appended")
*/
package log

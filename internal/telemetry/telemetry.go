// Package telemetry centralizes construction of the zerolog loggers
// each core component carries. The teacher builds one base logger in
// main.go (zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level))
// and hands every subsystem a derived child via log.With().Str("component", ...)
// (cmd/tr-engine/main.go's dbLog/mqttLog/httpLog, ingest.FileWatcher's
// "component" field, ingest.Pipeline's per-task "task" field). This
// package gives that same pattern a named home so sources, the
// pipeline core, and the mqtt bridge all tag their log lines the same
// way instead of each hand-rolling a .With().Str(...) call.
package telemetry

import (
	"io"

	"github.com/rs/zerolog"
)

// NewBase builds the root logger every component logger is derived
// from. level parses with zerolog.ParseLevel; an unparseable level
// falls back to info, matching main.go's ParseLevel-then-fallback
// handling.
func NewBase(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).With().Timestamp().Logger().Level(lvl)
}

// Component derives a child logger tagged with a "component" field,
// the shape cmd/tr-engine/main.go uses for its dbLog/mqttLog/httpLog
// loggers and ingest.FileWatcher uses for its own log field.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// Source derives a child logger tagged with both "component" and
// "source" fields, for the per-adapter/per-connector loggers each
// running source instance carries (one log line per line connector or
// agent adapter instance, distinguishable by source id).
func Source(base zerolog.Logger, sourceID string) zerolog.Logger {
	return base.With().Str("component", "source").Str("source", sourceID).Logger()
}

// Task derives a child logger tagged with a "task" field, the shape
// ingest.Pipeline uses for its periodic maintenance/stats goroutines
// (log.With().Str("task", "maintenance").Logger()).
func Task(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("task", name).Logger()
}

// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package obslog constructs the single process-wide structured logger used
// by the router daemon and runtime client: a github.com/joeycumines/logiface
// façade over github.com/rs/zerolog, wired through the izerolog backend, the
// module's ambient logging stack.
//
// Every component takes a *logiface.Logger[*izerolog.Event] rather than a
// bare zerolog.Logger or io.Writer, so call sites use the builder-chain API
// (Logger.Info().Str(...).Log(msg)) uniformly and the backend can be swapped
// without touching callers, matching the logiface-slog/logiface-zerolog
// pack's own separation of façade from backend.
package obslog

import (
	"io"
	"os"
	"time"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

// Logger is the concrete logger type every daemon and client component logs
// through.
type Logger = logiface.Logger[*izerolog.Event]

// Option configures New. It is an alias so callers can also pass any
// logiface.Option[*izerolog.Event] produced directly by the izerolog package.
type Option = logiface.Option[*izerolog.Event]

// Config controls the process-wide logger's construction.
type Config struct {
	// Writer receives encoded log lines. Defaults to os.Stderr.
	Writer io.Writer
	// Level is the minimum level that reaches Writer. Defaults to
	// logiface.LevelInformational.
	Level logiface.Level
	// Pretty selects zerolog's human-readable console writer instead of
	// newline-delimited JSON, for interactive use at a terminal.
	Pretty bool
	// Component is attached to every event as the "component" field, so log
	// lines from the router daemon and the runtime client are
	// distinguishable once aggregated.
	Component string
}

// New constructs the process-wide Logger described by cfg, plus any extra
// options the caller wants layered on top (e.g. logiface.WithDPanicLevel).
func New(cfg Config, extra ...Option) *Logger {
	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	level := cfg.Level
	if level == 0 {
		level = logiface.LevelInformational
	}

	zl := zerolog.New(w).With().Timestamp().Logger()

	options := make([]Option, 0, len(extra)+2)
	options = append(options, izerolog.L.WithZerolog(zl), logiface.WithLevel[*izerolog.Event](level))
	options = append(options, extra...)

	logger := logiface.New(options...)
	if cfg.Component == "" {
		return logger
	}
	return logger.Clone().Str("component", cfg.Component).Logger()
}

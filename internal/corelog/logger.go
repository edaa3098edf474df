// Package corelog provides the leveled logging interface used across the
// core. It mirrors the teacher plugin's API.LogError/LogDebug call shape
// (message plus variadic key-value pairs) so command code reads the same
// whether it runs inside a Mattermost plugin process or a bare CLI.
package corelog

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the narrow logging surface the core depends on.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
}

// zlog adapts zerolog.Logger to the Logger interface, matching the
// teacher's convention of conditionally gating Debug output behind a
// verbosity flag rather than a log-level threshold alone.
type zlog struct {
	l       zerolog.Logger
	verbose bool
}

// New builds a Logger writing structured lines to w. When verbose is
// false, Debug calls are dropped before formatting (the teacher's
// logDebug gate), avoiding the cost of building fields for discarded logs.
func New(w io.Writer, verbose bool) Logger {
	return &zlog{l: zerolog.New(w).With().Timestamp().Logger(), verbose: verbose}
}

// Default returns a Logger writing to stderr, matching the teacher's
// stderr-only diagnostic channel.
func Default(verbose bool) Logger {
	return New(os.Stderr, verbose)
}

func fields(e *zerolog.Event, kv []any) *zerolog.Event {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, kv[i+1])
	}
	return e
}

func (z *zlog) Debug(msg string, kv ...any) {
	if !z.verbose {
		return
	}
	fields(z.l.Debug(), kv).Msg(msg)
}

func (z *zlog) Info(msg string, kv ...any) {
	fields(z.l.Info(), kv).Msg(msg)
}

func (z *zlog) Warn(msg string, kv ...any) {
	fields(z.l.Warn(), kv).Msg(msg)
}

func (z *zlog) Error(msg string, kv ...any) {
	fields(z.l.Error(), kv).Msg(msg)
}

// Nop is a Logger that discards everything; used by tests.
type Nop struct{}

func (Nop) Debug(string, ...any) {}
func (Nop) Info(string, ...any)  {}
func (Nop) Warn(string, ...any)  {}
func (Nop) Error(string, ...any) {}

var _ Logger = (*zlog)(nil)
var _ Logger = Nop{}

// Package logging provides the structured logger used throughout the core.
// Components depend on the Logger interface, never on zerolog directly, so
// tests can inject a no-op logger the same way plugin.Plugin code in the
// teacher repo only ever calls p.API.Log*, never a concrete logging library.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Field is a single structured logging key/value pair.
type Field struct {
	Key   string
	Value any
}

// F constructs a Field. Short name so call sites read like p.API.LogError's
// variadic key/value pairs did in the teacher, but typed.
func F(key string, value any) Field { return Field{Key: key, Value: value} }

// Logger is the logging surface every component depends on.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
}

type zlogger struct {
	z zerolog.Logger
}

// New returns a Logger writing leveled, structured JSON to w.
func New(w io.Writer, level zerolog.Level) Logger {
	if w == nil {
		w = os.Stderr
	}
	z := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return &zlogger{z: z}
}

// NewNop returns a Logger that discards everything. Used by tests and by
// components whose callers choose not to wire logging.
func NewNop() Logger {
	return &zlogger{z: zerolog.New(io.Discard)}
}

func apply(e *zerolog.Event, fields []Field) *zerolog.Event {
	for _, f := range fields {
		e = e.Interface(f.Key, f.Value)
	}
	return e
}

func (l *zlogger) Debug(msg string, fields ...Field) { apply(l.z.Debug(), fields).Msg(msg) }
func (l *zlogger) Info(msg string, fields ...Field)  { apply(l.z.Info(), fields).Msg(msg) }
func (l *zlogger) Warn(msg string, fields ...Field)  { apply(l.z.Warn(), fields).Msg(msg) }
func (l *zlogger) Error(msg string, fields ...Field) { apply(l.z.Error(), fields).Msg(msg) }

func (l *zlogger) With(fields ...Field) Logger {
	ctx := l.z.With()
	for _, f := range fields {
		ctx = ctx.Interface(f.Key, f.Value)
	}
	return &zlogger{z: ctx.Logger()}
}

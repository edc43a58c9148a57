// Package logging builds the zap logger shared by every engine component.
//
// There is no package-level singleton: callers build one Logger in main and
// pass it down explicitly, per the engine's no-global-state design.
package logging

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with fields keyed by plain strings, so call sites
// never import zapcore directly.
type Logger struct {
	z *zap.Logger
}

// Field holds a single structured log key-value pair.
type Field struct {
	Key   string
	Value any
}

// F is a short constructor for Field, used at call sites.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// New builds a production-configured Logger at the given level ("debug",
// "info", "warn", "error"; anything else falls back to "info").
func New(level string) (*Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	cfg.EncoderConfig.MessageKey = "message"
	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{z: z}, nil
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Sync flushes buffered log entries. Callers should defer it in main; the
// error is safe to ignore when writing to stdout/stderr.
func (l *Logger) Sync() error {
	return l.z.Sync()
}

// WithFields returns a child logger carrying the given fields on every
// subsequent call.
func (l *Logger) WithFields(fields ...Field) *Logger {
	return &Logger{z: l.z.With(convertFields(fields...)...)}
}

// Debug logs at debug level.
func (l *Logger) Debug(message string, fields ...Field) {
	l.z.Debug(message, convertFields(fields...)...)
}

// Info logs at info level.
func (l *Logger) Info(message string, fields ...Field) {
	l.z.Info(message, convertFields(fields...)...)
}

// Warn logs at warn level.
func (l *Logger) Warn(message string, fields ...Field) {
	l.z.Warn(message, convertFields(fields...)...)
}

// Error logs err at error level. When err carries a pkg/errors stack trace,
// it replaces zap's own caller-only stack.
func (l *Logger) Error(err error, fields ...Field) {
	if err == nil {
		return
	}
	zapFields := convertFields(fields...)
	ce := l.z.Check(zapcore.ErrorLevel, err.Error())
	if ce == nil {
		return
	}
	type stackTracer interface {
		StackTrace() errors.StackTrace
	}
	if st, ok := err.(stackTracer); ok {
		ce.Stack = strings.TrimSpace(fmt.Sprintf("%+v", st.StackTrace()))
	}
	ce.Write(zapFields...)
}

// Zap returns the underlying zap.Logger, for components that want direct
// access (e.g. passing zap.Field values through a third-party client option).
func (l *Logger) Zap() *zap.Logger {
	return l.z
}

func convertFields(fields ...Field) []zapcore.Field {
	if len(fields) == 0 {
		return nil
	}
	zapFields := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		zapFields[i] = zap.Any(f.Key, f.Value)
	}
	return zapFields
}

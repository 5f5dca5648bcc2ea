// Package logging wraps zap into the shape the rest of titan expects: a
// package-level default logger constructed once at startup from the
// process's development/production mode, with structured fields for
// action name, request id, and worker id attached at each call site.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a thin façade over *zap.Logger. Call sites log through
// titan's own logging package; they still import zap for its structured
// field constructors (zap.String, zap.Error, ...).
type Logger struct {
	z *zap.Logger
}

var (
	once    sync.Once
	current *Logger
)

// Init builds the process-wide default logger. dev selects a
// human-readable console encoder with color level names (TITAN_DEV=1);
// otherwise a JSON production encoder is used. Init is idempotent after
// the first call.
func Init(dev bool) *Logger {
	once.Do(func() {
		var cfg zap.Config
		if dev {
			cfg = zap.NewDevelopmentConfig()
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			cfg = zap.NewProductionConfig()
		}
		z, err := cfg.Build(zap.AddCallerSkip(1))
		if err != nil {
			// Logging must never prevent startup; fall back to a no-op core.
			z = zap.NewNop()
		}
		current = &Logger{z: z}
	})
	return current
}

// Default returns the process-wide logger, initializing it in production
// mode if Init was never called.
func Default() *Logger {
	if current == nil {
		return Init(false)
	}
	return current
}

// Sync flushes buffered log entries; call once at shutdown.
func (l *Logger) Sync() { _ = l.z.Sync() }

// With returns a child logger carrying the supplied structured fields for
// every subsequent call.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{z: l.z.With(fields...)}
}

// WithAction tags log lines with the currently executing action name,
// matching t.log's "structured stdout line tagged with the current
// action name" behavior of the host API.
func (l *Logger) WithAction(action string) *Logger {
	return l.With(zap.String("action", action))
}

// WithRequest tags log lines with the per-worker request id and the
// owning worker id.
func (l *Logger) WithRequest(workerID int, requestID uint64) *Logger {
	return l.With(zap.Int("worker_id", workerID), zap.Uint64("request_id", requestID))
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.z.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.z.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.z.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.z.Error(msg, fields...) }

// Script mirrors t.log(...): a structured line at info level carrying the
// script-supplied arguments as a single "args" field. Script logging is
// exempt from the replay determinism requirement: it may run more than
// once across a drift replay, and that's fine.
func (l *Logger) Script(action string, args ...any) {
	l.z.Info("script log", zap.String("action", action), zap.Any("args", args))
}

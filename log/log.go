// Package log provides the structured, leveled logging surface used
// throughout coretux3: log.Info(msg, "key", val, ...) on top of
// go.uber.org/zap.
package log

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.SugaredLogger

func init() {
	logger = newSugared(zapcore.InfoLevel, zapcore.Lock(os.Stderr))
}

func newSugared(level zapcore.Level, ws zapcore.WriteSyncer) *zap.SugaredLogger {
	enc := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:        "t",
		LevelKey:       "lvl",
		NameKey:        "logger",
		CallerKey:      "",
		MessageKey:     "msg",
		StacktraceKey:  "stack",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	})
	core := zapcore.NewCore(enc, ws, level)
	return zap.New(core).Sugar()
}

// SetOutput redirects all subsequent log output to w, e.g. an
// *AsyncFileWriter for durable, non-blocking persistence.
func SetOutput(w zapcore.WriteSyncer, level zapcore.Level) {
	logger = newSugared(level, w)
}

// Trace logs at the most verbose level.
func Trace(msg string, ctx ...interface{}) { logger.Debugw(msg, ctx...) }

// Debug logs diagnostic information useful for troubleshooting.
func Debug(msg string, ctx ...interface{}) { logger.Debugw(msg, ctx...) }

// Info logs routine operational events.
func Info(msg string, ctx ...interface{}) { logger.Infow(msg, ctx...) }

// Warn logs unexpected but recoverable conditions.
func Warn(msg string, ctx ...interface{}) { logger.Warnw(msg, ctx...) }

// Error logs a failed operation that the caller handles.
func Error(msg string, ctx ...interface{}) { logger.Errorw(msg, ctx...) }

// Crit logs an unrecoverable condition and terminates the process. It is
// reserved for the cases spec.md marks fatal: a durable write of an
// already-flushed delta failing, or corruption that must force the mount
// read-only.
func Crit(msg string, ctx ...interface{}) {
	logger.Fatalw(msg, ctx...)
}

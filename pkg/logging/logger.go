// Package logging wraps zap with the teacher's five-level vocabulary
// (Debug/Info/Notice/Warn/Error as a Level value) and a handful of
// lifecycle shorthands. New returns a plain *zap.Logger with no sampler.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level mirrors the teacher's five-level vocabulary; NOTICE has no zap
// equivalent, so it is mapped to zap's Info level (with nothing marking a
// line as notice) rather than inventing a sixth zap level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelNotice
	LevelWarn
	LevelError
)

// New builds a zap.Logger configured the way a PID 1 supervisor wants:
// console-encoded, timestamped, writing to stderr (so stdout stays free
// for whatever the boot console expects), with the given minimum level.
func New(level Level) *zap.Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encoder := zapcore.NewConsoleEncoder(cfg)

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), zapLevel(level))
	return zap.New(core)
}

func zapLevel(l Level) zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelInfo, LevelNotice:
		return zapcore.InfoLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ServiceStarted logs the teacher's canonical lifecycle line for a
// record reaching Running.
func ServiceStarted(log *zap.Logger, key string, pid int) {
	log.Info("service started", zap.String("service", key), zap.Int("pid", pid))
}

// ServiceStopped logs a record reaching Halted.
func ServiceStopped(log *zap.Logger, key string) {
	log.Info("service stopped", zap.String("service", key))
}

// ServiceFailed logs a record entering Crashed or Blocked.
func ServiceFailed(log *zap.Logger, key string, reason string) {
	log.Warn("service failed", zap.String("service", key), zap.String("reason", reason))
}

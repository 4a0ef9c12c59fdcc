// Package logger provides structured logging for syncd, built on zap.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the process-wide logger. It is safe to use before
	// Initialize is called: it starts out as a no-op sink so early-init
	// code paths never nil-panic.
	Logger *zap.SugaredLogger
	// JSONOutput tracks whether the active encoder emits JSON.
	JSONOutput bool
)

func init() {
	Logger = zap.NewNop().Sugar()
}

// Level mirrors the handful of severities syncd's configuration exposes.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zap.DebugLevel
	case LevelWarn:
		return zap.WarnLevel
	case LevelError:
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// Initialize sets up the global logger. jsonOutput selects machine-readable
// output for container/systemd deployments; otherwise a console encoder is
// used for local development.
func Initialize(level Level, jsonOutput bool) error {
	JSONOutput = jsonOutput
	atomicLevel := zap.NewAtomicLevelAt(level.zapLevel())

	var encoder zapcore.Encoder
	if jsonOutput {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewConsoleEncoder(cfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), atomicLevel)
	Logger = zap.New(core).Sugar()
	return nil
}

// ComponentLogger returns a named child logger for a subsystem (store,
// worker, ingest, nodeapi, ...). Prefer this over using Logger directly so
// log lines can be filtered by component.
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// ChildLogger returns a logger enriched with additional structured fields,
// e.g. logger.ChildLogger(base, FieldEventID, id).
func ChildLogger(parent *zap.SugaredLogger, keysAndValues ...interface{}) *zap.SugaredLogger {
	return parent.With(keysAndValues...)
}

// Cleanup flushes any buffered log entries. Sync errors on stdout/stderr are
// common on Linux/macOS and are not actionable, so callers may ignore them.
func Cleanup() error {
	if Logger != nil {
		return Logger.Sync()
	}
	return nil
}

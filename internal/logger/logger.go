// Package logger provides structured, level-gated logging for the
// de-identification pipeline, backed by zap.
//
// Each entry carries the emitting module and an action name:
//
//	2006-01-02 15:04:05.000 | INFO  | PIPELINE | detected 3 annotations | {"action": "detect"}
//
// Levels (lowest to highest): debug, info, warn, error.
// Entries below the configured minimum level are silently dropped.
//
// Usage:
//
//	log := logger.New("PIPELINE", cfg.LogLevel)
//	log.Info("batch_start", "12 texts, 4 workers")
//	log.Warnf("provider_failed", "%s: %v", name, err)
//
// A nil *Logger is valid and discards everything.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger writes structured log lines for a single module.
type Logger struct {
	module string
	level  zap.AtomicLevel
	base   *zap.Logger // unnamed; Named derives siblings from it
	z      *zap.Logger
}

// New creates a Logger for the given module writing to stderr, gated at the
// given level string. Unrecognized level strings default to "info".
func New(module, levelStr string) *Logger {
	return newConsole(module, levelStr, zapcore.Lock(os.Stderr))
}

// newConsole builds the fixed-column console format on top of ws.
func newConsole(module, levelStr string, ws zapcore.WriteSyncer) *Logger {
	level := zap.NewAtomicLevelAt(parseLevel(levelStr))
	enc := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:          "ts",
		LevelKey:         "level",
		NameKey:          "module",
		MessageKey:       "msg",
		EncodeTime:       zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000"),
		EncodeLevel:      paddedLevelEncoder,
		EncodeName:       zapcore.FullNameEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " | ",
	})
	core := zapcore.NewCore(enc, ws, level)
	return newWithLevel(module, core, level)
}

// NewWithCore creates a Logger that writes to an arbitrary zap core.
// The core should accept every level; gating happens in the Logger.
func NewWithCore(module string, core zapcore.Core, levelStr string) *Logger {
	return newWithLevel(module, core, zap.NewAtomicLevelAt(parseLevel(levelStr)))
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	nop := zap.NewNop()
	return &Logger{module: "NOP", level: zap.NewAtomicLevelAt(zapcore.FatalLevel), base: nop, z: nop}
}

func newWithLevel(module string, core zapcore.Core, level zap.AtomicLevel) *Logger {
	module = strings.ToUpper(module)
	base := zap.New(core)
	return &Logger{
		module: module,
		level:  level,
		base:   base,
		z:      base.Named(module),
	}
}

// Named returns a Logger for another module sharing this one's output and level.
func (l *Logger) Named(module string) *Logger {
	if l == nil {
		return nil
	}
	module = strings.ToUpper(module)
	return &Logger{module: module, level: l.level, base: l.base, z: l.base.Named(module)}
}

// SetLevel changes the minimum log level at runtime. Loggers derived with
// Named share the change.
func (l *Logger) SetLevel(levelStr string) {
	if l == nil {
		return
	}
	l.level.SetLevel(parseLevel(levelStr))
}

// Module returns the upper-cased module name.
func (l *Logger) Module() string {
	if l == nil {
		return ""
	}
	return l.module
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(action, msg string) { l.write(zapcore.DebugLevel, action, msg) }

// Info logs at INFO level.
func (l *Logger) Info(action, msg string) { l.write(zapcore.InfoLevel, action, msg) }

// Warn logs at WARN level.
func (l *Logger) Warn(action, msg string) { l.write(zapcore.WarnLevel, action, msg) }

// Error logs at ERROR level.
func (l *Logger) Error(action, msg string) { l.write(zapcore.ErrorLevel, action, msg) }

// Debugf logs a formatted message at DEBUG level.
func (l *Logger) Debugf(action, format string, args ...any) {
	l.Debug(action, fmt.Sprintf(format, args...))
}

// Infof logs a formatted message at INFO level.
func (l *Logger) Infof(action, format string, args ...any) {
	l.Info(action, fmt.Sprintf(format, args...))
}

// Warnf logs a formatted message at WARN level.
func (l *Logger) Warnf(action, format string, args ...any) {
	l.Warn(action, fmt.Sprintf(format, args...))
}

// Errorf logs a formatted message at ERROR level.
func (l *Logger) Errorf(action, format string, args ...any) {
	l.Error(action, fmt.Sprintf(format, args...))
}

// Fatal logs at ERROR level and then calls os.Exit(1).
func (l *Logger) Fatal(action, msg string) {
	l.Error(action, msg)
	l.Sync() //nolint:errcheck // best-effort flush before exit
	os.Exit(1)
}

// Fatalf logs a formatted message at ERROR level and then calls os.Exit(1).
func (l *Logger) Fatalf(action, format string, args ...any) {
	l.Fatal(action, fmt.Sprintf(format, args...))
}

// Sync flushes buffered output.
func (l *Logger) Sync() error {
	if l == nil {
		return nil
	}
	return l.z.Sync()
}

// write emits one entry if level is enabled.
func (l *Logger) write(level zapcore.Level, action, msg string) {
	if l == nil || !l.level.Enabled(level) {
		return
	}
	if ce := l.z.Check(level, msg); ce != nil {
		ce.Write(zap.String("action", action))
	}
}

// paddedLevelEncoder keeps the level column a fixed five characters wide.
func paddedLevelEncoder(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(fmt.Sprintf("%-5s", level.CapitalString()))
}

// parseLevel converts a string to a zap level, defaulting to info.
func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

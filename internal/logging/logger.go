// Package logging provides leveled structured logging backed by zap.
// Call sites pass fields as a map so that log lines read the same across
// the tablet server, the garbage collector, and the command line tools.
package logging

import (
	"io"
	"os"
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

func (l Level) zap() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel converts a string to a Level. Unknown strings map to info.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Format is the encoding of emitted lines.
type Format int

const (
	FormatJSON Format = iota
	FormatText
)

// ParseFormat converts a string to a Format. Unknown strings map to JSON.
func ParseFormat(s string) Format {
	if s == "text" || s == "console" {
		return FormatText
	}
	return FormatJSON
}

// Config holds configuration for a Logger.
type Config struct {
	Level     Level
	Format    Format
	Output    io.Writer
	AddCaller bool
}

// Logger is a thin wrapper around a zap logger whose level can be changed
// at runtime.
type Logger struct {
	z         *zap.Logger
	level     zap.AtomicLevel
	requestID string
}

// New creates a Logger.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	var enc zapcore.Encoder
	if cfg.Format == FormatText {
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}
	level := zap.NewAtomicLevelAt(cfg.Level.zap())
	core := zapcore.NewCore(enc, zapcore.AddSync(out), level)

	opts := []zap.Option{zap.AddCallerSkip(1)}
	if cfg.AddCaller {
		opts = append(opts, zap.AddCaller())
	}
	return &Logger{z: zap.New(core, opts...), level: level}
}

// DefaultLogger returns an info level JSON logger writing to stderr.
func DefaultLogger() *Logger {
	return New(Config{Level: LevelInfo, Format: FormatJSON, Output: os.Stderr})
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{z: zap.NewNop(), level: zap.NewAtomicLevelAt(zapcore.FatalLevel)}
}

// SetLevel updates the minimum logging level. Loggers derived with With
// share the level.
func (l *Logger) SetLevel(level Level) {
	l.level.SetLevel(level.zap())
}

// GetLevel returns the current logging level.
func (l *Logger) GetLevel() Level {
	switch l.level.Level() {
	case zapcore.DebugLevel:
		return LevelDebug
	case zapcore.InfoLevel:
		return LevelInfo
	case zapcore.WarnLevel:
		return LevelWarn
	default:
		return LevelError
	}
}

// Named returns a logger tagged with a component name.
func (l *Logger) Named(component string) *Logger {
	return &Logger{z: l.z.Named(component), level: l.level, requestID: l.requestID}
}

// With returns a Logger that adds fields to every line.
func (l *Logger) With(fields map[string]any) *Logger {
	return &Logger{z: l.z.With(zapFields(fields)...), level: l.level, requestID: l.requestID}
}

// WithRequestID returns a Logger tagged with an RPC request id.
func (l *Logger) WithRequestID(id string) *Logger {
	return &Logger{z: l.z.With(zap.String("requestId", id)), level: l.level, requestID: id}
}

// RequestID returns the request id attached by WithRequestID.
func (l *Logger) RequestID() string {
	return l.requestID
}

// Zap exposes the underlying zap logger for libraries that accept one.
func (l *Logger) Zap() *zap.Logger {
	return l.z
}

// Sync flushes buffered output.
func (l *Logger) Sync() error {
	return l.z.Sync()
}

func (l *Logger) Debug(msg string) { l.z.Debug(msg) }

func (l *Logger) Debugf(msg string, fields map[string]any) { l.z.Debug(msg, zapFields(fields)...) }

func (l *Logger) Info(msg string) { l.z.Info(msg) }

func (l *Logger) Infof(msg string, fields map[string]any) { l.z.Info(msg, zapFields(fields)...) }

func (l *Logger) Warn(msg string) { l.z.Warn(msg) }

func (l *Logger) Warnf(msg string, fields map[string]any) { l.z.Warn(msg, zapFields(fields)...) }

func (l *Logger) Error(msg string) { l.z.Error(msg) }

func (l *Logger) Errorf(msg string, fields map[string]any) { l.z.Error(msg, zapFields(fields)...) }

// zapFields converts a field map in key order so output is stable.
func zapFields(fields map[string]any) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, zapField(k, fields[k]))
	}
	return out
}

func zapField(k string, v any) zap.Field {
	if err, ok := v.(error); ok {
		return zap.String(k, err.Error())
	}
	return zap.Any(k, v)
}

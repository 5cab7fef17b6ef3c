// Package log provides structured logging for remotenet using zap.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with remotenet-specific helpers.
type Logger struct {
	*zap.Logger
	onEvent func(category, name, detail string) // event callback for trace collection
}

var (
	// L is the global logger instance.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger with the given configuration.
// Safe to call multiple times; only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// Get returns the global logger, or a no-op logger when Init was never called.
func Get() *Logger {
	if L == nil {
		return NewNop()
	}
	return L
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Fallback to no-op if config fails
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// SetOnEvent sets the callback invoked by Event.
func (l *Logger) SetOnEvent(fn func(category, name, detail string)) {
	l.onEvent = fn
}

// Event reports a notable runtime event (hook fired, object pinned, ...).
// The callback always runs; the log line is emitted at debug level.
func (l *Logger) Event(category, name, detail string) {
	if l.onEvent != nil {
		l.onEvent(category, name, detail)
	}

	l.Debug("event",
		zap.String("cat", category),
		zap.String("fn", name),
		zap.String("detail", detail),
	)
}

// Request logs one wire request/response pair.
func (l *Logger) Request(method, path, requestID string, status int) {
	l.Debug("request",
		zap.String("method", method),
		zap.String("path", path),
		zap.String("id", requestID),
		zap.Int("status", status),
	)
}

// HookInstall logs when a detour is installed or removed for a method.
func (l *Logger) HookInstall(hookID string, installed bool, callbacks int) {
	l.Debug("hook",
		zap.String("id", hookID),
		zap.Bool("installed", installed),
		zap.Int("callbacks", callbacks),
	)
}

// HookEvent logs one hook firing on the controller.
func (l *Logger) HookEvent(method, position string, token int, callOriginal bool) {
	l.Debug("hook fired",
		zap.String("method", method),
		zap.String("pos", position),
		zap.Int("token", token),
		zap.Bool("original", callOriginal),
	)
}

// ScanResult logs the outcome of scanning one module for RTTI.
func (l *Logger) ScanResult(module string, base uint64, types int, gated bool) {
	l.Debug("rtti",
		zap.String("module", module),
		Addr(base),
		zap.Int("types", types),
		zap.Bool("gated", gated),
	)
}

// WithCategory returns a logger with the category field preset.
func (l *Logger) WithCategory(category string) *Logger {
	return &Logger{
		Logger:  l.Logger.With(zap.String("cat", category)),
		onEvent: l.onEvent,
	}
}

// Hex formats a uint64 as hex string for logging.
func Hex(addr uint64) string {
	return "0x" + hexString(addr)
}

func hexString(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	buf := make([]byte, 16)
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf[i:])
}

// Field helpers for common patterns.

// Addr creates an address field.
func Addr(addr uint64) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Size creates a size field.
func Size(size uint64) zap.Field {
	return zap.Uint64("size", size)
}

// Ptr creates a pointer field.
func Ptr(name string, ptr uint64) zap.Field {
	return zap.String(name, Hex(ptr))
}

// Fn creates a function name field.
func Fn(name string) zap.Field {
	return zap.String("fn", name)
}

// Type creates a remote type name field.
func Type(name string) zap.Field {
	return zap.String("type", name)
}

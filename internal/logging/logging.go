// Package logging provides structured logging for chronotier.
//
// This package wraps go.uber.org/zap to provide consistent logging across all
// components. It supports both console and JSON output formats, configurable
// log levels, and component-based loggers.
//
// Usage:
//
//	// Initialize at startup
//	logging.Init(zapcore.InfoLevel, false) // Console format
//	logging.Init(zapcore.DebugLevel, true) // JSON format for production
//
//	// Get a component logger
//	log := logging.Component("aligner")
//	log.Info("timeline created", zap.String("timeframe", "5m"), zap.Int("points", 288))
//
//	// Log with context
//	logging.WithContext(ctx).Error("store failed", zap.Error(err))
package logging

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger *zap.Logger
)

// Init initializes the root logger with the specified level and format.
// If jsonFormat is true, logs are output as JSON; otherwise, human-readable console.
func Init(level zapcore.Level, jsonFormat bool) {
	var cfg zap.Config
	if jsonFormat {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.DisableCaller = level > zapcore.DebugLevel
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		l = zap.NewNop()
	}
	set(l)
}

// InitWithCore initializes the root logger with a custom core.
// This is useful for testing or custom output destinations.
func InitWithCore(core zapcore.Core) {
	set(zap.New(core))
}

// ParseLevel converts a level name ("debug", "info", ...) to a zap level.
// Unknown names resolve to info.
func ParseLevel(s string) zapcore.Level {
	lvl, err := zapcore.ParseLevel(s)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

func set(l *zap.Logger) {
	mu.Lock()
	logger = l
	mu.Unlock()
	zap.ReplaceGlobals(l)
}

// L returns the root logger, initializing a default one on first use.
func L() *zap.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		return l
	}
	Init(zapcore.InfoLevel, false)
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// With returns a new logger with additional fields.
// These fields are included in every log entry from the returned logger.
func With(fields ...zap.Field) *zap.Logger {
	return L().With(fields...)
}

// Component returns a logger for a specific component.
// The component name is added as a field to all log entries.
//
// Example:
//
//	log := logging.Component("cache")
//	log.Info("started") // Output: ... INFO started {"component": "cache"}
func Component(name string) *zap.Logger {
	return L().With(zap.String("component", name))
}

// WithContext returns a logger that includes context values.
func WithContext(ctx context.Context) *zap.Logger {
	return FromContext(ctx, L())
}

// FromContext decorates base with the session and timeframe stored in ctx.
func FromContext(ctx context.Context, base *zap.Logger) *zap.Logger {
	if ctx == nil {
		return base
	}
	l := base
	if sessionID, ok := ctx.Value(contextKeySessionID).(string); ok {
		l = l.With(zap.String("session_id", sessionID))
	}
	if tf, ok := ctx.Value(contextKeyTimeframe).(string); ok {
		l = l.With(zap.String("timeframe", tf))
	}
	return l
}

// Context key types for type-safe context value extraction.
type contextKey int

const (
	contextKeySessionID contextKey = iota
	contextKeyTimeframe
)

// ContextWithSessionID adds a session ID to the context for logging.
func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, contextKeySessionID, sessionID)
}

// ContextWithTimeframe adds a timeframe name to the context for logging.
func ContextWithTimeframe(ctx context.Context, tf string) context.Context {
	return context.WithValue(ctx, contextKeyTimeframe, tf)
}

// SessionID returns the session ID stored in ctx, if any.
func SessionID(ctx context.Context) string {
	s, _ := ctx.Value(contextKeySessionID).(string)
	return s
}

// Sync flushes buffered log entries.
func Sync() error {
	return L().Sync()
}

package logger

import (
	"context"
	"sync"
)

// LoggerContext accumulates attributes over the course of an operation and
// stamps each write with them.
type LoggerContext struct {
	mu     sync.Mutex
	logger *Logger
}

// NewLoggerContext wraps logger so that attributes can be added incrementally.
func NewLoggerContext(logger *Logger) *LoggerContext {
	return &LoggerContext{logger: logger}
}

// Add appends key/value pairs to every subsequent write.
func (l *LoggerContext) Add(args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger = l.logger.With(args...)
}

// Logger returns the accumulated logger.
func (l *LoggerContext) Logger() *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.logger
}

func (l *LoggerContext) Debug(ctx context.Context, msg string, args ...any) {
	l.Logger().Debugc(ctx, 4, msg, args...)
}

func (l *LoggerContext) Info(ctx context.Context, msg string, args ...any) {
	l.Logger().write(ctx, LevelInfo, 3, msg, args...)
}

func (l *LoggerContext) Warn(ctx context.Context, msg string, args ...any) {
	l.Logger().write(ctx, LevelWarn, 3, msg, args...)
}

func (l *LoggerContext) Error(ctx context.Context, msg string, args ...any) {
	l.Logger().write(ctx, LevelError, 3, msg, args...)
}

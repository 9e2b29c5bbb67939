// Package logging implements a context-attached structured logger.
//
// Packages in this module do not call log.Printf directly; instead they
// log through a Logger attached to the ambient context.Context.
package logging

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Level is the severity of a log record.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	default:
		return "UNKNOWN"
	}
}

// Logger receives log records. Implementations must be safe for
// concurrent use.
type Logger interface {
	Log(level Level, ts time.Time, msg string)
}

type loggerKey struct{}
type prefixKey struct{}

// AttachLogger returns a context carrying logger. If ctx already carries a
// logger, records are fanned out to both.
func AttachLogger(ctx context.Context, logger Logger) context.Context {
	if parent, ok := loggerFromContext(ctx); ok {
		logger = NewMultiLogger(logger, parent)
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// AttachLoggerNoPropagation is like AttachLogger but does not fan out to
// any logger already attached to ctx.
func AttachLoggerNoPropagation(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// HasLogger reports whether a logger is attached to ctx.
func HasLogger(ctx context.Context) bool {
	_, ok := loggerFromContext(ctx)
	return ok
}

// SetPrefix returns a context whose log records are prefixed with p.
func SetPrefix(ctx context.Context, p string) context.Context {
	return context.WithValue(ctx, prefixKey{}, p)
}

func loggerFromContext(ctx context.Context) (Logger, bool) {
	logger, ok := ctx.Value(loggerKey{}).(Logger)
	return logger, ok
}

func prefixFromContext(ctx context.Context) string {
	if p, ok := ctx.Value(prefixKey{}).(string); ok {
		return p
	}
	return ""
}

// Info emits an info-level record through the Logger attached to ctx, if
// any. It is a no-op when ctx carries no logger.
func Info(ctx context.Context, args ...interface{}) { emit(ctx, LevelInfo, fmt.Sprint(args...)) }

// Infof is Info with fmt.Sprintf-style formatting.
func Infof(ctx context.Context, format string, args ...interface{}) {
	emit(ctx, LevelInfo, fmt.Sprintf(format, args...))
}

// Debug emits a debug-level record.
func Debug(ctx context.Context, args ...interface{}) { emit(ctx, LevelDebug, fmt.Sprint(args...)) }

// Debugf is Debug with fmt.Sprintf-style formatting.
func Debugf(ctx context.Context, format string, args ...interface{}) {
	emit(ctx, LevelDebug, fmt.Sprintf(format, args...))
}

func emit(ctx context.Context, level Level, msg string) {
	ts := time.Now()
	logger, ok := loggerFromContext(ctx)
	if !ok {
		return
	}
	logger.Log(level, ts, strings.ToValidUTF8(prefixFromContext(ctx)+msg, ""))
}

// FuncLogger adapts a plain function into a Logger. Calls are serialized.
type FuncLogger struct {
	f  func(level Level, ts time.Time, msg string)
	mu sync.Mutex
}

// NewFuncLogger creates a FuncLogger wrapping f.
func NewFuncLogger(f func(level Level, ts time.Time, msg string)) *FuncLogger {
	return &FuncLogger{f: f}
}

// Log implements Logger.
func (l *FuncLogger) Log(level Level, ts time.Time, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.f(level, ts, msg)
}

// MultiLogger fans a record out to every wrapped Logger in order.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger creates a MultiLogger wrapping loggers.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

// Log implements Logger.
func (m *MultiLogger) Log(level Level, ts time.Time, msg string) {
	for _, l := range m.loggers {
		l.Log(level, ts, msg)
	}
}

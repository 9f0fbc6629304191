// Package logger provides Cage's structured logging convention: one JSON
// object per line on stderr, with fields {ts, level, service, request_id,
// run_id?, task_id?, path?, msg} as named in spec.md §6.
//
// Call sites follow the teacher's pattern of a package-level named logger,
// e.g. var gitLog = logger.New("gitbridge").
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

var (
	mu     sync.Mutex
	output = os.Stderr
	level  = new(slog.LevelVar)
)

func init() {
	level.Set(slog.LevelInfo)
}

// SetOutput redirects all future log lines. Tests use this to capture output.
func SetOutput(w *os.File) {
	mu.Lock()
	defer mu.Unlock()
	output = w
}

// SetVerbose toggles debug-level logging process-wide.
func SetVerbose(verbose bool) {
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}
}

// Logger emits structured log lines for one named component (e.g.
// "editor", "mcp:gateway", "crew:orchestrator"). It is safe for concurrent use.
type Logger struct {
	service string
	fields  []any
}

// New creates a Logger for the given component name.
func New(service string) *Logger {
	return &Logger{service: service}
}

func (l *Logger) handler() *slog.Logger {
	mu.Lock()
	w := output
	mu.Unlock()
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "ts"
			}
			return a
		},
	})
	return slog.New(h).With(append([]any{"service", l.service}, l.fields...)...)
}

// With returns a child Logger carrying additional structured fields (e.g.
// "request_id", id, "run_id", runID) attached to every subsequent line.
func (l *Logger) With(fields ...any) *Logger {
	return &Logger{service: l.service, fields: append(append([]any{}, l.fields...), fields...)}
}

// Print logs msg at info level.
func (l *Logger) Print(msg string) {
	l.handler().Info(msg)
}

// Printf formats and logs a message at info level, matching the teacher's
// fmt.Sprintf-style call sites.
func (l *Logger) Printf(format string, args ...any) {
	l.handler().Info(sprintf(format, args...))
}

// Debugf logs a message at debug level, only emitted when verbose mode is enabled.
func (l *Logger) Debugf(format string, args ...any) {
	l.handler().Debug(sprintf(format, args...))
}

// Errorf logs a message at error level.
func (l *Logger) Errorf(format string, args ...any) {
	l.handler().Error(sprintf(format, args...))
}

// Warnf logs a message at warn level.
func (l *Logger) Warnf(format string, args ...any) {
	l.handler().Warn(sprintf(format, args...))
}

// ErrorCtx logs msg at error level with err under the "error" key. ctx is not
// read: no context value is added to the line.
func (l *Logger) ErrorCtx(ctx context.Context, msg string, err error) {
	_ = ctx
	l.handler().Error(msg, "error", err)
}

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}

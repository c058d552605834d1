package ivfgo

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/hupe1980/ivfgo/index"
)

// Logger wraps slog.Logger to provide consistent logging for dataset
// operations.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses a default text handler writing to os.Stderr
// at Info level.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that writes JSON to w at the given
// level.
func NewJSONLogger(w io.Writer, level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger creates a Logger that writes text to w at the given
// level.
func NewTextLogger(w io.Writer, level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// NoopLogger returns a logger that discards all output.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	}))}
}

// LogBuild logs an index build.
func (l *Logger) LogBuild(ctx context.Context, name, column string, kind index.Kind, rows uint64, duration time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "index build failed",
			slog.String("index", name),
			slog.String("column", column),
			slog.String("kind", kind.String()),
			slog.Duration("duration", duration),
			slog.Any("error", err),
		)
		return
	}
	l.InfoContext(ctx, "index build completed",
		slog.String("index", name),
		slog.String("column", column),
		slog.String("kind", kind.String()),
		slog.Uint64("rows", rows),
		slog.Duration("duration", duration),
	)
}

// LogBuildWarnings logs non-fatal parameter adjustments made during a
// build.
func (l *Logger) LogBuildWarnings(ctx context.Context, name string, warnings []string) {
	for _, w := range warnings {
		l.WarnContext(ctx, "index build warning",
			slog.String("index", name),
			slog.String("warning", w),
		)
	}
}

// LogSearch logs a vector search.
func (l *Logger) LogSearch(ctx context.Context, k, resultsFound int, duration time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed",
			slog.Int("k", k),
			slog.Duration("duration", duration),
			slog.Any("error", err),
		)
		return
	}
	l.DebugContext(ctx, "search completed",
		slog.Int("k", k),
		slog.Int("results", resultsFound),
		slog.Duration("duration", duration),
	)
}

// LogFilter logs a scalar filter query.
func (l *Logger) LogFilter(ctx context.Context, matches uint64, duration time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "filter failed",
			slog.Duration("duration", duration),
			slog.Any("error", err),
		)
		return
	}
	l.DebugContext(ctx, "filter completed",
		slog.Uint64("matches", matches),
		slog.Duration("duration", duration),
	)
}

// LogDrop logs an index drop.
func (l *Logger) LogDrop(ctx context.Context, name string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "index drop failed",
			slog.String("index", name),
			slog.Any("error", err),
		)
		return
	}
	l.InfoContext(ctx, "index dropped",
		slog.String("index", name),
	)
}

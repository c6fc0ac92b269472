package logging

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Span represents a logical unit of work: one API request, one channel connection.
type Span struct {
	name   string
	logger *slog.Logger
	start  time.Time
	level  slog.Level
}

// spanScope remembers the logger a span was built from so a child span can replace,
// rather than repeat, the span attributes.
type spanScope struct {
	base   *slog.Logger
	logger *slog.Logger
}

// StartSpan derives a child span from the provided context, enriching the logger
// with tracing metadata. It returns the derived context and the span handle.
func StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	logger := FromContext(ctx)
	if scope, ok := ctx.Value(spanScopeKey).(spanScope); ok && scope.logger == logger {
		logger = scope.base
	}

	traceID := TraceIDFromContext(ctx)
	if traceID == "" {
		traceID = uuid.NewString()
		ctx = WithTraceID(ctx, traceID)
		logger = logger.With(slog.String("traceId", traceID))
	}

	parentSpanID := spanIDFromContext(ctx)
	spanID := uuid.NewString()

	base := logger
	logger = logger.With(
		slog.String("spanId", spanID),
		slog.String("span", name),
	)
	if parentSpanID != "" {
		logger = logger.With(slog.String("parentSpanId", parentSpanID))
	}

	ctx = WithLogger(ctx, logger)
	ctx = withSpanID(ctx, spanID)
	ctx = context.WithValue(ctx, spanScopeKey, spanScope{base: base, logger: logger})

	return ctx, &Span{name: name, logger: logger, start: time.Now(), level: slog.LevelDebug}
}

// Logger returns the span-scoped logger.
func (s *Span) Logger() *slog.Logger {
	if s == nil {
		return slog.Default()
	}
	return s.logger
}

// End emits a completion entry. A non-nil err raises the entry to warn.
func (s *Span) End(err error) {
	if s == nil {
		return
	}
	attrs := []any{slog.Duration("duration", time.Since(s.start))}
	level := s.level
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		level = slog.LevelWarn
	}
	s.logger.Log(context.Background(), level, "span completed", attrs...)
}

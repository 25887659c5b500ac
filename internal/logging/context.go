package logging

import (
	"context"
	"fmt"
	"regexp"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ctxKey int

const (
	sessionIDKey ctxKey = iota
	unitIDKey
	groupRefKey
	loggerKey
)

var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// WithSessionID adds a session ID to the context.
// Panics if the ID contains characters outside [a-zA-Z0-9_-] or exceeds 128
// characters; session IDs are generated internally or validated at the CLI.
func WithSessionID(ctx context.Context, id string) context.Context {
	if !sessionIDPattern.MatchString(id) {
		panic(fmt.Sprintf("invalid session ID format: %q", id))
	}
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionID extracts the session ID from context.
func SessionID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(sessionIDKey).(string); ok {
		return id
	}
	return ""
}

// WithUnitID adds the work unit currently being processed to the context.
func WithUnitID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, unitIDKey, id)
}

// WithGroupRef adds the work group reference to the context.
func WithGroupRef(ctx context.Context, ref string) context.Context {
	return context.WithValue(ctx, groupRefKey, ref)
}

// ContextFields extracts standard fields from context.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}

	fields := make([]zap.Field, 0, 5)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := SessionID(ctx); id != "" {
		fields = append(fields, zap.String("session.id", id))
	}
	if id, ok := ctx.Value(unitIDKey).(string); ok && id != "" {
		fields = append(fields, zap.String("unit.id", id))
	}
	if ref, ok := ctx.Value(groupRefKey).(string); ok && ref != "" {
		fields = append(fields, zap.String("group.ref", ref))
	}

	return fields
}

// WithLogger stores a logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext retrieves the logger from context, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey).(*Logger); ok {
			return l
		}
	}
	return NewNop()
}

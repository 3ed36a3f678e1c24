package logging

import (
	"context"
	"fmt"
	"regexp"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	if wb := WorkbookIDFromContext(ctx); wb != "" {
		fields = append(fields, zap.String("workbook.id", wb))
	}
	if sessionID := SessionIDFromContext(ctx); sessionID != "" {
		fields = append(fields, zap.String("session.id", sessionID))
	}
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}

	return fields
}

type (
	workbookCtxKey struct{}
	sessionCtxKey  struct{}
	requestCtxKey  struct{}
	loggerCtxKey   struct{}
)

const maxIDLen = 128

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

func validateID(id, name string) error {
	if id == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%s contains invalid UTF-8", name)
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("%s exceeds max length %d", name, maxIDLen)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters", name)
	}
	return nil
}

func withID(ctx context.Context, key any, id, name string) context.Context {
	if err := validateID(id, name); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, key, id)
}

func idFromContext(ctx context.Context, key any) string {
	if s, ok := ctx.Value(key).(string); ok {
		return s
	}
	return ""
}

// WithWorkbookID adds the workbook being worked on to ctx.
// Panics if the id is empty or contains invalid characters.
func WithWorkbookID(ctx context.Context, workbookID string) context.Context {
	return withID(ctx, workbookCtxKey{}, workbookID, "workbookID")
}

// WorkbookIDFromContext returns the workbook id stored in ctx, or "".
func WorkbookIDFromContext(ctx context.Context) string {
	return idFromContext(ctx, workbookCtxKey{})
}

// WithSessionID adds a session id to ctx.
// Panics if the id is empty or contains invalid characters.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return withID(ctx, sessionCtxKey{}, sessionID, "sessionID")
}

func SessionIDFromContext(ctx context.Context) string {
	return idFromContext(ctx, sessionCtxKey{})
}

// WithRequestID adds a request id to ctx.
// Panics if the id is empty or contains invalid characters.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withID(ctx, requestCtxKey{}, requestID, "requestID")
}

func RequestIDFromContext(ctx context.Context) string {
	return idFromContext(ctx, requestCtxKey{})
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves the logger stored in ctx, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return Nop()
}

// ValidID reports whether id can be stored with WithWorkbookID, WithSessionID or
// WithRequestID without panicking.
func ValidID(id string) bool {
	return validateID(id, "id") == nil
}

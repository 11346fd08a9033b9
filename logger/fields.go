package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging.
// Use these constants instead of raw strings to keep keys consistent.
const (
	FieldRequestID = "request_id"
	FieldComponent = "component"

	// Modules
	FieldModule  = "module"
	FieldVersion = "version"
	FieldBinary  = "binary"
	FieldPID     = "pid"

	// Media
	FieldMime    = "mime"
	FieldFrames  = "frames"
	FieldSampled = "sampled"
	FieldRisk    = "risk"
	FieldStage   = "stage"

	FieldProvider   = "provider"
	FieldDurationMS = "duration_ms"
	FieldError      = "error"
	FieldCount      = "count"
	FieldSize       = "size"
	FieldPath       = "path"
	FieldAddress    = "address"
	FieldPort       = "port"
)

type contextKey string

const (
	requestIDKey contextKey = "logger_request_id"
	componentKey contextKey = "logger_component"
)

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context as key-value pairs.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// FromContext returns base enriched with the fields carried by ctx.
// A nil base falls back to the global Logger.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

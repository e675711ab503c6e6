// Package observability carries the structured logging helpers shared by the
// engine packages.
package observability

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	// LogFieldRequestID is the field name for request ID.
	LogFieldRequestID = "request_id"
	// LogFieldSessionID is the field name for session ID.
	LogFieldSessionID = "session_id"
	// LogFieldProvider is the field name for the model provider.
	LogFieldProvider = "provider"
	// LogFieldModel is the field name for the model identifier.
	LogFieldModel = "model"
	// LogFieldTool is the field name for a tool name.
	LogFieldTool = "tool"
	// LogFieldIteration is the field name for the loop iteration count.
	LogFieldIteration = "iteration"
	// LogFieldDuration is the field name for duration in milliseconds.
	LogFieldDuration = "duration_ms"
	// LogFieldTokens is the field name for token usage.
	LogFieldTokens = "tokens"
	// LogFieldErrorCode is the field name for engine error codes.
	LogFieldErrorCode = "error_code"
)

// RequestContext carries a request id and base fields through one turn so
// every log line of the turn correlates.
type RequestContext struct {
	RequestID string
	SessionID string
	Provider  string
	StartTime time.Time
	Logger    *slog.Logger
}

// NewRequestContext creates a request context with a generated request ID.
func NewRequestContext(logger *slog.Logger, sessionID, providerID string) *RequestContext {
	if logger == nil {
		logger = slog.Default()
	}
	return &RequestContext{
		RequestID: uuid.New().String(),
		SessionID: sessionID,
		Provider:  providerID,
		StartTime: time.Now(),
		Logger:    logger,
	}
}

// Info logs an info message with the base fields.
func (r *RequestContext) Info(msg string, attrs ...slog.Attr) {
	r.Logger.LogAttrs(context.Background(), slog.LevelInfo, msg, r.combine(attrs)...)
}

// Debug logs a debug message with the base fields.
func (r *RequestContext) Debug(msg string, attrs ...slog.Attr) {
	r.Logger.LogAttrs(context.Background(), slog.LevelDebug, msg, r.combine(attrs)...)
}

// Warn logs a warning message with the base fields.
func (r *RequestContext) Warn(msg string, attrs ...slog.Attr) {
	r.Logger.LogAttrs(context.Background(), slog.LevelWarn, msg, r.combine(attrs)...)
}

// Error logs an error message with the error appended.
func (r *RequestContext) Error(msg string, err error, attrs ...slog.Attr) {
	attrs = append(attrs, slog.String("error", err.Error()))
	r.Logger.LogAttrs(context.Background(), slog.LevelError, msg, r.combine(attrs)...)
}

// DurationMs returns the elapsed time since the request started, in
// milliseconds.
func (r *RequestContext) DurationMs() int64 {
	return time.Since(r.StartTime).Milliseconds()
}

func (r *RequestContext) combine(attrs []slog.Attr) []slog.Attr {
	base := []slog.Attr{
		slog.String(LogFieldRequestID, r.RequestID),
		slog.String(LogFieldSessionID, r.SessionID),
		slog.String(LogFieldProvider, r.Provider),
	}
	return append(base, attrs...)
}

type ctxKey struct{}

// WithRequestContext attaches the request context to ctx.
func WithRequestContext(ctx context.Context, reqCtx *RequestContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, reqCtx)
}

// FromContext extracts the request context from ctx.
func FromContext(ctx context.Context) (*RequestContext, bool) {
	reqCtx, ok := ctx.Value(ctxKey{}).(*RequestContext)
	return reqCtx, ok
}

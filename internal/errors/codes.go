// Package skeinerr defines the structured error types shared across the
// orchestration engine.
package skeinerr

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode identifies a specific failure class.
type ErrorCode string

const (
	// ErrCodeSessionNotFound indicates the session does not exist.
	ErrCodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
	// ErrCodeToolNotFound indicates the requested tool is not registered.
	ErrCodeToolNotFound ErrorCode = "TOOL_NOT_FOUND"
	// ErrCodeInvalidArguments indicates tool arguments failed validation.
	ErrCodeInvalidArguments ErrorCode = "INVALID_ARGUMENTS"
	// ErrCodeToolExecutionFailed indicates the tool ran and reported failure.
	ErrCodeToolExecutionFailed ErrorCode = "TOOL_EXECUTION_FAILED"
	// ErrCodeToolTimeout indicates the tool exceeded its execution timeout.
	ErrCodeToolTimeout ErrorCode = "TOOL_TIMEOUT"
	// ErrCodeTooManyConcurrentTools indicates the concurrency gate rejected the call.
	ErrCodeTooManyConcurrentTools ErrorCode = "TOO_MANY_CONCURRENT_TOOLS"
	// ErrCodeRateLimitExceeded indicates the provider rate limit was exhausted.
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	// ErrCodeProviderError indicates a model provider failure.
	ErrCodeProviderError ErrorCode = "PROVIDER_ERROR"
	// ErrCodeInferenceFailed indicates a turn aborted inside inference.
	ErrCodeInferenceFailed ErrorCode = "INFERENCE_FAILED"
	// ErrCodeMemoryLimitExceeded is reserved; pruning normally keeps memory in budget.
	ErrCodeMemoryLimitExceeded ErrorCode = "MEMORY_LIMIT_EXCEEDED"
	// ErrCodeInvalidConfiguration indicates a rejected session or engine configuration.
	ErrCodeInvalidConfiguration ErrorCode = "INVALID_CONFIGURATION"
	// ErrCodeCredentialNotFound indicates no API key is available for a provider.
	ErrCodeCredentialNotFound ErrorCode = "CREDENTIAL_NOT_FOUND"
)

// ProviderErrorKind classifies provider failures.
type ProviderErrorKind string

const (
	ProviderErrorHTTP            ProviderErrorKind = "http"
	ProviderErrorInvalidResponse ProviderErrorKind = "invalid_response"
	ProviderErrorAuth            ProviderErrorKind = "auth"
	ProviderErrorTimeout         ProviderErrorKind = "timeout"
	ProviderErrorUnsupported     ProviderErrorKind = "unsupported"
)

// EngineError is a structured error carrying a code, an optional cause and
// free-form context values.
type EngineError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// WithContext attaches a context value to the error.
func (e *EngineError) WithContext(key string, value any) *EngineError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// CodeOf extracts the error code from err, or empty if err carries none.
func CodeOf(err error) ErrorCode {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// SessionNotFound creates a session-not-found error.
func SessionNotFound(id string) *EngineError {
	return &EngineError{Code: ErrCodeSessionNotFound, Message: fmt.Sprintf("session %q not found", id)}
}

// ToolNotFound creates a tool-not-found error.
func ToolNotFound(name string) *EngineError {
	return &EngineError{Code: ErrCodeToolNotFound, Message: fmt.Sprintf("tool %q not found", name)}
}

// InvalidArguments creates an invalid-arguments error.
func InvalidArguments(msg string, cause error) *EngineError {
	return &EngineError{Code: ErrCodeInvalidArguments, Message: msg, Cause: cause}
}

// ToolExecutionFailed creates a tool-execution-failed error.
func ToolExecutionFailed(name string, cause error) *EngineError {
	return &EngineError{Code: ErrCodeToolExecutionFailed, Message: fmt.Sprintf("tool %q failed", name), Cause: cause}
}

// ToolTimeout creates a tool-timeout error.
func ToolTimeout(name string, limit time.Duration) *EngineError {
	e := &EngineError{Code: ErrCodeToolTimeout, Message: fmt.Sprintf("tool %q timed out after %s", name, limit)}
	return e.WithContext("timeout", limit.String())
}

// RateLimitExceeded creates a rate-limit error carrying the suggested retry delay.
func RateLimitExceeded(provider string, retryAfter time.Duration) *EngineError {
	e := &EngineError{Code: ErrCodeRateLimitExceeded, Message: fmt.Sprintf("rate limit exceeded for provider %q", provider)}
	return e.WithContext("retry_after", retryAfter.String())
}

// ProviderError creates a provider error of the given kind.
func ProviderError(provider string, kind ProviderErrorKind, msg string, cause error) *EngineError {
	e := &EngineError{Code: ErrCodeProviderError, Message: fmt.Sprintf("provider %q: %s", provider, msg), Cause: cause}
	return e.WithContext("kind", string(kind))
}

// InferenceFailed wraps a provider failure for the caller of a turn.
func InferenceFailed(cause error) *EngineError {
	return &EngineError{Code: ErrCodeInferenceFailed, Message: "inference failed", Cause: cause}
}

// InvalidConfiguration creates an invalid-configuration error.
func InvalidConfiguration(msg string) *EngineError {
	return &EngineError{Code: ErrCodeInvalidConfiguration, Message: msg}
}

// CredentialNotFound creates a credential-not-found error.
func CredentialNotFound(provider string) *EngineError {
	return &EngineError{Code: ErrCodeCredentialNotFound, Message: fmt.Sprintf("no credential for provider %q", provider)}
}

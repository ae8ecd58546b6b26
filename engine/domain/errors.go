package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors. Use errors.Is against these; the concrete types below add context.
var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMalformedResponse    = errors.New("malformed model response")
	ErrProvider             = errors.New("provider call failed")
	ErrNotFound             = errors.New("not found")

	ErrInvalidDocumentID = errors.New("invalid document id")
	ErrEmptyDocument     = errors.New("document has no pages")
	ErrEmptyQuestion     = errors.New("question is empty")
	ErrQuestionTooLong   = errors.New("question too long")
	ErrInvalidRole       = errors.New("invalid chat role")
)

// ConfigError reports an invalid chunking or batching parameter. It is fatal
// and never silently corrected.
type ConfigError struct {
	Param  string
	Value  int
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s=%d: %s", e.Param, e.Value, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfiguration }

// NewConfigError creates a ConfigError.
func NewConfigError(param string, value int, reason string) *ConfigError {
	return &ConfigError{Param: param, Value: value, Reason: reason}
}

// MalformedResponseError wraps an LLM response that failed JSON parsing or
// schema validation. Callers recover with a stage fallback; it is never retried.
type MalformedResponseError struct {
	Stage string
	Raw   string
	Err   error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response in %s: %v", e.Stage, e.Err)
}

func (e *MalformedResponseError) Unwrap() []error { return []error{ErrMalformedResponse, e.Err} }

// ProviderError wraps a failed call to an embedding, chat or vector provider.
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() []error { return []error{ErrProvider, e.Err} }

// NewProviderError creates a ProviderError.
func NewProviderError(provider, op string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Op: op, Err: err}
}

// ValidationError wraps a sentinel with the offending field.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

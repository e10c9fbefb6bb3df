// Package toolerrors provides structured error types for tool invocation
// failures. ToolError preserves error chains and supports errors.Is/As while
// classifying every failure into the taxonomy ToolDispatcher reports back to
// the model: validation, runtime, logical, aborted, exception.
package toolerrors

import (
	"errors"
	"fmt"
	"sync"
)

// Type classifies why a tool call failed. The classification determines
// Retryable and is carried on the result payload the model sees on its next
// turn.
type Type string

const (
	// Validation means the tool's input was rejected by its schema before
	// Exec ran. Never retryable: the same input will fail the same way.
	Validation Type = "validation"
	// Runtime means the tool ran and returned an expected error, such as
	// file-not-found. Retryable: the condition may no longer hold later.
	Runtime Type = "runtime"
	// Logical means the tool ran to completion and reported {ok: false}
	// itself. Retryable.
	Logical Type = "logical"
	// Aborted means the call was cancelled by timeout or interrupt().
	// Not retryable within the same turn.
	Aborted Type = "aborted"
	// Exception means the tool panicked or returned an unclassified error.
	// Retryable, since the failure may be transient.
	Exception Type = "exception"
)

// Retryable reports the default retryability for a Type, used when a
// ToolError does not set Retryable explicitly.
func (t Type) Retryable() bool {
	switch t {
	case Runtime, Logical, Exception:
		return true
	default:
		return false
	}
}

// ToolError represents a structured tool failure that preserves message and
// causal context while still implementing the standard error interface. Tool
// errors may be nested via Cause to retain rich diagnostics across retries
// and agent-as-tool hops.
type ToolError struct {
	// Message is the human-readable summary of the failure.
	Message string
	// ErrType classifies the failure; empty defaults to Exception.
	ErrType Type
	// Retryable overrides ErrType's default retryability when non-nil.
	Retryable *bool
	// Recommendations are short hints surfaced to the model alongside the
	// error, typically drawn from a per-tool-name lookup table.
	Recommendations []string
	// Cause links to the underlying tool error, enabling error chains with
	// errors.Is/As.
	Cause *ToolError
}

// New constructs a ToolError with the provided message, classified as
// Exception. Use when the failure does not wrap an underlying error but
// still requires structured reporting.
func New(message string) *ToolError {
	if message == "" {
		message = "tool error"
	}
	return &ToolError{Message: message, ErrType: Exception}
}

// NewTyped constructs a ToolError with an explicit Type.
func NewTyped(errType Type, message string) *ToolError {
	if message == "" {
		message = "tool error"
	}
	return &ToolError{Message: message, ErrType: errType}
}

// NewWithCause constructs a ToolError that wraps an underlying error. The
// cause is converted into a ToolError chain so error metadata survives
// serialization while still supporting errors.Is/As through Unwrap.
func NewWithCause(errType Type, message string, cause error) *ToolError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &ToolError{
		Message: message,
		ErrType: errType,
		Cause:   FromError(cause),
	}
}

// FromError converts an arbitrary error into a ToolError chain, classifying
// it as Exception unless it already carries a ToolError classification.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{
		Message: err.Error(),
		ErrType: Exception,
		Cause:   FromError(errors.Unwrap(err)),
	}
}

// Errorf formats according to a format specifier and returns the string as an
// Exception-classified ToolError.
func Errorf(format string, args ...any) *ToolError {
	return New(fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying tool error to support errors.Is/As.
func (e *ToolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Type returns the error's classification, defaulting to Exception when
// unset.
func (e *ToolError) Type() Type {
	if e == nil || e.ErrType == "" {
		return Exception
	}
	return e.ErrType
}

// IsRetryable reports whether the dispatcher should recommend retrying this
// call, honoring an explicit override before falling back to the
// classification's default.
func (e *ToolError) IsRetryable() bool {
	if e == nil {
		return false
	}
	if e.Retryable != nil {
		return *e.Retryable
	}
	return e.Type().Retryable()
}

// Recommend appends a recommendation, typically looked up by tool name, and
// returns the receiver for chaining.
func (e *ToolError) Recommend(hints ...string) *ToolError {
	e.Recommendations = append(e.Recommendations, hints...)
	return e
}

// recommendationTable holds per-tool-name hints keyed by failure type. The
// fallback key "" applies to every tool without its own entry.
var (
	recommendMu        sync.RWMutex
	recommendationTable = map[string]map[Type][]string{
		"": {
			Validation: {"Check the tool's input schema and correct the arguments before retrying."},
			Runtime:    {"The underlying condition may be transient; verify the referenced resource exists and retry."},
			Logical:    {"Read the error detail, adjust the request, and retry."},
			Aborted:    {"The call was cancelled; do not retry within this turn."},
			Exception:  {"An unexpected failure occurred; retry once and report if it persists."},
		},
	}
)

// RegisterRecommendations installs hints for toolName, replacing any prior
// entry. Embedders call this when registering tools whose failures have
// known, tool-specific fixes.
func RegisterRecommendations(toolName string, hints map[Type][]string) {
	recommendMu.Lock()
	defer recommendMu.Unlock()
	recommendationTable[toolName] = hints
}

// RecommendationsFor returns the hints for toolName and errType, falling
// back to the type-level defaults when the tool has no entry of its own.
func RecommendationsFor(toolName string, errType Type) []string {
	recommendMu.RLock()
	defer recommendMu.RUnlock()
	if hints, ok := recommendationTable[toolName]; ok {
		if out, ok := hints[errType]; ok {
			return append([]string(nil), out...)
		}
	}
	return append([]string(nil), recommendationTable[""][errType]...)
}

// Payload is the {ok: false, error, errorType, retryable, recommendations}
// shape ToolDispatcher writes back as a ToolResultBlock so the model sees a
// structured failure on its next turn.
type Payload struct {
	OK              bool     `json:"ok"`
	Error           string   `json:"error"`
	ErrorType       Type     `json:"errorType"`
	Retryable       bool     `json:"retryable"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// ToPayload renders e as the result payload sent back to the model. A nil
// receiver renders a generic exception payload so callers need not nil-check
// before calling it.
func (e *ToolError) ToPayload() Payload {
	if e == nil {
		return Payload{OK: false, Error: "unknown tool error", ErrorType: Exception, Retryable: true}
	}
	return Payload{
		OK:              false,
		Error:           e.Error(),
		ErrorType:       e.Type(),
		Retryable:       e.IsRetryable(),
		Recommendations: e.Recommendations,
	}
}

// Package result provides the uniform envelope returned by every provider
// and orchestrator operation.
package result

import (
	"encoding/json"
	"fmt"
	"strings"

	hderrors "github.com/devrev/hyperdrive/internal/errors"
	"github.com/devrev/hyperdrive/internal/model"
	"github.com/google/uuid"
)

// Envelope wraps the outcome of an operation. Value is only meaningful when
// HasValue is true; an error envelope never carries a value except for
// partial list results, which are flagged with IsWarning.
type Envelope[T any] struct {
	Value         T
	HasValue      bool
	IsError       bool
	IsWarning     bool
	Message       string
	InnerMessages []string
	Exception     error
	ProviderUsed  model.ProviderID

	warnings int
	errors   int
}

// Success wraps a value returned by provider
func Success[T any](value T, provider model.ProviderID) *Envelope[T] {
	return &Envelope[T]{
		Value:        value,
		HasValue:     true,
		ProviderUsed: provider,
	}
}

// Failure builds an error envelope with no value
func Failure[T any](message string, exception error) *Envelope[T] {
	return &Envelope[T]{
		IsError:   true,
		Message:   message,
		Exception: exception,
		errors:    1,
	}
}

// Failuref builds an error envelope with a formatted message
func Failuref[T any](exception error, format string, args ...any) *Envelope[T] {
	return Failure[T](fmt.Sprintf(format, args...), exception)
}

// NotFound builds the envelope providers return for a missing holon.
// version 0 means the latest version.
func NotFound[T any](holonID uuid.UUID, version int) *Envelope[T] {
	err := hderrors.HolonNotFound(holonID.String(), version)
	return Failure[T](err.Error(), err)
}

// SetValue stores a value and marks the envelope as carrying one
func (e *Envelope[T]) SetValue(value T) {
	e.Value = value
	e.HasValue = true
}

// ClearValue drops any value, restoring the zero value
func (e *Envelope[T]) ClearValue() {
	var zero T
	e.Value = zero
	e.HasValue = false
}

// AddInnerMessage appends an audit message without changing the outcome
func (e *Envelope[T]) AddInnerMessage(format string, args ...any) {
	e.InnerMessages = append(e.InnerMessages, fmt.Sprintf(format, args...))
}

// Warn flags the envelope as a warning and records the message
func (e *Envelope[T]) Warn(format string, args ...any) {
	e.IsWarning = true
	e.warnings++
	e.AddInnerMessage(format, args...)
}

// WarningCount returns the number of Warn calls
func (e *Envelope[T]) WarningCount() int {
	return e.warnings
}

// ErrorCount returns how many times the envelope was failed
func (e *Envelope[T]) ErrorCount() int {
	return e.errors
}

// Fail turns the envelope into an error envelope, dropping any value
func (e *Envelope[T]) Fail(message string, exception error) {
	e.IsError = true
	e.errors++
	e.Message = message
	if exception != nil {
		e.Exception = exception
	}
	e.ClearValue()
}

// Err returns nil on success, otherwise an error describing the failure
func (e *Envelope[T]) Err() error {
	if e == nil {
		return fmt.Errorf("nil result")
	}
	if !e.IsError {
		return nil
	}
	if e.Exception != nil {
		return fmt.Errorf("%s: %w", e.Message, e.Exception)
	}
	return fmt.Errorf("%s", e.Message)
}

// Reason returns the most specific failure description available
func (e *Envelope[T]) Reason() string {
	switch {
	case e == nil:
		return "nil result"
	case e.Message != "" && e.Exception != nil && !strings.Contains(e.Message, e.Exception.Error()):
		return fmt.Sprintf("%s: %v", e.Message, e.Exception)
	case e.Message != "":
		return e.Message
	case e.Exception != nil:
		return e.Exception.Error()
	default:
		return "unknown error"
	}
}

// Map converts an envelope to another value type, keeping every flag and
// message. fn is only called when the envelope carries a value.
func Map[T, U any](e *Envelope[T], fn func(T) U) *Envelope[U] {
	out := &Envelope[U]{
		IsError:       e.IsError,
		IsWarning:     e.IsWarning,
		Message:       e.Message,
		InnerMessages: append([]string(nil), e.InnerMessages...),
		Exception:     e.Exception,
		ProviderUsed:  e.ProviderUsed,
		warnings:      e.warnings,
		errors:        e.errors,
	}
	if e.HasValue {
		out.SetValue(fn(e.Value))
	}
	return out
}

type envelopeJSON[T any] struct {
	Result        *T               `json:"result"`
	IsError       bool             `json:"is_error"`
	IsWarning     bool             `json:"is_warning"`
	Message       string           `json:"message,omitempty"`
	InnerMessages []string         `json:"inner_messages,omitempty"`
	Exception     string           `json:"exception,omitempty"`
	ProviderUsed  model.ProviderID `json:"provider_used,omitempty"`
}

// MarshalJSON renders the envelope for HTTP clients
func (e *Envelope[T]) MarshalJSON() ([]byte, error) {
	out := envelopeJSON[T]{
		IsError:       e.IsError,
		IsWarning:     e.IsWarning,
		Message:       e.Message,
		InnerMessages: e.InnerMessages,
		ProviderUsed:  e.ProviderUsed,
	}
	if e.HasValue {
		v := e.Value
		out.Result = &v
	}
	if e.Exception != nil {
		out.Exception = e.Exception.Error()
	}
	return json.Marshal(out)
}

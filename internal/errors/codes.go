package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode identifies a class of failure
type ErrorCode string

const (
	// Caller errors
	ErrCodeValidation ErrorCode = "VALIDATION"
	ErrCodeNotFound   ErrorCode = "NOT_FOUND"

	// Provider errors, recovered by failover
	ErrCodeProvider ErrorCode = "PROVIDER"
	ErrCodeTimeout  ErrorCode = "TIMEOUT"

	// Surfaced to callers as an error envelope
	ErrCodeAggregateFailover ErrorCode = "AGGREGATE_FAILOVER"

	// Registry misuse
	ErrCodeDuplicateProvider ErrorCode = "DUPLICATE_PROVIDER"
	ErrCodeUnknownProvider   ErrorCode = "UNKNOWN_PROVIDER"
	ErrCodeNotActive         ErrorCode = "NOT_ACTIVE"

	ErrCodeInternal ErrorCode = "INTERNAL"
)

// HyperDriveError is a structured error with code and context
type HyperDriveError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *HyperDriveError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *HyperDriveError) Unwrap() error {
	return e.Cause
}

// Is matches any HyperDriveError carrying the same code, so sentinel
// comparisons like errors.Is(err, ErrNotActive) work across wrapping.
func (e *HyperDriveError) Is(target error) bool {
	t, ok := target.(*HyperDriveError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetail adds a detail to the error
func (e *HyperDriveError) WithDetail(key string, value interface{}) *HyperDriveError {
	e.Details[key] = value
	return e
}

// New creates a new HyperDriveError
func New(code ErrorCode, message string, cause error) *HyperDriveError {
	return &HyperDriveError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// Sentinels for errors.Is comparisons
var (
	ErrValidation        = &HyperDriveError{Code: ErrCodeValidation}
	ErrNotFound          = &HyperDriveError{Code: ErrCodeNotFound}
	ErrProvider          = &HyperDriveError{Code: ErrCodeProvider}
	ErrTimeout           = &HyperDriveError{Code: ErrCodeTimeout}
	ErrAggregateFailover = &HyperDriveError{Code: ErrCodeAggregateFailover}
	ErrDuplicateProvider = &HyperDriveError{Code: ErrCodeDuplicateProvider}
	ErrUnknownProvider   = &HyperDriveError{Code: ErrCodeUnknownProvider}
	ErrNotActive         = &HyperDriveError{Code: ErrCodeNotActive}
)

func Validation(field, reason string) *HyperDriveError {
	return New(ErrCodeValidation, fmt.Sprintf("invalid %s: %s", field, reason), nil).
		WithDetail("field", field).
		WithDetail("reason", reason)
}

func NotFound(what string) *HyperDriveError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", what), nil)
}

// HolonNotFound reports a missing holon; version 0 means the latest
func HolonNotFound(holonID string, version int) *HyperDriveError {
	what := "holon " + holonID
	if version != 0 {
		what = fmt.Sprintf("holon %s version %d", holonID, version)
	}
	return NotFound(what).WithDetail("holon_id", holonID)
}

func Provider(providerID, reason string, cause error) *HyperDriveError {
	return New(ErrCodeProvider, fmt.Sprintf("provider %s: %s", providerID, reason), cause).
		WithDetail("provider_id", providerID)
}

func Timeout(providerID string, budget time.Duration) *HyperDriveError {
	return New(ErrCodeTimeout, fmt.Sprintf("provider %s timed out after %v", providerID, budget), nil).
		WithDetail("provider_id", providerID).
		WithDetail("budget", budget)
}

func AggregateFailover(attempts int, cause error) *HyperDriveError {
	return New(ErrCodeAggregateFailover, "all providers failed", cause).
		WithDetail("attempts", attempts)
}

func DuplicateProvider(providerID string) *HyperDriveError {
	return New(ErrCodeDuplicateProvider, fmt.Sprintf("provider %s already registered with a different handle", providerID), nil).
		WithDetail("provider_id", providerID)
}

func UnknownProvider(providerID string) *HyperDriveError {
	return New(ErrCodeUnknownProvider, fmt.Sprintf("provider %s is not registered", providerID), nil).
		WithDetail("provider_id", providerID)
}

func NotActive(providerID string) *HyperDriveError {
	return New(ErrCodeNotActive, fmt.Sprintf("provider %s is not active", providerID), nil).
		WithDetail("provider_id", providerID)
}

func Internal(message string, cause error) *HyperDriveError {
	return New(ErrCodeInternal, message, cause)
}

// GetCode extracts the error code from an error chain
func GetCode(err error) ErrorCode {
	var he *HyperDriveError
	if errors.As(err, &he) {
		return he.Code
	}
	return ErrCodeInternal
}

// HTTPStatus maps an error code to the HTTP status used by the API
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeDuplicateProvider:
		return http.StatusConflict
	case ErrCodeUnknownProvider:
		return http.StatusNotFound
	case ErrCodeNotActive:
		return http.StatusConflict
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeProvider, ErrCodeAggregateFailover:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

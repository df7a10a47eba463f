// Package errors defines the closed set of error kinds surfaced by
// modelbridge components. Components raise these structured errors and the
// tool pipeline translates them into caller-safe messages at the boundary.
package errors

import (
	"errors"
	"fmt"
)

// Error types
const (
	// ErrConfig is returned for malformed configuration or invalid flag combinations
	ErrConfig = "config"

	// ErrMissingCredentials is returned when no credential source yields a usable credential
	ErrMissingCredentials = "missing_credentials"

	// ErrEmptyKeyFile is returned when an API key file exists but is empty after trimming
	ErrEmptyKeyFile = "empty_key_file"

	// ErrUnsupportedCredentialType is returned for unknown ADC credential file types
	ErrUnsupportedCredentialType = "unsupported_credential_type"

	// ErrTokenExchange is returned when a token endpoint rejects a refresh or assertion
	ErrTokenExchange = "token_exchange"

	// ErrRateLimitExceeded is returned when the sliding-window rate limit rejects an admission
	ErrRateLimitExceeded = "rate_limit_exceeded"

	// ErrBudgetExceeded is returned when the daily token budget is exhausted
	ErrBudgetExceeded = "budget_exceeded"

	// ErrBudgetApprovalRequired is returned when the budget is exhausted but an
	// operator-approved increment could lift today's ceiling
	ErrBudgetApprovalRequired = "budget_approval_required"

	// ErrAPIKeyFallbackPrompt is returned when OAuth failed and API-key fallback
	// is available but requires explicit operator approval
	ErrAPIKeyFallbackPrompt = "api_key_fallback_prompt"

	// ErrAPI is returned for non-2xx responses from the Gemini API
	ErrAPI = "api_error"

	// ErrCancelled is returned when the caller aborted the request
	ErrCancelled = "cancelled"

	// ErrInternal is returned for unexpected internal errors
	ErrInternal = "internal"
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error

	// Status is the upstream HTTP status code, for api_error kinds
	Status int

	// Detail carries structured numbers for budget errors
	// (increment, used, max).
	Detail map[string]int64
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewConfigError creates a new configuration error
func NewConfigError(message string, cause error) *Error {
	return NewError(ErrConfig, message, cause)
}

// NewMissingCredentialsError creates a new missing credentials error
func NewMissingCredentialsError(message string, cause error) *Error {
	return NewError(ErrMissingCredentials, message, cause)
}

// NewEmptyKeyFileError creates a new empty key file error
func NewEmptyKeyFileError(path string) *Error {
	return NewError(ErrEmptyKeyFile, fmt.Sprintf("API key file %s is empty", path), nil)
}

// NewUnsupportedCredentialTypeError creates a new unsupported credential type error
func NewUnsupportedCredentialTypeError(credType string) *Error {
	return NewError(ErrUnsupportedCredentialType, fmt.Sprintf("unsupported credential type %q", credType), nil)
}

// NewTokenExchangeError creates a new token exchange error
func NewTokenExchangeError(message string, cause error) *Error {
	return NewError(ErrTokenExchange, message, cause)
}

// NewRateLimitExceededError creates a new rate limit exceeded error
func NewRateLimitExceededError(maxPerMinute int) *Error {
	return NewError(ErrRateLimitExceeded, fmt.Sprintf("Rate limit exceeded (%d/minute).", maxPerMinute), nil)
}

// NewBudgetExceededError creates a new budget exceeded error
func NewBudgetExceededError(used, max int64) *Error {
	e := NewError(ErrBudgetExceeded, fmt.Sprintf("Daily token budget exceeded (%d/%d tokens used)", used, max), nil)
	e.Detail = map[string]int64{"used": used, "max": max}
	return e
}

// NewBudgetApprovalRequiredError creates a new budget approval required error
func NewBudgetApprovalRequiredError(increment, used, max int64) *Error {
	e := NewError(ErrBudgetApprovalRequired,
		fmt.Sprintf("Daily token budget exhausted (%d/%d tokens used); an approval of %d tokens is required", used, max, increment), nil)
	e.Detail = map[string]int64{"increment": increment, "used": used, "max": max}
	return e
}

// NewAPIKeyFallbackPromptError creates a new API key fallback prompt error
func NewAPIKeyFallbackPromptError(status int) *Error {
	e := NewError(ErrAPIKeyFallbackPrompt,
		fmt.Sprintf("OAuth request failed with status %d; API-key fallback is available but requires approval", status), nil)
	e.Status = status
	return e
}

// NewAPIError creates a new API error with the upstream status code
func NewAPIError(status int, message string, cause error) *Error {
	e := NewError(ErrAPI, message, cause)
	e.Status = status
	return e
}

// NewCancelledError creates a new cancelled error
func NewCancelledError(cause error) *Error {
	return NewError(ErrCancelled, "request cancelled", cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// TypeOf returns the type of a structured error, or ErrInternal for any
// other error value.
func TypeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrInternal
}

// As unwraps err into a structured *Error if possible.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// IsConfig checks if the error is a configuration error
func IsConfig(err error) bool {
	return TypeOf(err) == ErrConfig
}

// IsMissingCredentials checks if the error is a missing credentials error
func IsMissingCredentials(err error) bool {
	return TypeOf(err) == ErrMissingCredentials
}

// IsRateLimitExceeded checks if the error is a rate limit exceeded error
func IsRateLimitExceeded(err error) bool {
	return TypeOf(err) == ErrRateLimitExceeded
}

// IsBudgetExceeded checks if the error is a budget exceeded error
func IsBudgetExceeded(err error) bool {
	return TypeOf(err) == ErrBudgetExceeded
}

// IsBudgetApprovalRequired checks if the error is a budget approval required error
func IsBudgetApprovalRequired(err error) bool {
	return TypeOf(err) == ErrBudgetApprovalRequired
}

// IsAPIKeyFallbackPrompt checks if the error is an API key fallback prompt error
func IsAPIKeyFallbackPrompt(err error) bool {
	return TypeOf(err) == ErrAPIKeyFallbackPrompt
}

// IsAPI checks if the error is an upstream API error
func IsAPI(err error) bool {
	return TypeOf(err) == ErrAPI
}

// IsCancelled checks if the error is a cancellation error
func IsCancelled(err error) bool {
	return TypeOf(err) == ErrCancelled
}

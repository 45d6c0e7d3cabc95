package domain

import "fmt"

// Error codes classify failures for callers and for HTTP status mapping.
const (
	CodeConfiguration   = "configuration"
	CodeUnknownProvider = "unknown_provider"
	CodeTransient       = "transient"
	CodeValidation      = "validation"
	CodeStateConflict   = "state_conflict"
	CodeDeployLocked    = "deploy_locked"
	CodeBuildTimeout    = "build_timeout"
)

// Error is a typed error that can be surfaced to API clients without
// leaking provider-specific details.
type Error struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError constructs a typed error.
func NewError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// ConfigurationError marks fatal misconfiguration; never retried.
func ConfigurationError(message string, err error) *Error {
	return NewError(CodeConfiguration, message, err)
}

// UnknownProviderError marks a provider name that is not registered.
func UnknownProviderError(name string) *Error {
	return NewError(CodeUnknownProvider, fmt.Sprintf("provider %q is not registered", name), nil)
}

// TransientProviderError marks a network/5xx condition worth retrying at
// the adapter boundary.
func TransientProviderError(message string, err error) *Error {
	return NewError(CodeTransient, message, err)
}

// ValidationError marks a bad signature or malformed payload; rejected
// immediately, never retried.
func ValidationError(message string, err error) *Error {
	return NewError(CodeValidation, message, err)
}

// StateConflictError marks an operation invalid for the entity's current
// state, such as cancelling a terminal build.
func StateConflictError(message string) *Error {
	return NewError(CodeStateConflict, message, nil)
}

// DeployLockedError marks a project under a deploy lock.
func DeployLockedError(reason string) *Error {
	if reason == "" {
		reason = "project is locked for deployments"
	}
	return NewError(CodeDeployLocked, reason, nil)
}

// BuildTimeoutError marks a build that exceeded its wall-clock budget.
func BuildTimeoutError(buildID string) *Error {
	return NewError(CodeBuildTimeout, fmt.Sprintf("build %s did not finish in time", buildID), nil)
}

// HasCode reports whether err is a typed error with the given code.
func HasCode(err error, code string) bool {
	for err != nil {
		if typed, ok := err.(*Error); ok {
			return typed.Code == code
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// IsTransient reports whether err should be retried at the adapter boundary.
func IsTransient(err error) bool { return HasCode(err, CodeTransient) }

// IsStateConflict reports whether err is a state-conflict rejection.
func IsStateConflict(err error) bool { return HasCode(err, CodeStateConflict) }

// IsValidation reports whether err is a validation rejection.
func IsValidation(err error) bool { return HasCode(err, CodeValidation) }

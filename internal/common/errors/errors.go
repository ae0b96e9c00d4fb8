// Package errors provides the runner's error taxonomy.
package errors

import (
	"errors"
	"fmt"
)

// Error codes as constants
const (
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConfig        = "CONFIG"
	ErrCodeCredential    = "CREDENTIAL"
	ErrCodeGit           = "GIT"
	ErrCodeAgent         = "AGENT"
	ErrCodeMRCreation    = "MR_CREATION"
	ErrCodePoisonMessage = "POISON_MESSAGE"
	ErrCodeInternal      = "INTERNAL"
)

// AppError represents a runner error with a stable code.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s with id '%s' not found", resource, id),
	}
}

// Config creates a new configuration error. These are fatal at startup.
func Config(message string) *AppError {
	return &AppError{
		Code:    ErrCodeConfig,
		Message: message,
	}
}

// Credential creates a new credential error (decrypt or lookup failure).
func Credential(message string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeCredential,
		Message: message,
		Err:     err,
	}
}

// Git wraps a git driver failure.
func Git(message string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeGit,
		Message: message,
		Err:     err,
	}
}

// Agent wraps an AI agent execution failure.
func Agent(message string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeAgent,
		Message: message,
		Err:     err,
	}
}

// MRCreation wraps a merge-request API failure.
func MRCreation(message string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeMRCreation,
		Message: message,
		Err:     err,
	}
}

// PoisonMessage marks a stream message that cannot be parsed. Dispatchers
// acknowledge and drop these instead of retrying.
func PoisonMessage(message string) *AppError {
	return &AppError{
		Code:    ErrCodePoisonMessage,
		Message: message,
	}
}

// Internal creates a new internal error with a wrapped underlying error.
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeInternal,
		Message: message,
		Err:     err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:    appErr.Code,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Err:     err,
		}
	}

	return &AppError{
		Code:    ErrCodeInternal,
		Message: message,
		Err:     err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsCredential checks if the error is a credential error.
func IsCredential(err error) bool {
	return hasCode(err, ErrCodeCredential)
}

// IsPoisonMessage checks if the error marks an unparseable message.
func IsPoisonMessage(err error) bool {
	return hasCode(err, ErrCodePoisonMessage)
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

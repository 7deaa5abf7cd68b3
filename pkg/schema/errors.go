package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeInvalidKeyFormat = "INVALID_KEY_FORMAT"
	ErrCodeAuthFailure      = "AUTHENTICATION_FAILURE"
	ErrCodeVaultLoad        = "VAULT_LOAD_FAILURE"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeStore            = "STORE_ERROR"
	ErrCodeExecution        = "EXECUTION_ERROR"
)

// VaultError is the structured error type for all vault operations.
type VaultError struct {
	Code         string         `json:"code"`
	Message      string         `json:"message"`
	Details      map[string]any `json:"details,omitempty"`
	CredentialID string         `json:"credential_id,omitempty"`
	Cause        error          `json:"-"`
}

func (e *VaultError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.CredentialID != "" {
		msg = fmt.Sprintf("[%s] credential %s: %s", e.Code, e.CredentialID, e.Message)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *VaultError) Unwrap() error {
	return e.Cause
}

// NewError creates a new VaultError.
func NewError(code, message string) *VaultError {
	return &VaultError{Code: code, Message: message}
}

// NewErrorf creates a new VaultError with a formatted message.
func NewErrorf(code, format string, args ...any) *VaultError {
	return &VaultError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCredential attaches a credential ID to the error.
func (e *VaultError) WithCredential(id string) *VaultError {
	e.CredentialID = id
	return e
}

// WithCause attaches an underlying cause.
func (e *VaultError) WithCause(err error) *VaultError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *VaultError) WithDetails(details map[string]any) *VaultError {
	e.Details = details
	return e
}

// IsCode reports whether any VaultError in err's chain carries code.
func IsCode(err error, code string) bool {
	for err != nil {
		var ve *VaultError
		if !errors.As(err, &ve) {
			return false
		}
		if ve.Code == code {
			return true
		}
		err = ve.Cause
	}
	return false
}

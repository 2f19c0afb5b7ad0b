// Package services holds the shared error taxonomy for the control plane.
package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeUnauthenticated   ErrorType = "unauthenticated"
	ErrorTypeForbidden         ErrorType = "forbidden"
	ErrorTypeLimitExceeded     ErrorType = "limit_exceeded"
	ErrorTypeInvalidEnvelope   ErrorType = "invalid_envelope"
	ErrorTypeDuplicateAgent    ErrorType = "duplicate_agent"
	ErrorTypeNotFound          ErrorType = "not_found"
	ErrorTypeInvalidTransition ErrorType = "invalid_transition"
	ErrorTypeValidation        ErrorType = "validation"
	ErrorTypeUnavailable       ErrorType = "unavailable"
	ErrorTypeInternal          ErrorType = "internal"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Domain error variables

var (
	// Authentication
	ErrUnauthenticated = NewDomainError(ErrorTypeUnauthenticated, "missing or invalid credential", nil)
	ErrTokenExpired    = NewDomainError(ErrorTypeUnauthenticated, "credential expired", nil)

	// Authorization
	ErrForbidden      = NewDomainError(ErrorTypeForbidden, "access forbidden", nil)
	ErrTenantMismatch = NewDomainError(ErrorTypeForbidden, "tenant mismatch", nil)
	ErrLimitExceeded  = NewDomainError(ErrorTypeLimitExceeded, "usage limit exceeded", nil)

	// Event bus
	ErrInvalidEnvelope = NewDomainError(ErrorTypeInvalidEnvelope, "invalid event envelope", nil)

	// Agent registry
	ErrDuplicateAgent = NewDomainError(ErrorTypeDuplicateAgent, "agent already registered", nil)
	ErrAgentNotFound  = NewDomainError(ErrorTypeNotFound, "agent not found", nil)

	// Workflow orchestration
	ErrWorkflowNotFound   = NewDomainError(ErrorTypeNotFound, "workflow instance not found", nil)
	ErrDefinitionNotFound = NewDomainError(ErrorTypeNotFound, "workflow definition not found", nil)
	ErrPolicyNotFound     = NewDomainError(ErrorTypeNotFound, "permission policy not found", nil)
	ErrInvalidTransition  = NewDomainError(ErrorTypeInvalidTransition, "invalid workflow transition", nil)

	// Validation
	ErrInvalidInput = NewDomainError(ErrorTypeValidation, "invalid input", nil)

	// Backing stores
	ErrUnavailable = NewDomainError(ErrorTypeUnavailable, "backing store unavailable", nil)
	ErrInternal    = NewDomainError(ErrorTypeInternal, "internal error", nil)
)

// Error type checking helper functions

// IsUnauthenticatedError checks if an error is an authentication error
func IsUnauthenticatedError(err error) bool {
	return GetErrorType(err) == ErrorTypeUnauthenticated
}

// IsForbiddenError checks if an error is an authorization error
func IsForbiddenError(err error) bool {
	return GetErrorType(err) == ErrorTypeForbidden
}

// IsLimitExceededError checks if an error is a limit error
func IsLimitExceededError(err error) bool {
	return GetErrorType(err) == ErrorTypeLimitExceeded
}

// IsInvalidEnvelopeError checks if an error is an envelope validation error
func IsInvalidEnvelopeError(err error) bool {
	return GetErrorType(err) == ErrorTypeInvalidEnvelope
}

// IsDuplicateAgentError checks if an error is a duplicate registration error
func IsDuplicateAgentError(err error) bool {
	return GetErrorType(err) == ErrorTypeDuplicateAgent
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return GetErrorType(err) == ErrorTypeNotFound
}

// IsInvalidTransitionError checks if an error is a state machine violation
func IsInvalidTransitionError(err error) bool {
	return GetErrorType(err) == ErrorTypeInvalidTransition
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return GetErrorType(err) == ErrorTypeValidation
}

// IsUnavailableError checks if an error is a transient backing-store error
func IsUnavailableError(err error) bool {
	return GetErrorType(err) == ErrorTypeUnavailable
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapUnavailable wraps an error as a transient backing-store error
func WrapUnavailable(message string, err error) error {
	return NewDomainError(ErrorTypeUnavailable, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}

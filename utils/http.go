package utils

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/upb/agent-control-plane/services"
)

// ErrorResponse represents a structured error response
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// SuccessResponse represents a generic success response
type SuccessResponse struct {
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return nil
	}

	return json.NewEncoder(w).Encode(data)
}

// WriteOK writes a 200 OK response with optional data
func WriteOK(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, SuccessResponse{Data: data})
}

// WriteCreated writes a 201 Created response with optional data
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, SuccessResponse{Data: data})
}

// WriteAccepted writes a 202 Accepted response with optional data
func WriteAccepted(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusAccepted, SuccessResponse{Data: data})
}

// WriteNoContent writes a 204 No Content response
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// WriteBadRequest writes a 400 Bad Request response with error details
func WriteBadRequest(w http.ResponseWriter, message string, details map[string]interface{}) error {
	return WriteJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:   "bad_request",
		Message: message,
		Details: details,
	})
}

// WriteUnauthorized writes a 401 Unauthorized response
func WriteUnauthorized(w http.ResponseWriter, message string) error {
	if message == "" {
		message = "Authentication required"
	}
	return WriteJSON(w, http.StatusUnauthorized, ErrorResponse{
		Error:   "unauthorized",
		Message: message,
	})
}

// WriteForbidden writes a 403 Forbidden response
func WriteForbidden(w http.ResponseWriter, message string) error {
	if message == "" {
		message = "Access forbidden"
	}
	return WriteJSON(w, http.StatusForbidden, ErrorResponse{
		Error:   "forbidden",
		Message: message,
	})
}

// WriteNotFound writes a 404 Not Found response
func WriteNotFound(w http.ResponseWriter, message string) error {
	if message == "" {
		message = "Resource not found"
	}
	return WriteJSON(w, http.StatusNotFound, ErrorResponse{
		Error:   "not_found",
		Message: message,
	})
}

// WriteConflict writes a 409 Conflict response
func WriteConflict(w http.ResponseWriter, message string, details map[string]interface{}) error {
	return WriteJSON(w, http.StatusConflict, ErrorResponse{
		Error:   "conflict",
		Message: message,
		Details: details,
	})
}

// WriteServiceUnavailable writes a 503 Service Unavailable response
func WriteServiceUnavailable(w http.ResponseWriter, message string) error {
	if message == "" {
		message = "Service temporarily unavailable"
	}
	return WriteJSON(w, http.StatusServiceUnavailable, ErrorResponse{
		Error:   "unavailable",
		Message: message,
	})
}

// WriteInternalServerError writes a 500 Internal Server Error response
func WriteInternalServerError(w http.ResponseWriter, message string) error {
	if message == "" {
		message = "Internal server error"
	}
	return WriteJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: message,
	})
}

// WriteDomainError maps a domain error to its HTTP status and writes the
// response. Limit-exceeded is an authorization refusal, not throttling
// feedback, so it maps to 403 rather than 429.
func WriteDomainError(w http.ResponseWriter, err error) error {
	errType := services.GetErrorType(err)
	status := statusForErrorType(errType)

	var message string
	var details map[string]interface{}
	var domainErr *services.DomainError
	if errors.As(err, &domainErr) {
		message = domainErr.Message
		if len(domainErr.Details) > 0 {
			details = domainErr.Details
		}
	} else {
		message = err.Error()
	}
	if status == http.StatusInternalServerError {
		// Never leak internals to callers.
		message = "Internal server error"
		details = nil
	}

	return WriteJSON(w, status, ErrorResponse{
		Error:   string(errType),
		Message: message,
		Details: details,
	})
}

func statusForErrorType(errType services.ErrorType) int {
	switch errType {
	case services.ErrorTypeUnauthenticated:
		return http.StatusUnauthorized
	case services.ErrorTypeForbidden, services.ErrorTypeLimitExceeded:
		return http.StatusForbidden
	case services.ErrorTypeInvalidEnvelope, services.ErrorTypeValidation:
		return http.StatusBadRequest
	case services.ErrorTypeNotFound:
		return http.StatusNotFound
	case services.ErrorTypeDuplicateAgent, services.ErrorTypeInvalidTransition:
		return http.StatusConflict
	case services.ErrorTypeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

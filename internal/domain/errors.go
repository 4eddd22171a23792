// Package domain provides canonical types and error types for the gateway.
package domain

import (
	"fmt"
	"net/http"
)

// ErrorType represents the category of an API error.
type ErrorType string

const (
	// ErrorTypeInvalidRequest indicates a malformed or invalid request.
	ErrorTypeInvalidRequest ErrorType = "invalid_request"

	// ErrorTypeAuthentication indicates an authentication failure.
	ErrorTypeAuthentication ErrorType = "authentication"

	// ErrorTypePermission indicates a permission/authorization failure.
	ErrorTypePermission ErrorType = "permission"

	// ErrorTypeNotFound indicates a resource was not found.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeRateLimit indicates rate limiting was triggered.
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeOverloaded indicates the service is overloaded.
	ErrorTypeOverloaded ErrorType = "overloaded"

	// ErrorTypeTimeout indicates the upstream did not answer in time.
	ErrorTypeTimeout ErrorType = "timeout"

	// ErrorTypeUpstream indicates the upstream rejected or broke the exchange.
	ErrorTypeUpstream ErrorType = "upstream"

	// ErrorTypeServer indicates an internal server error.
	ErrorTypeServer ErrorType = "server"
)

// ErrorCode provides additional specificity beyond the error type.
type ErrorCode string

const (
	ErrorCodeNoCredentialAvailable ErrorCode = "no_credential_available"
	ErrorCodeRateLimitExceeded     ErrorCode = "rate_limit_exceeded"
	ErrorCodeInvalidAPIKey         ErrorCode = "invalid_api_key"
	ErrorCodeUpstreamAuth          ErrorCode = "upstream_auth_failed"
	ErrorCodeUpstreamBlocked       ErrorCode = "upstream_blocked"
	ErrorCodeUpstreamStatus        ErrorCode = "upstream_status"
	ErrorCodeFirstByteTimeout      ErrorCode = "first_byte_timeout"
	ErrorCodeChunkTimeout          ErrorCode = "chunk_timeout"
	ErrorCodeTotalTimeout          ErrorCode = "total_timeout"
	ErrorCodeMalformedChunk        ErrorCode = "malformed_upstream_chunk"
	ErrorCodeAdmissionRejected     ErrorCode = "too_many_requests"
)

// APIError represents a canonical API error that the pipeline produces and
// the front doors render in their dialect.
type APIError struct {
	// Type is the stable category of error
	Type ErrorType `json:"type"`

	// Code is an optional specific error code
	Code ErrorCode `json:"code,omitempty"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// Param is the parameter that caused the error (if applicable)
	Param string `json:"param,omitempty"`

	// StatusCode is the suggested HTTP status code
	StatusCode int `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypePermission:
		return http.StatusForbidden
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeOverloaded:
		return http.StatusServiceUnavailable
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case ErrorTypeUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewAPIError creates a new API error.
func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{
		Type:    errType,
		Message: message,
	}
}

// WithCode adds an error code to the error.
func (e *APIError) WithCode(code ErrorCode) *APIError {
	e.Code = code
	return e
}

// WithParam adds a parameter name to the error.
func (e *APIError) WithParam(param string) *APIError {
	e.Param = param
	return e
}

// WithStatusCode sets a specific HTTP status code.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

// Convenience constructors for common errors

// ErrInvalidRequest creates an invalid request error.
func ErrInvalidRequest(message string) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, message)
}

// ErrAuthentication creates an authentication error.
func ErrAuthentication(message string) *APIError {
	return NewAPIError(ErrorTypeAuthentication, message).
		WithCode(ErrorCodeInvalidAPIKey)
}

// ErrNotFound creates a not found error.
func ErrNotFound(message string) *APIError {
	return NewAPIError(ErrorTypeNotFound, message)
}

// ErrOverloaded creates an overloaded error.
func ErrOverloaded(message string) *APIError {
	return NewAPIError(ErrorTypeOverloaded, message)
}

// ErrServer creates a server error.
func ErrServer(message string) *APIError {
	return NewAPIError(ErrorTypeServer, message)
}

// ErrNoCredentialAvailable is returned when the pool has no usable credential.
func ErrNoCredentialAvailable(message string) *APIError {
	return NewAPIError(ErrorTypeOverloaded, message).
		WithCode(ErrorCodeNoCredentialAvailable)
}

// ErrUpstreamRetryable is surfaced once retries for auth or rate-limit
// failures are exhausted.
func ErrUpstreamRetryable(status int, message string) *APIError {
	if status == http.StatusTooManyRequests {
		return NewAPIError(ErrorTypeRateLimit, message).
			WithCode(ErrorCodeRateLimitExceeded)
	}
	if status == http.StatusUnauthorized {
		return NewAPIError(ErrorTypeUpstream, message).
			WithCode(ErrorCodeUpstreamAuth)
	}
	return NewAPIError(ErrorTypeUpstream, message).
		WithCode(ErrorCodeUpstreamStatus)
}

// ErrUpstreamNonRetryable is surfaced immediately. Client errors keep their
// status so callers can tell a bad request from a broken upstream.
func ErrUpstreamNonRetryable(status int, message string) *APIError {
	e := NewAPIError(ErrorTypeUpstream, message).WithCode(ErrorCodeUpstreamStatus)
	switch {
	case status == http.StatusForbidden:
		e.Code = ErrorCodeUpstreamBlocked
	case status == http.StatusBadRequest || status == http.StatusNotFound:
		e.Type = ErrorTypeInvalidRequest
		e.StatusCode = status
	}
	return e
}

// ErrUpstreamTimeout creates a gateway-timeout error for the given phase.
func ErrUpstreamTimeout(code ErrorCode, message string) *APIError {
	return NewAPIError(ErrorTypeTimeout, message).WithCode(code)
}

// ErrMalformedChunk terminates a stream that can no longer be decoded.
func ErrMalformedChunk(message string) *APIError {
	return NewAPIError(ErrorTypeUpstream, message).
		WithCode(ErrorCodeMalformedChunk)
}

package codec

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tjfontaine/grok-gateway/internal/domain"
)

// ErrorResponse represents a generic error response that can be serialized
// to different API formats.
type ErrorResponse struct {
	StatusCode int
	Body       []byte
}

// ErrorFormatter formats domain errors for a specific dialect.
type ErrorFormatter interface {
	// FormatError converts a domain error to a dialect error response.
	FormatError(err error) *ErrorResponse
}

// ToCanonicalError converts any error to a domain.APIError.
// If the error is already a domain.APIError, it returns it directly.
// Otherwise, it wraps the error in a generic server error.
func ToCanonicalError(err error) *domain.APIError {
	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return domain.ErrServer(err.Error())
}

// OpenAIErrorFormatter renders {"error":{"message","type","code"}}.
type OpenAIErrorFormatter struct{}

// FormatError formats a domain error as a chat-completions error response.
func (OpenAIErrorFormatter) FormatError(err error) *ErrorResponse {
	apiErr := ToCanonicalError(err)

	errObj := map[string]any{
		"message": apiErr.Message,
		"type":    openAIErrorType(apiErr.Type),
	}
	if apiErr.Code != "" {
		errObj["code"] = string(apiErr.Code)
	}
	if apiErr.Param != "" {
		errObj["param"] = apiErr.Param
	}

	body, _ := json.Marshal(map[string]any{"error": errObj})
	return &ErrorResponse{StatusCode: apiErr.HTTPStatusCode(), Body: body}
}

func openAIErrorType(t domain.ErrorType) string {
	switch t {
	case domain.ErrorTypeInvalidRequest:
		return "invalid_request_error"
	case domain.ErrorTypeAuthentication:
		return "authentication_error"
	case domain.ErrorTypePermission:
		return "permission_denied"
	case domain.ErrorTypeNotFound:
		return "not_found"
	case domain.ErrorTypeRateLimit:
		return "rate_limit_error"
	case domain.ErrorTypeOverloaded:
		return "service_unavailable"
	case domain.ErrorTypeTimeout:
		return "timeout_error"
	case domain.ErrorTypeUpstream:
		return "upstream_error"
	default:
		return "server_error"
	}
}

// AnthropicErrorFormatter renders {"type":"error","error":{"type","message"}}.
type AnthropicErrorFormatter struct{}

// FormatError formats a domain error as a messages error response.
func (AnthropicErrorFormatter) FormatError(err error) *ErrorResponse {
	apiErr := ToCanonicalError(err)

	body, _ := json.Marshal(map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    anthropicErrorType(apiErr.Type),
			"message": apiErr.Message,
		},
	})
	return &ErrorResponse{StatusCode: apiErr.HTTPStatusCode(), Body: body}
}

func anthropicErrorType(t domain.ErrorType) string {
	switch t {
	case domain.ErrorTypeInvalidRequest:
		return "invalid_request_error"
	case domain.ErrorTypeAuthentication:
		return "authentication_error"
	case domain.ErrorTypePermission:
		return "permission_error"
	case domain.ErrorTypeNotFound:
		return "not_found_error"
	case domain.ErrorTypeRateLimit:
		return "rate_limit_error"
	case domain.ErrorTypeOverloaded:
		return "overloaded_error"
	case domain.ErrorTypeTimeout:
		return "timeout_error"
	default:
		return "api_error"
	}
}

// WriteError writes an error response using the given formatter.
func WriteError(w http.ResponseWriter, err error, f ErrorFormatter) {
	resp := f.FormatError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

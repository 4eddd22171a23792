package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/tjfontaine/grok-gateway/internal/codec"
	"github.com/tjfontaine/grok-gateway/internal/domain"
)

// ErrorFormatterFor picks the error shape callers of path expect: the
// messages dialect under /v1/messages, the chat-completions shape
// everywhere else.
func ErrorFormatterFor(r *http.Request) codec.ErrorFormatter {
	if strings.HasPrefix(r.URL.Path, "/v1/messages") {
		return codec.AnthropicErrorFormatter{}
	}
	return codec.OpenAIErrorFormatter{}
}

// APIKey extracts the caller's key from "Authorization: Bearer <key>" or
// the x-api-key header.
func APIKey(r *http.Request) string {
	if v := r.Header.Get("x-api-key"); v != "" {
		return v
	}
	v := r.Header.Get("Authorization")
	if len(v) > 7 && strings.EqualFold(v[:7], "Bearer ") {
		return strings.TrimSpace(v[7:])
	}
	return ""
}

// AuthMiddleware rejects requests that do not present key. An empty key
// disables the check.
func AuthMiddleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := APIKey(r)
			if got == "" {
				codec.WriteError(w, domain.ErrAuthentication("missing API key").WithCode(domain.ErrorCodeInvalidAPIKey), ErrorFormatterFor(r))
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				codec.WriteError(w, domain.ErrAuthentication("invalid API key").WithCode(domain.ErrorCodeInvalidAPIKey), ErrorFormatterFor(r))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AdminMiddleware guards the administration API. Without an admin key the
// API is closed rather than open.
func AdminMiddleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				codec.WriteError(w, domain.ErrNotFound("admin API is disabled"), codec.OpenAIErrorFormatter{})
				return
			}
			if subtle.ConstantTimeCompare([]byte(APIKey(r)), []byte(key)) != 1 {
				codec.WriteError(w, domain.ErrAuthentication("invalid admin key").WithCode(domain.ErrorCodeInvalidAPIKey), codec.OpenAIErrorFormatter{})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

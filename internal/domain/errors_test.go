package domain

import (
	"net/http"
	"testing"
	"time"
)

func TestAPIError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		expected string
	}{
		{
			name:     "error with type and message",
			err:      &APIError{Type: ErrorTypeInvalidRequest, Message: "bad request"},
			expected: "invalid_request: bad request",
		},
		{
			name:     "error with type, code, and message",
			err:      ErrNoCredentialAvailable("pool exhausted"),
			expected: "overloaded (no_credential_available): pool exhausted",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestAPIError_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		expected int
	}{
		{"invalid request", ErrInvalidRequest("x"), http.StatusBadRequest},
		{"authentication", ErrAuthentication("x"), http.StatusUnauthorized},
		{"no credential", ErrNoCredentialAvailable("x"), http.StatusServiceUnavailable},
		{"timeout", ErrUpstreamTimeout(ErrorCodeFirstByteTimeout, "x"), http.StatusGatewayTimeout},
		{"rate limited upstream", ErrUpstreamRetryable(http.StatusTooManyRequests, "x"), http.StatusTooManyRequests},
		{"auth upstream", ErrUpstreamRetryable(http.StatusUnauthorized, "x"), http.StatusBadGateway},
		{"blocked upstream", ErrUpstreamNonRetryable(http.StatusForbidden, "x"), http.StatusBadGateway},
		{"bad request upstream", ErrUpstreamNonRetryable(http.StatusBadRequest, "x"), http.StatusBadRequest},
		{"malformed chunk", ErrMalformedChunk("x"), http.StatusBadGateway},
		{"explicit status wins", ErrServer("x").WithStatusCode(http.StatusTeapot), http.StatusTeapot},
		{"unknown type", &APIError{Type: "mystery"}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.HTTPStatusCode(); got != tt.expected {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestParseTier(t *testing.T) {
	tests := []struct {
		in      string
		want    Tier
		wantErr bool
	}{
		{"basic", TierBasic, false},
		{"ssoNormal", TierBasic, false},
		{"super", TierSuper, false},
		{"ssoSuper", TierSuper, false},
		{"gold", "", true},
	}

	for _, tt := range tests {
		got, err := ParseTier(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseTier(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseTier(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCredentialHasTags(t *testing.T) {
	c := &Credential{ID: "c1", Tags: []string{"video", "eu"}, CreatedAt: time.Now()}

	if !c.HasTags(nil) {
		t.Error("no required tags should always match")
	}
	if !c.HasTags([]string{"eu"}) {
		t.Error("expected eu tag to match")
	}
	if c.HasTags([]string{"eu", "us"}) {
		t.Error("missing tag us should not match")
	}
}

func TestMessageText(t *testing.T) {
	m := Message{Role: "user", Parts: []ContentPart{
		{Type: ContentTypeText, Text: "look at "},
		{Type: ContentTypeImage, ImageURL: "https://example.com/a.png"},
		{Type: ContentTypeText, Text: "this"},
	}}

	if got := m.Text(); got != "look at this" {
		t.Errorf("Text() = %q", got)
	}
	if got := m.Images(); len(got) != 1 || got[0] != "https://example.com/a.png" {
		t.Errorf("Images() = %v", got)
	}
}

package domain

import (
	"fmt"
	"time"
)

// Tier is a credential class with its own quota ceiling.
type Tier string

const (
	// TierAny matches every tier when used as a selection constraint.
	TierAny   Tier = ""
	TierBasic Tier = "basic"
	TierSuper Tier = "super"
)

// ParseTier accepts the canonical names plus the provider's cookie names.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "basic", "ssoNormal", "normal":
		return TierBasic, nil
	case "super", "ssoSuper":
		return TierSuper, nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// CredentialStatus is the health state of a credential.
type CredentialStatus string

const (
	StatusActive      CredentialStatus = "active"
	StatusCoolingDown CredentialStatus = "cooling_down"
	StatusInvalid     CredentialStatus = "invalid"
)

// Credential is an upstream authentication unit with a bounded call quota.
type Credential struct {
	ID    string `json:"id"`
	Token string `json:"-"`
	Tier  Tier   `json:"tier"`

	// MaxCalls and Window override the tier defaults when non-zero.
	MaxCalls int           `json:"max_calls,omitempty"`
	Window   time.Duration `json:"window,omitempty"`

	Usage       int       `json:"usage"`
	WindowStart time.Time `json:"window_start"`

	Status       CredentialStatus `json:"status"`
	CoolingUntil time.Time        `json:"cooling_until,omitempty"`
	Failures     int              `json:"failures"`
	LastError    string           `json:"last_error,omitempty"`

	Tags []string `json:"tags,omitempty"`
	Note string   `json:"note,omitempty"`

	LastTestedAt   time.Time `json:"last_tested_at,omitempty"`
	LastTestResult string    `json:"last_test_result,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasTags reports whether the credential carries every required tag.
func (c *Credential) HasTags(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range c.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// OutcomeKind classifies how an upstream exchange ended for a credential.
type OutcomeKind string

const (
	OutcomeSuccess          OutcomeKind = "success"
	OutcomeRetryable        OutcomeKind = "retryable_upstream_error"
	OutcomeFatalAuth        OutcomeKind = "fatal_auth_error"
	OutcomeFatalRateLimited OutcomeKind = "fatal_rate_limited"
	// OutcomeCanceled releases a reservation without crediting usage.
	OutcomeCanceled OutcomeKind = "canceled"
)

// Outcome is reported to the scheduler after each attempt.
type Outcome struct {
	Kind OutcomeKind
	// Code is the upstream HTTP status, when one was received.
	Code    int
	Message string
}

// TestResult is the verdict of a credential probe.
type TestResult string

const (
	TestHealthy   TestResult = "healthy"
	TestUnhealthy TestResult = "unhealthy"
)

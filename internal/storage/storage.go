// Package storage defines the persistence contracts the gateway core consumes.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/tjfontaine/grok-gateway/internal/domain"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("storage: not found")

// CredentialFilter narrows ListCredentials. Zero values match everything.
type CredentialFilter struct {
	Tier   domain.Tier
	Status domain.CredentialStatus
	Tag    string
}

// Matches reports whether c passes the filter.
func (f CredentialFilter) Matches(c *domain.Credential) bool {
	if f.Tier != "" && c.Tier != f.Tier {
		return false
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if f.Tag != "" && !c.HasTags([]string{f.Tag}) {
		return false
	}
	return true
}

// CredentialState is the mutable health portion of a credential, written
// back by the usage flusher.
type CredentialState struct {
	Status         domain.CredentialStatus
	CoolingUntil   time.Time
	Failures       int
	LastError      string
	LastTestedAt   time.Time
	LastTestResult string
}

// CredentialStore persists credential records and usage counters.
type CredentialStore interface {
	// CreateCredential inserts a new credential.
	CreateCredential(ctx context.Context, c *domain.Credential) error

	// GetCredential retrieves a credential by ID.
	GetCredential(ctx context.Context, id string) (*domain.Credential, error)

	// ListCredentials lists credentials matching the filter.
	ListCredentials(ctx context.Context, filter CredentialFilter) ([]*domain.Credential, error)

	// UpdateState overwrites the health fields of a credential.
	UpdateState(ctx context.Context, id string, state CredentialState) error

	// IncrementUsage atomically adds delta to the usage counter. When the
	// stored window start differs from windowStart the counter restarts at
	// delta under the new window.
	IncrementUsage(ctx context.Context, id string, delta int, windowStart time.Time) error

	// DeleteCredential removes a credential.
	DeleteCredential(ctx context.Context, id string) error

	// Close closes the storage connection
	Close() error
}

// ArtifactIndex persists the media cache index.
type ArtifactIndex interface {
	// PutArtifact inserts or replaces an index entry.
	PutArtifact(ctx context.Context, a *domain.Artifact) error

	// DeleteArtifact removes an index entry.
	DeleteArtifact(ctx context.Context, kind domain.MediaKind, key string) error

	// ListArtifacts lists entries of one kind, or all kinds when kind is empty.
	ListArtifacts(ctx context.Context, kind domain.MediaKind) ([]*domain.Artifact, error)
}

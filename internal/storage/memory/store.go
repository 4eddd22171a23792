package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/tjfontaine/grok-gateway/internal/domain"
	"github.com/tjfontaine/grok-gateway/internal/storage"
)

// Store is an in-memory implementation of CredentialStore and ArtifactIndex
type Store struct {
	mu          sync.RWMutex
	credentials map[string]*domain.Credential
	artifacts   map[artifactKey]*domain.Artifact
}

type artifactKey struct {
	kind domain.MediaKind
	key  string
}

var (
	_ storage.CredentialStore = (*Store)(nil)
	_ storage.ArtifactIndex   = (*Store)(nil)
)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		credentials: make(map[string]*domain.Credential),
		artifacts:   make(map[artifactKey]*domain.Artifact),
	}
}

func (s *Store) CreateCredential(ctx context.Context, c *domain.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.credentials[c.ID]; exists {
		return fmt.Errorf("credential %s already exists", c.ID)
	}
	for _, other := range s.credentials {
		if other.Token == c.Token {
			return fmt.Errorf("credential with the same token already exists as %s", other.ID)
		}
	}

	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = domain.StatusActive
	}

	s.credentials[c.ID] = cloneCredential(c)
	return nil
}

func (s *Store) GetCredential(ctx context.Context, id string) (*domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.credentials[id]
	if !exists {
		return nil, fmt.Errorf("credential %s: %w", id, storage.ErrNotFound)
	}
	return cloneCredential(c), nil
}

func (s *Store) ListCredentials(ctx context.Context, filter storage.CredentialFilter) ([]*domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Credential
	for _, c := range s.credentials {
		if filter.Matches(c) {
			result = append(result, cloneCredential(c))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *Store) UpdateState(ctx context.Context, id string, state storage.CredentialState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, exists := s.credentials[id]
	if !exists {
		return fmt.Errorf("credential %s: %w", id, storage.ErrNotFound)
	}

	c.Status = state.Status
	c.CoolingUntil = state.CoolingUntil
	c.Failures = state.Failures
	c.LastError = state.LastError
	c.LastTestedAt = state.LastTestedAt
	c.LastTestResult = state.LastTestResult
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) IncrementUsage(ctx context.Context, id string, delta int, windowStart time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, exists := s.credentials[id]
	if !exists {
		return fmt.Errorf("credential %s: %w", id, storage.ErrNotFound)
	}

	if c.WindowStart.Equal(windowStart) {
		c.Usage += delta
	} else {
		c.Usage = delta
		c.WindowStart = windowStart
	}
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) DeleteCredential(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.credentials[id]; !exists {
		return fmt.Errorf("credential %s: %w", id, storage.ErrNotFound)
	}
	delete(s.credentials, id)
	return nil
}

func (s *Store) PutArtifact(ctx context.Context, a *domain.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	s.artifacts[artifactKey{a.Kind, a.Key}] = &cp
	return nil
}

func (s *Store) DeleteArtifact(ctx context.Context, kind domain.MediaKind, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.artifacts, artifactKey{kind, key})
	return nil
}

func (s *Store) ListArtifacts(ctx context.Context, kind domain.MediaKind) ([]*domain.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Artifact
	for k, a := range s.artifacts {
		if kind != "" && k.kind != kind {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AccessedAt.Before(out[j].AccessedAt)
	})
	return out, nil
}

func (s *Store) Close() error {
	return nil
}

func cloneCredential(c *domain.Credential) *domain.Credential {
	cp := *c
	cp.Tags = slices.Clone(c.Tags)
	return &cp
}

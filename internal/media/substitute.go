package media

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tjfontaine/grok-gateway/internal/domain"
)

// Mode selects how mirrored media is referenced in responses.
type Mode string

const (
	// ModeURL references the gateway's media endpoint.
	ModeURL Mode = "url"
	// ModeBase64 inlines images as data URLs. Video always uses ModeURL.
	ModeBase64 Mode = "base64"
)

// PathPrefix is where the media endpoint is mounted.
const PathPrefix = "/media"

// URL returns the public URL of an artifact.
func URL(baseURL string, kind domain.MediaKind, key string) string {
	return strings.TrimSuffix(baseURL, "/") + PathPrefix + "/" + string(kind) + "/" + key
}

// Substituter replaces provider media references with gateway ones.
type Substituter struct {
	cache   *Cache
	mode    Mode
	baseURL string
	header  http.Header
}

// NewSubstituter creates a substituter publishing under baseURL.
func NewSubstituter(cache *Cache, mode Mode, baseURL string) *Substituter {
	return &Substituter{cache: cache, mode: mode, baseURL: baseURL}
}

// WithHeader returns a copy that sends header when downloading, which is
// how provider credentials reach the asset host.
func (s *Substituter) WithHeader(header http.Header) *Substituter {
	cp := *s
	cp.header = header.Clone()
	return &cp
}

// Substitute mirrors ref and rewrites its URL. On failure ref is returned
// unchanged together with the error.
func (s *Substituter) Substitute(ctx context.Context, ref domain.MediaRef) (domain.MediaRef, error) {
	src := ref.SourceURL
	if src == "" {
		src = ref.URL
	}
	a, err := s.cache.Mirror(ctx, src, ref.Kind, s.header)
	if err != nil {
		return ref, err
	}

	out := ref
	out.SourceURL = src
	out.MediaType = a.MediaType
	if s.mode == ModeBase64 && ref.Kind == domain.MediaImage {
		data, err := s.inline(a)
		if err != nil {
			return ref, err
		}
		out.URL = data
		return out, nil
	}
	out.URL = URL(s.baseURL, a.Kind, a.Key)
	return out, nil
}

func (s *Substituter) inline(a *domain.Artifact) (string, error) {
	f, _, err := s.cache.Open(a.Kind, a.Key)
	if err != nil {
		return "", fmt.Errorf("media: inline %s: %w", a.Key, err)
	}
	defer f.Close()

	var b strings.Builder
	b.WriteString("data:" + a.MediaType + ";base64,")
	enc := base64.NewEncoder(base64.StdEncoding, &b)
	if _, err := io.Copy(enc, f); err != nil {
		return "", fmt.Errorf("media: inline %s: %w", a.Key, err)
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return b.String(), nil
}

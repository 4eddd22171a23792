// Package controlplane serves the admin API: credential management, media
// cache maintenance and runtime statistics.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tjfontaine/grok-gateway/internal/codec"
	"github.com/tjfontaine/grok-gateway/internal/credential"
	"github.com/tjfontaine/grok-gateway/internal/domain"
	"github.com/tjfontaine/grok-gateway/internal/media"
	"github.com/tjfontaine/grok-gateway/internal/server"
	"github.com/tjfontaine/grok-gateway/internal/storage"
)

// Pool is the part of the credential pool the admin API manages.
type Pool interface {
	Snapshot() []domain.Credential
	StatusCounts() map[domain.CredentialStatus]int
	Quota() (limit, remaining int)
	Limit(c *domain.Credential) int
	Add(ctx context.Context, c *domain.Credential) error
	Remove(ctx context.Context, id string) error
	Test(ctx context.Context, id string) (domain.TestResult, error)
}

// MediaCache is the part of the media cache the admin API manages.
type MediaCache interface {
	Clear(ctx context.Context, kind domain.MediaKind) (int, error)
	Stats() map[domain.MediaKind]media.KindStats
}

// Server serves the admin endpoints.
type Server struct {
	router    *chi.Mux
	startTime time.Time
	pool      Pool
	cache     MediaCache
	logger    *slog.Logger
	errors    codec.ErrorFormatter
}

// NewServer creates the admin API. cache may be nil when mirroring is off.
func NewServer(pool Pool, cache MediaCache, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:    chi.NewRouter(),
		startTime: time.Now(),
		pool:      pool,
		cache:     cache,
		logger:    logger,
		errors:    codec.OpenAIErrorFormatter{},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Get("/stats", s.handleStats)
	s.router.Get("/credentials", s.handleListCredentials)
	s.router.Post("/credentials", s.handleAddCredential)
	s.router.Delete("/credentials/{id}", s.handleRemoveCredential)
	s.router.Post("/credentials/{id}/test", s.handleTestCredential)
	s.router.Post("/cache/clear", s.handleClearCache)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Uptime       string                     `json:"uptime"`
	GoVersion    string                     `json:"go_version"`
	NumGoroutine int                        `json:"num_goroutine"`
	Memory       MemoryStats                `json:"memory"`
	Credentials  CredentialStats            `json:"credentials"`
	Media        map[string]media.KindStats `json:"media,omitempty"`
}

type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`
	TotalAlloc uint64 `json:"total_alloc"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
}

// CredentialStats summarizes the pool.
type CredentialStats struct {
	Total          int `json:"total"`
	Active         int `json:"active"`
	CoolingDown    int `json:"cooling_down"`
	Invalid        int `json:"invalid"`
	QuotaLimit     int `json:"quota_limit"`
	QuotaRemaining int `json:"quota_remaining"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	counts := s.pool.StatusCounts()
	limit, remaining := s.pool.Quota()

	stats := StatsResponse{
		Uptime:       time.Since(s.startTime).String(),
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		Memory: MemoryStats{
			Alloc:      m.Alloc,
			TotalAlloc: m.TotalAlloc,
			Sys:        m.Sys,
			NumGC:      m.NumGC,
		},
		Credentials: CredentialStats{
			Total:          counts[domain.StatusActive] + counts[domain.StatusCoolingDown] + counts[domain.StatusInvalid],
			Active:         counts[domain.StatusActive],
			CoolingDown:    counts[domain.StatusCoolingDown],
			Invalid:        counts[domain.StatusInvalid],
			QuotaLimit:     limit,
			QuotaRemaining: remaining,
		},
	}
	if s.cache != nil {
		stats.Media = make(map[string]media.KindStats)
		for kind, ks := range s.cache.Stats() {
			stats.Media[string(kind)] = ks
		}
	}

	writeJSON(w, http.StatusOK, stats)
}

// CredentialView is the admin view of a credential. The token is masked.
type CredentialView struct {
	domain.Credential
	Token string `json:"token"`
	Limit int    `json:"limit"`
}

// CredentialListResponse is the body of GET /credentials.
type CredentialListResponse struct {
	Credentials []CredentialView `json:"credentials"`
}

func (s *Server) view(c domain.Credential) CredentialView {
	return CredentialView{Credential: c, Token: maskToken(c.Token), Limit: s.pool.Limit(&c)}
}

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	resp := CredentialListResponse{Credentials: []CredentialView{}}
	for _, c := range s.pool.Snapshot() {
		resp.Credentials = append(resp.Credentials, s.view(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

// AddCredentialRequest is the body of POST /credentials.
type AddCredentialRequest struct {
	Token    string   `json:"token"`
	Tier     string   `json:"tier"`
	MaxCalls int      `json:"max_calls,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Note     string   `json:"note,omitempty"`
}

func (s *Server) handleAddCredential(w http.ResponseWriter, r *http.Request) {
	var req AddCredentialRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.fail(w, r, domain.ErrInvalidRequest(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" {
		s.fail(w, r, domain.ErrInvalidRequest("token: field required").WithParam("token"))
		return
	}
	if req.Tier == "" {
		req.Tier = string(domain.TierBasic)
	}
	tier, err := domain.ParseTier(req.Tier)
	if err != nil {
		s.fail(w, r, domain.ErrInvalidRequest(err.Error()).WithParam("tier"))
		return
	}
	if req.MaxCalls < 0 {
		s.fail(w, r, domain.ErrInvalidRequest("max_calls: must not be negative").WithParam("max_calls"))
		return
	}

	c := &domain.Credential{
		ID:       uuid.NewString(),
		Token:    req.Token,
		Tier:     tier,
		MaxCalls: req.MaxCalls,
		Tags:     req.Tags,
		Note:     req.Note,
		Status:   domain.StatusActive,
	}
	if err := s.pool.Add(r.Context(), c); err != nil {
		s.fail(w, r, domain.ErrInvalidRequest(err.Error()).WithStatusCode(http.StatusConflict))
		return
	}
	server.AddLogField(r.Context(), "credential", c.ID)
	writeJSON(w, http.StatusCreated, s.view(*c))
}

func (s *Server) handleRemoveCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.pool.Remove(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, credential.ErrUnknownCredential) {
			s.fail(w, r, domain.ErrNotFound(fmt.Sprintf("credential %s not found", id)))
			return
		}
		s.fail(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "credential", id)
	w.WriteHeader(http.StatusNoContent)
}

// TestResponse is the body of POST /credentials/{id}/test.
type TestResponse struct {
	ID         string         `json:"id"`
	Result     string         `json:"result"`
	Credential CredentialView `json:"credential"`
}

func (s *Server) handleTestCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, err := s.pool.Test(r.Context(), id)
	if err != nil {
		if errors.Is(err, credential.ErrUnknownCredential) {
			s.fail(w, r, domain.ErrNotFound(fmt.Sprintf("credential %s not found", id)))
			return
		}
		s.fail(w, r, err)
		return
	}

	resp := TestResponse{ID: id, Result: string(result)}
	for _, c := range s.pool.Snapshot() {
		if c.ID == id {
			resp.Credential = s.view(c)
			break
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ClearCacheResponse is the body of POST /cache/clear.
type ClearCacheResponse struct {
	Removed int `json:"removed"`
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.fail(w, r, domain.ErrNotFound("media cache is disabled"))
		return
	}

	var kind domain.MediaKind
	switch k := r.URL.Query().Get("kind"); k {
	case "", "all":
	default:
		parsed, ok := domain.ParseMediaKind(k)
		if !ok {
			s.fail(w, r, domain.ErrInvalidRequest(fmt.Sprintf("unknown media kind %q", k)).WithParam("kind"))
			return
		}
		kind = parsed
	}

	removed, err := s.cache.Clear(r.Context(), kind)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ClearCacheResponse{Removed: removed})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	server.AddError(r.Context(), err)
	codec.WriteError(w, err, s.errors)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// maskToken keeps enough of a token to tell credentials apart.
func maskToken(token string) string {
	if len(token) <= 12 {
		return strings.Repeat("*", len(token))
	}
	return token[:6] + "..." + token[len(token)-4:]
}

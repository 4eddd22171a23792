// Package media serves mirrored provider media from the local cache.
package media

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/grok-gateway/internal/codec"
	"github.com/tjfontaine/grok-gateway/internal/domain"
	"github.com/tjfontaine/grok-gateway/internal/frontdoor"
	"github.com/tjfontaine/grok-gateway/internal/media"
	"github.com/tjfontaine/grok-gateway/internal/server"
)

// Handler serves GET /media/{kind}/{key}.
type Handler struct {
	cache *media.Cache
}

// NewHandler creates a handler for cache.
func NewHandler(cache *media.Cache) *Handler {
	return &Handler{cache: cache}
}

// HandleGet streams one cached artifact. Keys are content addresses, so
// responses are immutable.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	kind, ok := domain.ParseMediaKind(chi.URLParam(r, "kind"))
	key := chi.URLParam(r, "key")
	if !ok || !media.ValidKey(key) {
		notFound(w, r)
		return
	}

	// The file stays readable if it is evicted while being served.
	f, a, err := h.cache.Open(kind, key)
	if err != nil {
		if !errors.Is(err, media.ErrNotFound) {
			server.AddError(r.Context(), err)
		}
		notFound(w, r)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", a.MediaType)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeContent(w, r, key, a.CreatedAt, f)
}

func notFound(w http.ResponseWriter, r *http.Request) {
	codec.WriteError(w, domain.ErrNotFound("media not found"), codec.OpenAIErrorFormatter{})
}

// CreateHandlerRegistrations returns the media route under basePath.
func CreateHandlerRegistrations(h *Handler, basePath string) []frontdoor.HandlerRegistration {
	return []frontdoor.HandlerRegistration{
		{Path: basePath + media.PathPrefix + "/{kind}/{key}", Method: http.MethodGet, Handler: h.HandleGet},
		{Path: basePath + media.PathPrefix + "/{kind}/{key}", Method: http.MethodHead, Handler: h.HandleGet},
	}
}

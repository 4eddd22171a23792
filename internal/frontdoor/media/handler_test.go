package media

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/grok-gateway/internal/domain"
	"github.com/tjfontaine/grok-gateway/internal/frontdoor"
	"github.com/tjfontaine/grok-gateway/internal/media"
)

func setup(t *testing.T) (http.Handler, *media.Cache, string) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = io.WriteString(w, "png-bytes")
	}))
	t.Cleanup(origin.Close)

	cache, err := media.New(media.Config{
		Dir:  t.TempDir(),
		Caps: map[domain.MediaKind]int64{domain.MediaImage: 1 << 20, domain.MediaVideo: 1 << 20},
	}, media.WithHTTPClient(origin.Client()), media.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	a, err := cache.Mirror(context.Background(), origin.URL+"/users/u/generated/img.png", domain.MediaImage, nil)
	require.NoError(t, err)

	r := chi.NewRouter()
	frontdoor.Mount(r, CreateHandlerRegistrations(NewHandler(cache), ""))
	return r, cache, a.Key
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHandleGet(t *testing.T) {
	h, _, key := setup(t)

	rec := get(h, "/media/image/"+key)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Cache-Control"), "immutable")
	assert.Equal(t, "png-bytes", rec.Body.String())
}

func TestHandleGet_NotFound(t *testing.T) {
	h, cache, key := setup(t)

	tests := []struct {
		name string
		path string
	}{
		{"wrong kind", "/media/video/" + key},
		{"unknown kind", "/media/audio/" + key},
		{"malformed key", "/media/image/not-a-key"},
		{"unknown key", "/media/image/0123456789abcdef0123456789abcdef.png"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusNotFound, get(h, tt.path).Code)
		})
	}

	_, err := cache.Clear(context.Background(), domain.MediaImage)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, get(h, "/media/image/"+key).Code)
}

package server

import (
	"net/http"

	"golang.org/x/sync/semaphore"

	"github.com/tjfontaine/grok-gateway/internal/codec"
	"github.com/tjfontaine/grok-gateway/internal/domain"
	"github.com/tjfontaine/grok-gateway/internal/metrics"
)

// AdmissionMiddleware bounds the number of requests in flight. Requests
// over the ceiling are rejected immediately with 503 instead of queueing;
// streams hold their slot until the last event is written.
func AdmissionMiddleware(limit int64, m *metrics.Collector) func(http.Handler) http.Handler {
	sem := semaphore.NewWeighted(limit)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !sem.TryAcquire(1) {
				m.RecordRejection(r.URL.Path)
				w.Header().Set("Retry-After", "1")
				codec.WriteError(w,
					domain.ErrOverloaded("too many requests in flight").WithCode(domain.ErrorCodeAdmissionRejected),
					ErrorFormatterFor(r))
				return
			}
			defer sem.Release(1)
			next.ServeHTTP(w, r)
		})
	}
}

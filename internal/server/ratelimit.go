package server

import (
	"net/http"
	"strconv"
)

// QuotaSource reports the pool's aggregate call ceiling and the calls
// left in the current windows.
type QuotaSource interface {
	Quota() (limit, remaining int)
}

// RateLimitHeadersMiddleware writes x-ratelimit-limit-requests and
// x-ratelimit-remaining-requests from the credential pool. The values are
// read when the response headers are written, so they reflect the call
// the handler just made.
func RateLimitHeadersMiddleware(src QuotaSource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(&rateLimitResponseWriter{ResponseWriter: w, src: src}, r)
		})
	}
}

// rateLimitResponseWriter wraps ResponseWriter to write rate limit headers.
type rateLimitResponseWriter struct {
	http.ResponseWriter
	src          QuotaSource
	wroteHeaders bool
}

func (rw *rateLimitResponseWriter) WriteHeader(code int) {
	if !rw.wroteHeaders {
		rw.writeRateLimitHeaders()
		rw.wroteHeaders = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *rateLimitResponseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeaders {
		rw.writeRateLimitHeaders()
		rw.wroteHeaders = true
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *rateLimitResponseWriter) writeRateLimitHeaders() {
	limit, remaining := rw.src.Quota()
	if limit <= 0 {
		return
	}
	h := rw.Header()
	h.Set("x-ratelimit-limit-requests", strconv.Itoa(limit))
	h.Set("x-ratelimit-remaining-requests", strconv.Itoa(remaining))
}

// Flush forwards Flush to the underlying ResponseWriter if it supports http.Flusher.
func (rw *rateLimitResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

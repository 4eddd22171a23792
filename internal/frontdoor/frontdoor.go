// Package frontdoor serves the public dialects over HTTP.
//
// Each dialect package decodes requests with its codec, hands the canonical
// request to the pipeline and renders the result: a JSON body for
// non-streamed calls, server-sent events otherwise. The serving loop is
// shared so both dialects observe the same commit and error semantics:
// failures before the first event are ordinary HTTP errors, failures after
// it are dialect error events on the open stream.
//
// Dialect packages expose their routes as HandlerRegistrations which
// cmd/gateway mounts explicitly.
package frontdoor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tjfontaine/grok-gateway/internal/codec"
	"github.com/tjfontaine/grok-gateway/internal/domain"
	"github.com/tjfontaine/grok-gateway/internal/pipeline"
	"github.com/tjfontaine/grok-gateway/internal/server"
)

// MaxBodyBytes bounds request bodies; inline images make them large.
const MaxBodyBytes = 32 << 20

// HandlerRegistration represents a registered HTTP handler.
type HandlerRegistration struct {
	Path    string
	Method  string
	Handler func(http.ResponseWriter, *http.Request)
}

// Mount registers handlers on r.
func Mount(r chi.Router, regs []HandlerRegistration) {
	for _, reg := range regs {
		r.MethodFunc(reg.Method, reg.Path, reg.Handler)
	}
}

// Executor runs canonical requests.
type Executor interface {
	Stream(ctx context.Context, req *domain.Request) (*pipeline.Stream, error)
	Collect(ctx context.Context, req *domain.Request) (*domain.Completion, error)
}

// Server is the serving loop shared by the dialect front doors.
type Server struct {
	Codec    codec.Codec
	Exec     Executor
	Logger   *slog.Logger
	IDPrefix string
}

// NewID returns a response identifier such as "chatcmpl-3f9a...".
func NewID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ReadBody reads a request body up to MaxBodyBytes.
func ReadBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, domain.ErrInvalidRequest(fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)).
				WithStatusCode(http.StatusRequestEntityTooLarge)
		}
		return nil, domain.ErrInvalidRequest("failed to read request body")
	}
	return body, nil
}

// WriteJSON writes body with status 200.
func WriteJSON(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// Fail logs err on the request and writes it in the codec's shape.
func (s *Server) Fail(w http.ResponseWriter, r *http.Request, err error) {
	server.AddError(r.Context(), err)
	codec.WriteError(w, err, s.Codec)
}

// ServeCompletion handles one completion call end to end.
func (s *Server) ServeCompletion(w http.ResponseWriter, r *http.Request) {
	body, err := ReadBody(w, r)
	if err != nil {
		s.Fail(w, r, err)
		return
	}
	req, err := s.Codec.DecodeRequest(body)
	if err != nil {
		s.Fail(w, r, err)
		return
	}
	req.ID = NewID(s.IDPrefix)
	req.UserAgent = r.UserAgent()

	ctx := r.Context()
	server.AddLogField(ctx, "dialect", string(req.Dialect))
	server.AddLogField(ctx, "model", req.Model)
	server.AddLogField(ctx, "response_id", req.ID)

	if req.Stream {
		s.serveStream(w, r, req)
		return
	}

	comp, err := s.Exec.Collect(ctx, req)
	if err != nil {
		s.Fail(w, r, err)
		return
	}
	out, err := s.Codec.EncodeResponse(comp)
	if err != nil {
		s.Fail(w, r, domain.ErrServer("failed to encode response"))
		return
	}
	server.AddLogField(ctx, "stop_reason", string(comp.StopReason))
	WriteJSON(w, out)
}

func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, req *domain.Request) {
	ctx := r.Context()
	rc := http.NewResponseController(w)

	stream, err := s.Exec.Stream(ctx, req)
	if err != nil {
		s.Fail(w, r, err)
		return
	}
	defer stream.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	enc := s.Codec.NewStreamEncoder(codec.StreamMetadata{
		ID:           req.ID,
		Model:        req.Model,
		Created:      time.Now().Unix(),
		InputTokens:  stream.InputTokens(),
		IncludeUsage: req.IncludeUsage,
	})

	send := func(events []codec.Event) bool {
		if len(events) == 0 {
			return true
		}
		if err := WriteEvents(w, events); err != nil {
			return false
		}
		return rc.Flush() == nil
	}

	if !send(enc.Start()) {
		return
	}
	for {
		frags, err := stream.Next()
		if errors.Is(err, io.EOF) {
			reason, usage := stream.Result()
			server.AddLogField(ctx, "stop_reason", string(reason))
			send(enc.Finish(reason, usage))
			return
		}
		if err != nil {
			apiErr := codec.ToCanonicalError(err)
			server.AddError(ctx, apiErr)
			if ctx.Err() == nil {
				send(enc.Error(apiErr))
			}
			return
		}
		for _, f := range frags {
			if !send(enc.Fragment(f)) {
				s.Logger.Debug("client went away mid-stream", slog.String("response_id", req.ID))
				return
			}
		}
	}
}

// WriteEvents writes server-sent events. Events without a name are sent
// as bare data lines.
func WriteEvents(w io.Writer, events []codec.Event) error {
	var b strings.Builder
	for _, ev := range events {
		if ev.Name != "" {
			b.WriteString("event: ")
			b.WriteString(ev.Name)
			b.WriteByte('\n')
		}
		b.WriteString("data: ")
		b.Write(ev.Data)
		b.WriteString("\n\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}

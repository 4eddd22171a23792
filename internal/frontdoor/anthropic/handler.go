// Package anthropic serves the messages dialect.
package anthropic

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tjfontaine/grok-gateway/internal/api/anthropic"
	anthropiccodec "github.com/tjfontaine/grok-gateway/internal/codec/anthropic"
	"github.com/tjfontaine/grok-gateway/internal/domain"
	"github.com/tjfontaine/grok-gateway/internal/frontdoor"
	"github.com/tjfontaine/grok-gateway/internal/server"
)

// Handler serves the messages endpoints.
type Handler struct {
	srv     *frontdoor.Server
	counter domain.TokenCounter
}

// NewHandler creates a handler backed by exec. counter serves
// count_tokens.
func NewHandler(exec frontdoor.Executor, counter domain.TokenCounter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		srv: &frontdoor.Server{
			Codec:    anthropiccodec.New(),
			Exec:     exec,
			Logger:   logger,
			IDPrefix: "msg_",
		},
		counter: counter,
	}
}

// HandleMessages serves POST /v1/messages.
func (h *Handler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	h.srv.ServeCompletion(w, r)
}

// HandleCountTokens serves POST /v1/messages/count_tokens.
func (h *Handler) HandleCountTokens(w http.ResponseWriter, r *http.Request) {
	body, err := frontdoor.ReadBody(w, r)
	if err != nil {
		h.srv.Fail(w, r, err)
		return
	}
	var apiReq anthropic.CountTokensRequest
	if err := json.Unmarshal(body, &apiReq); err != nil {
		h.srv.Fail(w, r, domain.ErrInvalidRequest(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	if apiReq.Model == "" {
		h.srv.Fail(w, r, domain.ErrInvalidRequest("model: field required").WithParam("model"))
		return
	}
	req, err := anthropiccodec.CountTokensToCanonical(&apiReq)
	if err != nil {
		h.srv.Fail(w, r, err)
		return
	}

	count := h.counter.CountRequest(req)
	server.AddLogField(r.Context(), "model", req.Model)
	server.AddLogField(r.Context(), "input_tokens", strconv.Itoa(count.InputTokens))

	out, err := json.Marshal(anthropic.CountTokensResponse{InputTokens: count.InputTokens})
	if err != nil {
		h.srv.Fail(w, r, err)
		return
	}
	frontdoor.WriteJSON(w, out)
}

// CreateHandlerRegistrations returns the routes served under basePath.
func CreateHandlerRegistrations(h *Handler, basePath string) []frontdoor.HandlerRegistration {
	return []frontdoor.HandlerRegistration{
		{Path: basePath + "/v1/messages", Method: http.MethodPost, Handler: h.HandleMessages},
		{Path: basePath + "/v1/messages/count_tokens", Method: http.MethodPost, Handler: h.HandleCountTokens},
	}
}

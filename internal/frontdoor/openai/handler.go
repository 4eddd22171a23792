// Package openai serves the chat completions dialect.
package openai

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tjfontaine/grok-gateway/internal/api/openai"
	openaicodec "github.com/tjfontaine/grok-gateway/internal/codec/openai"
	"github.com/tjfontaine/grok-gateway/internal/frontdoor"
	"github.com/tjfontaine/grok-gateway/internal/grok"
)

// modelsCreated is the fixed creation time reported for every model.
const modelsCreated = 1735689600

// Handler serves the chat completions endpoints.
type Handler struct {
	srv *frontdoor.Server
}

// NewHandler creates a handler backed by exec.
func NewHandler(exec frontdoor.Executor, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{srv: &frontdoor.Server{
		Codec:    openaicodec.New(),
		Exec:     exec,
		Logger:   logger,
		IDPrefix: "chatcmpl-",
	}}
}

// HandleChatCompletion serves POST /v1/chat/completions.
func (h *Handler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	h.srv.ServeCompletion(w, r)
}

// HandleListModels serves GET /v1/models.
func (h *Handler) HandleListModels(w http.ResponseWriter, r *http.Request) {
	list := openai.ModelList{Object: "list"}
	for _, m := range grok.Models() {
		list.Data = append(list.Data, openai.Model{
			ID:          m.Alias,
			Object:      "model",
			Created:     modelsCreated,
			OwnedBy:     "xai",
			DisplayName: m.DisplayName,
			Description: m.Description,
		})
	}
	body, err := json.Marshal(list)
	if err != nil {
		h.srv.Fail(w, r, err)
		return
	}
	frontdoor.WriteJSON(w, body)
}

// CreateHandlerRegistrations returns the routes served under basePath.
func CreateHandlerRegistrations(h *Handler, basePath string) []frontdoor.HandlerRegistration {
	return []frontdoor.HandlerRegistration{
		{Path: basePath + "/v1/chat/completions", Method: http.MethodPost, Handler: h.HandleChatCompletion},
		{Path: basePath + "/v1/models", Method: http.MethodGet, Handler: h.HandleListModels},
	}
}

// Package openai provides the codec for the chat-completions dialect.
package openai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tjfontaine/grok-gateway/internal/api/openai"
	"github.com/tjfontaine/grok-gateway/internal/codec"
	"github.com/tjfontaine/grok-gateway/internal/domain"
)

const (
	objectCompletion = "chat.completion"
	objectChunk      = "chat.completion.chunk"
	doneSentinel     = "[DONE]"
)

// Codec implements codec.Codec for the chat-completions dialect.
type Codec struct {
	codec.OpenAIErrorFormatter
}

// New creates a new chat-completions codec.
func New() *Codec {
	return &Codec{}
}

// Dialect returns the codec dialect.
func (c *Codec) Dialect() domain.Dialect {
	return domain.DialectOpenAI
}

// DecodeRequest converts a chat completion request body to canonical form.
func (c *Codec) DecodeRequest(data []byte) (*domain.Request, error) {
	var apiReq openai.ChatCompletionRequest
	if err := json.Unmarshal(data, &apiReq); err != nil {
		return nil, domain.ErrInvalidRequest(fmt.Sprintf("invalid request body: %v", err))
	}
	return APIRequestToCanonical(&apiReq)
}

// APIRequestToCanonical validates a request and converts it.
func APIRequestToCanonical(apiReq *openai.ChatCompletionRequest) (*domain.Request, error) {
	if apiReq.Model == "" {
		return nil, domain.ErrInvalidRequest("model is required").WithParam("model")
	}
	if len(apiReq.Messages) == 0 {
		return nil, domain.ErrInvalidRequest("messages must not be empty").WithParam("messages")
	}
	if apiReq.N > 1 {
		return nil, domain.ErrInvalidRequest("n greater than 1 is not supported").WithParam("n")
	}
	if apiReq.MaxTokens < 0 || apiReq.MaxCompletionTokens < 0 {
		return nil, domain.ErrInvalidRequest("max_tokens must not be negative").WithParam("max_tokens")
	}
	if t := apiReq.Temperature; t != nil && (*t < 0 || *t > 2) {
		return nil, domain.ErrInvalidRequest("temperature must be between 0 and 2").WithParam("temperature")
	}
	if p := apiReq.TopP; p != nil && (*p < 0 || *p > 1) {
		return nil, domain.ErrInvalidRequest("top_p must be between 0 and 1").WithParam("top_p")
	}

	messages := make([]domain.Message, 0, len(apiReq.Messages))
	for i, m := range apiReq.Messages {
		role := m.Role
		switch role {
		case "developer":
			role = "system"
		case "system", "user", "assistant":
		default:
			return nil, domain.ErrInvalidRequest(fmt.Sprintf("messages[%d]: unsupported role %q", i, m.Role)).
				WithParam("messages")
		}

		parts := make([]domain.ContentPart, 0, len(m.Content))
		for _, p := range m.Content {
			switch p.Type {
			case "text", "":
				parts = append(parts, domain.ContentPart{Type: domain.ContentTypeText, Text: p.Text})
			case "image_url":
				if p.ImageURL == nil || p.ImageURL.URL == "" {
					return nil, domain.ErrInvalidRequest(fmt.Sprintf("messages[%d]: image_url.url is required", i)).
						WithParam("messages")
				}
				parts = append(parts, domain.ContentPart{Type: domain.ContentTypeImage, ImageURL: p.ImageURL.URL})
			default:
				return nil, domain.ErrInvalidRequest(fmt.Sprintf("messages[%d]: unsupported content part %q", i, p.Type)).
					WithParam("messages")
			}
		}
		messages = append(messages, domain.Message{Role: role, Parts: parts})
	}

	req := &domain.Request{
		Dialect:       domain.DialectOpenAI,
		Model:         apiReq.Model,
		Stream:        apiReq.Stream,
		Messages:      messages,
		Temperature:   apiReq.Temperature,
		TopP:          apiReq.TopP,
		StopSequences: apiReq.Stop,
	}

	// Prefer max_completion_tokens over max_tokens
	if apiReq.MaxCompletionTokens > 0 {
		req.MaxTokens = apiReq.MaxCompletionTokens
	} else {
		req.MaxTokens = apiReq.MaxTokens
	}
	if apiReq.StreamOptions != nil {
		req.IncludeUsage = apiReq.StreamOptions.IncludeUsage
	}

	return req, nil
}

// EncodeResponse renders a completion as a chat completion response.
func (c *Codec) EncodeResponse(comp *domain.Completion) ([]byte, error) {
	return json.Marshal(CanonicalToAPIResponse(comp))
}

// CanonicalToAPIResponse converts a completion to the wire shape.
func CanonicalToAPIResponse(comp *domain.Completion) *openai.ChatCompletionResponse {
	var content, reasoning strings.Builder
	for _, f := range comp.Fragments {
		switch f.Kind {
		case domain.FragmentText:
			content.WriteString(f.Text)
		case domain.FragmentReasoning:
			reasoning.WriteString(f.Text)
		case domain.FragmentMedia:
			content.WriteString(RenderMedia(f.Media))
		}
	}

	return &openai.ChatCompletionResponse{
		ID:      comp.ID,
		Object:  objectCompletion,
		Created: comp.Created,
		Model:   comp.Model,
		Choices: []openai.Choice{{
			Index: 0,
			Message: openai.ResponseMessage{
				Role:             "assistant",
				Content:          content.String(),
				ReasoningContent: reasoning.String(),
			},
			FinishReason: FinishReason(comp.StopReason),
		}},
		Usage: usageOf(comp.Usage),
	}
}

// FinishReason maps a canonical stop reason.
func FinishReason(r domain.StopReason) string {
	if r == domain.StopReasonMaxTokens {
		return "length"
	}
	return "stop"
}

// RenderMedia renders a media reference as markdown on its own line.
func RenderMedia(ref *domain.MediaRef) string {
	if ref == nil || ref.URL == "" {
		return ""
	}
	if ref.Kind == domain.MediaVideo {
		return "\n[video](" + ref.URL + ")\n"
	}
	return "\n![image](" + ref.URL + ")\n"
}

func usageOf(u domain.Usage) openai.Usage {
	return openai.Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.Total(),
	}
}

// NewStreamEncoder starts chunk framing for one response.
func (c *Codec) NewStreamEncoder(meta codec.StreamMetadata) codec.StreamEncoder {
	return &streamEncoder{meta: meta, formatter: c.OpenAIErrorFormatter}
}

// streamEncoder emits a flat sequence of delta chunks ended by [DONE].
type streamEncoder struct {
	meta      codec.StreamMetadata
	formatter codec.OpenAIErrorFormatter
}

func (e *streamEncoder) chunk(delta openai.ChunkDelta, finish *string) codec.Event {
	data, _ := json.Marshal(&openai.ChatCompletionChunk{
		ID:      e.meta.ID,
		Object:  objectChunk,
		Created: e.meta.Created,
		Model:   e.meta.Model,
		Choices: []openai.ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	})
	return codec.Event{Data: data}
}

func (e *streamEncoder) Start() []codec.Event {
	return []codec.Event{e.chunk(openai.ChunkDelta{Role: "assistant"}, nil)}
}

func (e *streamEncoder) Fragment(f domain.Fragment) []codec.Event {
	var delta openai.ChunkDelta
	switch f.Kind {
	case domain.FragmentText:
		delta.Content = f.Text
	case domain.FragmentReasoning:
		delta.ReasoningContent = f.Text
	case domain.FragmentMedia:
		delta.Content = RenderMedia(f.Media)
	}
	if delta.Content == "" && delta.ReasoningContent == "" {
		return nil
	}
	return []codec.Event{e.chunk(delta, nil)}
}

func (e *streamEncoder) Finish(reason domain.StopReason, usage domain.Usage) []codec.Event {
	finish := FinishReason(reason)
	events := []codec.Event{e.chunk(openai.ChunkDelta{}, &finish)}

	if e.meta.IncludeUsage {
		u := usageOf(usage)
		data, _ := json.Marshal(&openai.ChatCompletionChunk{
			ID:      e.meta.ID,
			Object:  objectChunk,
			Created: e.meta.Created,
			Model:   e.meta.Model,
			Choices: []openai.ChunkChoice{},
			Usage:   &u,
		})
		events = append(events, codec.Event{Data: data})
	}

	return append(events, codec.Event{Data: []byte(doneSentinel)})
}

func (e *streamEncoder) Error(err *domain.APIError) []codec.Event {
	return []codec.Event{
		{Data: e.formatter.FormatError(err).Body},
		{Data: []byte(doneSentinel)},
	}
}

// Ensure Codec implements the interface
var _ codec.Codec = (*Codec)(nil)

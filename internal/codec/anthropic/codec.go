// Package anthropic provides the codec for the messages dialect.
package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tjfontaine/grok-gateway/internal/api/anthropic"
	"github.com/tjfontaine/grok-gateway/internal/codec"
	"github.com/tjfontaine/grok-gateway/internal/domain"
)

// Codec implements codec.Codec for the messages dialect.
type Codec struct {
	codec.AnthropicErrorFormatter
}

// New creates a new messages codec.
func New() *Codec {
	return &Codec{}
}

// Dialect returns the codec dialect.
func (c *Codec) Dialect() domain.Dialect {
	return domain.DialectAnthropic
}

// DecodeRequest converts a messages request body to canonical form.
func (c *Codec) DecodeRequest(data []byte) (*domain.Request, error) {
	var apiReq anthropic.MessagesRequest
	if err := json.Unmarshal(data, &apiReq); err != nil {
		return nil, domain.ErrInvalidRequest(fmt.Sprintf("invalid request body: %v", err))
	}
	return APIRequestToCanonical(&apiReq)
}

// APIRequestToCanonical validates a messages request and converts it. The
// separate system prompt stays separate; the provider encoding merges it.
func APIRequestToCanonical(apiReq *anthropic.MessagesRequest) (*domain.Request, error) {
	if apiReq.Model == "" {
		return nil, domain.ErrInvalidRequest("model: field required").WithParam("model")
	}
	if apiReq.MaxTokens == nil {
		return nil, domain.ErrInvalidRequest("max_tokens: field required").WithParam("max_tokens")
	}
	if *apiReq.MaxTokens <= 0 {
		return nil, domain.ErrInvalidRequest("max_tokens: must be greater than or equal to 1").WithParam("max_tokens")
	}
	if t := apiReq.Temperature; t != nil && (*t < 0 || *t > 1) {
		return nil, domain.ErrInvalidRequest("temperature: must be between 0 and 1").WithParam("temperature")
	}
	if p := apiReq.TopP; p != nil && (*p < 0 || *p > 1) {
		return nil, domain.ErrInvalidRequest("top_p: must be between 0 and 1").WithParam("top_p")
	}

	system, err := systemPrompt(apiReq.System)
	if err != nil {
		return nil, err
	}
	messages, err := convertMessages(apiReq.Messages)
	if err != nil {
		return nil, err
	}

	return &domain.Request{
		Dialect:       domain.DialectAnthropic,
		Model:         apiReq.Model,
		Stream:        apiReq.Stream,
		System:        system,
		Messages:      messages,
		MaxTokens:     *apiReq.MaxTokens,
		Temperature:   apiReq.Temperature,
		TopP:          apiReq.TopP,
		StopSequences: apiReq.StopSequences,
	}, nil
}

// CountTokensToCanonical converts a count_tokens body.
func CountTokensToCanonical(apiReq *anthropic.CountTokensRequest) (*domain.Request, error) {
	system, err := systemPrompt(apiReq.System)
	if err != nil {
		return nil, err
	}
	messages, err := convertMessages(apiReq.Messages)
	if err != nil {
		return nil, err
	}
	return &domain.Request{
		Dialect:  domain.DialectAnthropic,
		Model:    apiReq.Model,
		System:   system,
		Messages: messages,
	}, nil
}

func systemPrompt(blocks anthropic.SystemMessages) (string, error) {
	var b strings.Builder
	for _, sys := range blocks {
		if sys.Type != "" && sys.Type != "text" {
			return "", domain.ErrInvalidRequest(fmt.Sprintf("system: unsupported block type %q", sys.Type)).
				WithParam("system")
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(sys.Text)
	}
	return b.String(), nil
}

func convertMessages(in []anthropic.Message) ([]domain.Message, error) {
	if len(in) == 0 {
		return nil, domain.ErrInvalidRequest("messages: at least one message is required").WithParam("messages")
	}

	messages := make([]domain.Message, 0, len(in))
	for i, msg := range in {
		if msg.Role != "user" && msg.Role != "assistant" {
			return nil, domain.ErrInvalidRequest(fmt.Sprintf("messages.%d.role: must be user or assistant", i)).
				WithParam("messages")
		}
		if len(msg.Content) == 0 {
			return nil, domain.ErrInvalidRequest(fmt.Sprintf("messages.%d.content: content is required", i)).
				WithParam("messages")
		}

		parts := make([]domain.ContentPart, 0, len(msg.Content))
		for _, block := range msg.Content {
			switch block.Type {
			case "text", "":
				parts = append(parts, domain.ContentPart{Type: domain.ContentTypeText, Text: block.Text})
			case "image":
				ref, err := imageRef(block.Source)
				if err != nil {
					return nil, domain.ErrInvalidRequest(fmt.Sprintf("messages.%d.content: %v", i, err)).
						WithParam("messages")
				}
				parts = append(parts, domain.ContentPart{Type: domain.ContentTypeImage, ImageURL: ref})
			case "thinking", "redacted_thinking":
				// prior reasoning echoed back by clients is not replayed upstream
			default:
				return nil, domain.ErrInvalidRequest(fmt.Sprintf("messages.%d.content: unsupported content block type %q", i, block.Type)).
					WithParam("messages")
			}
		}
		messages = append(messages, domain.Message{Role: msg.Role, Parts: parts})
	}
	return messages, nil
}

func imageRef(src *anthropic.ImageSource) (string, error) {
	if src == nil {
		return "", fmt.Errorf("image source is required")
	}
	switch src.Type {
	case "base64":
		if src.MediaType == "" || src.Data == "" {
			return "", fmt.Errorf("base64 image needs media_type and data")
		}
		return "data:" + src.MediaType + ";base64," + src.Data, nil
	case "url":
		if src.URL == "" {
			return "", fmt.Errorf("url image needs url")
		}
		return src.URL, nil
	}
	return "", fmt.Errorf("unsupported image source type %q", src.Type)
}

// EncodeResponse renders a completion as a messages response.
func (c *Codec) EncodeResponse(comp *domain.Completion) ([]byte, error) {
	return json.Marshal(CanonicalToAPIResponse(comp))
}

// CanonicalToAPIResponse groups fragments into content blocks. Adjacent
// fragments of the same kind share a block; every media reference is a
// block of its own.
func CanonicalToAPIResponse(comp *domain.Completion) *anthropic.MessagesResponse {
	content := []anthropic.ResponseContent{}
	var cur strings.Builder
	var curKind domain.FragmentKind

	closeBlock := func() {
		if cur.Len() == 0 {
			return
		}
		s := cur.String()
		if curKind == domain.FragmentReasoning {
			content = append(content, anthropic.ResponseContent{Type: "thinking", Thinking: &s})
		} else {
			content = append(content, anthropic.ResponseContent{Type: "text", Text: &s})
		}
		cur.Reset()
	}

	for _, f := range comp.Fragments {
		if f.Kind == domain.FragmentMedia {
			closeBlock()
			if f.Media != nil {
				content = append(content, MediaBlock(f.Media))
			}
			curKind = f.Kind
			continue
		}
		if f.Kind != curKind {
			closeBlock()
			curKind = f.Kind
		}
		cur.WriteString(f.Text)
	}
	closeBlock()

	reason := string(comp.StopReason)
	return &anthropic.MessagesResponse{
		ID:         comp.ID,
		Type:       "message",
		Role:       "assistant",
		Model:      comp.Model,
		Content:    content,
		StopReason: &reason,
		Usage: anthropic.MessagesUsage{
			InputTokens:  comp.Usage.InputTokens,
			OutputTokens: comp.Usage.OutputTokens,
		},
	}
}

// MediaBlock renders a media reference. Images become image blocks with a
// url or base64 source; the dialect has no video block, so video is a text
// block holding a markdown link.
func MediaBlock(ref *domain.MediaRef) anthropic.ResponseContent {
	if ref.Kind == domain.MediaVideo {
		link := "[video](" + ref.URL + ")"
		return anthropic.ResponseContent{Type: "text", Text: &link}
	}
	if mediaType, data, ok := parseDataURL(ref.URL); ok {
		return anthropic.ResponseContent{
			Type:   "image",
			Source: &anthropic.ImageSource{Type: "base64", MediaType: mediaType, Data: data},
		}
	}
	return anthropic.ResponseContent{
		Type:   "image",
		Source: &anthropic.ImageSource{Type: "url", URL: ref.URL},
	}
}

func parseDataURL(u string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(u, "data:")
	if !found {
		return "", "", false
	}
	meta, data, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mediaType, enc, _ := strings.Cut(meta, ";")
	if enc != "base64" {
		return "", "", false
	}
	return mediaType, data, true
}

// Ensure Codec implements the interface
var _ codec.Codec = (*Codec)(nil)

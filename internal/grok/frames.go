package grok

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tjfontaine/grok-gateway/internal/domain"
)

// ErrMalformedFrame marks a stream line that could not be decoded.
var ErrMalformedFrame = errors.New("grok: malformed frame")

// Frame is one NDJSON line of a chat stream.
type Frame struct {
	Result *FrameResult `json:"result,omitempty"`
	Error  *FrameError  `json:"error,omitempty"`
}

type FrameResult struct {
	Response *FrameResponse `json:"response,omitempty"`
}

type FrameResponse struct {
	Token                            string           `json:"token,omitempty"`
	IsThinking                       bool             `json:"isThinking,omitempty"`
	MessageTag                       string           `json:"messageTag,omitempty"`
	ModelResponse                    *ModelResponse   `json:"modelResponse,omitempty"`
	StreamingVideoGenerationResponse *VideoGeneration `json:"streamingVideoGenerationResponse,omitempty"`
}

// ModelResponse arrives once at the end of a turn. Its message repeats the
// streamed tokens.
type ModelResponse struct {
	Message            string   `json:"message,omitempty"`
	GeneratedImageURLs []string `json:"generatedImageUrls,omitempty"`
}

type VideoGeneration struct {
	Progress int    `json:"progress"`
	VideoURL string `json:"videoUrl,omitempty"`
}

// FrameError is an error reported inside the stream.
type FrameError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *FrameError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("grok stream error %d: %s", e.Code, e.Message)
	}
	return "grok stream error: " + e.Message
}

// FrameDecoder turns stream lines into fragments. It is not safe for
// concurrent use; create one per exchange.
type FrameDecoder struct {
	assetsURL string
	seen      map[string]bool
}

func NewFrameDecoder(assetsURL string) *FrameDecoder {
	return &FrameDecoder{
		assetsURL: strings.TrimSuffix(assetsURL, "/"),
		seen:      make(map[string]bool),
	}
}

// Decode parses one line. Lines that carry nothing the caller sees yield
// no fragments. A *FrameError is returned for in-band errors and
// ErrMalformedFrame for undecodable lines.
func (d *FrameDecoder) Decode(line []byte) ([]domain.Fragment, error) {
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Error != nil {
		return nil, f.Error
	}
	if f.Result == nil || f.Result.Response == nil {
		return nil, nil
	}
	resp := f.Result.Response

	var out []domain.Fragment

	if v := resp.StreamingVideoGenerationResponse; v != nil {
		if v.Progress >= 100 && v.VideoURL != "" {
			out = d.appendMedia(out, domain.MediaVideo, v.VideoURL)
		}
		return out, nil
	}

	if mr := resp.ModelResponse; mr != nil {
		for _, u := range mr.GeneratedImageURLs {
			out = d.appendMedia(out, domain.MediaImage, u)
		}
		return out, nil
	}

	if resp.Token == "" || resp.MessageTag == "heartbeat" {
		return nil, nil
	}
	kind := domain.FragmentText
	if resp.IsThinking {
		kind = domain.FragmentReasoning
	}
	return append(out, domain.Fragment{Kind: kind, Text: resp.Token}), nil
}

func (d *FrameDecoder) appendMedia(out []domain.Fragment, kind domain.MediaKind, raw string) []domain.Fragment {
	u := d.AbsoluteURL(raw)
	if d.seen[u] {
		return out
	}
	d.seen[u] = true
	return append(out, domain.Fragment{
		Kind:  domain.FragmentMedia,
		Media: &domain.MediaRef{Kind: kind, URL: u, SourceURL: u},
	})
}

// AbsoluteURL prefixes asset paths with the assets host.
func (d *FrameDecoder) AbsoluteURL(raw string) string {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	return d.assetsURL + "/" + strings.TrimPrefix(raw, "/")
}

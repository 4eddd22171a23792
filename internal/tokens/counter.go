// Package tokens estimates token counts. The upstream reports none, so the
// usage objects returned to callers and the max_tokens limit rely on these
// counts.
package tokens

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/tjfontaine/grok-gateway/internal/domain"
)

const (
	// Chat framing overhead, following the chat-completions accounting.
	tokensPerMessage = 3
	tokensPerRole    = 1
	assistantPriming = 3
	// tokensPerImage is a flat charge for an attached image.
	tokensPerImage = 85
)

// Counter counts tokens with a tiktoken encoding. When the encoding cannot
// be loaded it falls back to the character estimator.
type Counter struct {
	encoding tokenizer.Encoding

	once     sync.Once
	codec    tokenizer.Codec
	fallback *Estimator
}

var _ domain.TokenCounter = (*Counter)(nil)

// NewCounter creates a counter for the given encoding. An empty encoding
// selects o200k_base.
func NewCounter(encoding tokenizer.Encoding) *Counter {
	if encoding == "" {
		encoding = tokenizer.O200kBase
	}
	return &Counter{encoding: encoding, fallback: NewEstimator()}
}

func (c *Counter) getCodec() tokenizer.Codec {
	c.once.Do(func() {
		codec, err := tokenizer.Get(c.encoding)
		if err == nil {
			c.codec = codec
		}
	})
	return c.codec
}

// CountText counts tokens for a plain text string.
func (c *Counter) CountText(text string) int {
	if text == "" {
		return 0
	}
	codec := c.getCodec()
	if codec == nil {
		return c.fallback.CountText(text)
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return c.fallback.CountText(text)
	}
	return len(ids)
}

// CountRequest counts the prompt tokens of a request, including message
// framing and a flat charge per attached image.
func (c *Counter) CountRequest(req *domain.Request) *domain.TokenCountResponse {
	estimated := c.getCodec() == nil
	total := 0

	if req.System != "" {
		total += tokensPerMessage + tokensPerRole
		total += c.CountText(req.System)
	}

	for _, msg := range req.Messages {
		total += tokensPerMessage + tokensPerRole
		total += c.CountText(msg.Text())
		total += len(msg.Images()) * tokensPerImage
	}

	total += assistantPriming

	return &domain.TokenCountResponse{
		InputTokens: total,
		Model:       req.Model,
		Estimated:   estimated,
	}
}

// Estimator provides token count estimation based on character analysis.
type Estimator struct {
	// CharsPerToken is the average characters per token (default: 4)
	CharsPerToken float64
}

var _ domain.TokenCounter = (*Estimator)(nil)

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{
		CharsPerToken: 4.0,
	}
}

// CountText estimates the tokens of a string, rounding up.
func (e *Estimator) CountText(text string) int {
	n := len([]rune(strings.TrimSpace(text)))
	if n == 0 {
		return 0
	}
	tokens := int(float64(n)/e.CharsPerToken + 0.999)
	return max(tokens, 1)
}

// CountRequest estimates the prompt tokens of a request.
func (e *Estimator) CountRequest(req *domain.Request) *domain.TokenCountResponse {
	totalChars := len(req.System)
	images := 0
	for _, msg := range req.Messages {
		totalChars += len(msg.Role)
		totalChars += len(msg.Text())
		// role tokens + separators
		totalChars += 4
		images += len(msg.Images())
	}

	return &domain.TokenCountResponse{
		InputTokens: int(float64(totalChars)/e.CharsPerToken) + images*tokensPerImage,
		Model:       req.Model,
		Estimated:   true,
	}
}

package domain

import (
	"strings"
	"time"
)

// Dialect identifies one of the public wire protocols the gateway speaks.
type Dialect string

const (
	// DialectOpenAI is the chat-completions dialect.
	DialectOpenAI Dialect = "openai"
	// DialectAnthropic is the messages dialect.
	DialectAnthropic Dialect = "anthropic"
)

// ContentType is the kind of a request content part.
type ContentType string

const (
	ContentTypeText  ContentType = "text"
	ContentTypeImage ContentType = "image"
)

// ContentPart is one piece of a message turn.
type ContentPart struct {
	Type ContentType `json:"type"`
	Text string      `json:"text,omitempty"`
	// ImageURL is an http(s) URL or a data URL.
	ImageURL string `json:"image_url,omitempty"`
}

// Message is a single conversation turn.
type Message struct {
	Role  string        `json:"role"`
	Parts []ContentPart `json:"parts"`
}

// Text concatenates the text parts of the message.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == ContentTypeText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Images returns the image references of the message in order.
func (m Message) Images() []string {
	var urls []string
	for _, p := range m.Parts {
		if p.Type == ContentTypeImage && p.ImageURL != "" {
			urls = append(urls, p.ImageURL)
		}
	}
	return urls
}

// Timeouts bounds a single upstream exchange.
type Timeouts struct {
	FirstByte time.Duration
	Chunk     time.Duration
	Total     time.Duration
}

// Request is the canonical, dialect-independent request context. It is
// created per inbound call and owned by the pipeline serving it.
type Request struct {
	ID      string
	Dialect Dialect
	// Model is the public name the caller asked for.
	Model  string
	Stream bool
	// System carries a separate system prompt (messages dialect). Inline
	// system turns stay in Messages.
	System        string
	Messages      []Message
	MaxTokens     int
	Temperature   *float64
	TopP          *float64
	StopSequences []string
	IncludeUsage  bool
	Timeouts      Timeouts
	UserAgent     string
}

// StopReason is the canonical reason generation ended.
type StopReason string

const (
	StopReasonEndTurn      StopReason = "end_turn"
	StopReasonMaxTokens    StopReason = "max_tokens"
	StopReasonStopSequence StopReason = "stop_sequence"
)

// Usage is token accounting for one exchange.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// FragmentKind classifies a piece of provider output.
type FragmentKind string

const (
	FragmentText      FragmentKind = "text"
	FragmentReasoning FragmentKind = "reasoning"
	FragmentMedia     FragmentKind = "media"
)

// Fragment is one unit of generated content. Provider output arrives as an
// ungrouped sequence of fragments; dialect codecs frame them.
type Fragment struct {
	Kind  FragmentKind
	Text  string
	Media *MediaRef
}

// MediaKind is the class of a media artifact.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

// ParseMediaKind validates a media kind name.
func ParseMediaKind(s string) (MediaKind, bool) {
	switch MediaKind(s) {
	case MediaImage, MediaVideo:
		return MediaKind(s), true
	}
	return "", false
}

// MediaRef points at a piece of generated media.
type MediaRef struct {
	Kind MediaKind
	// URL is what the caller sees: a gateway URL, a data URL, or the
	// provider URL when mirroring failed.
	URL       string
	SourceURL string
	MediaType string
}

// Completion is a fully collected, translated response.
type Completion struct {
	ID         string
	Model      string
	Created    int64
	Fragments  []Fragment
	StopReason StopReason
	Usage      Usage
}

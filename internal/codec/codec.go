// Package codec converts between the public wire dialects and the
// canonical request, fragment and completion types.
//
// Each dialect implements Codec:
//   - front door receives a request → Codec.DecodeRequest() → domain.Request
//   - pipeline yields fragments → StreamEncoder → dialect events
//   - pipeline yields a completion → Codec.EncodeResponse() → response body
package codec

import (
	"fmt"
	"sync"

	"github.com/tjfontaine/grok-gateway/internal/domain"
)

// Codec handles one public dialect.
type Codec interface {
	// Dialect returns the dialect this codec speaks.
	Dialect() domain.Dialect

	// DecodeRequest parses and validates a request body.
	DecodeRequest(data []byte) (*domain.Request, error)

	// EncodeResponse renders a complete, non-streamed response.
	EncodeResponse(c *domain.Completion) ([]byte, error)

	// NewStreamEncoder starts the event framing for one streamed response.
	NewStreamEncoder(meta StreamMetadata) StreamEncoder

	ErrorFormatter
}

// StreamMetadata contains what the framing needs before content arrives.
type StreamMetadata struct {
	ID           string
	Model        string
	Created      int64
	InputTokens  int
	IncludeUsage bool
}

// Event is one server-sent event. Name is empty for dialects that only
// send data lines.
type Event struct {
	Name string
	Data []byte
}

// StreamEncoder frames fragments as dialect events. Implementations are
// single-request state machines and are not safe for concurrent use.
type StreamEncoder interface {
	// Start returns the events that open the response.
	Start() []Event

	// Fragment returns the events for one fragment, including any block
	// boundaries the change of fragment kind implies.
	Fragment(f domain.Fragment) []Event

	// Finish closes open blocks and ends the message.
	Finish(reason domain.StopReason, usage domain.Usage) []Event

	// Error terminates the stream with an error event.
	Error(err *domain.APIError) []Event
}

// Registry maps dialects to codecs.
type Registry struct {
	mu     sync.RWMutex
	codecs map[domain.Dialect]Codec
}

// NewRegistry creates a registry holding the given codecs.
func NewRegistry(codecs ...Codec) *Registry {
	r := &Registry{codecs: make(map[domain.Dialect]Codec)}
	for _, c := range codecs {
		r.codecs[c.Dialect()] = c
	}
	return r
}

// Register adds or replaces a codec.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[c.Dialect()] = c
}

// Get returns the codec for a dialect.
func (r *Registry) Get(d domain.Dialect) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[d]
	if !ok {
		return nil, fmt.Errorf("no codec registered for dialect %q", d)
	}
	return c, nil
}

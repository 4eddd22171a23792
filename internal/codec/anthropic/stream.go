package anthropic

import (
	"encoding/json"

	"github.com/tjfontaine/grok-gateway/internal/api/anthropic"
	"github.com/tjfontaine/grok-gateway/internal/codec"
	"github.com/tjfontaine/grok-gateway/internal/domain"
)

// Event names of the messages stream.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventError             = "error"
)

// NewStreamEncoder starts block framing for one response.
func (c *Codec) NewStreamEncoder(meta codec.StreamMetadata) codec.StreamEncoder {
	return &streamEncoder{meta: meta, formatter: c.AnthropicErrorFormatter}
}

// streamEncoder tracks the open content block. At most one block is open at
// a time and indexes increase from zero. A message always carries at least
// one block.
type streamEncoder struct {
	meta      codec.StreamMetadata
	formatter codec.AnthropicErrorFormatter

	next int
	open domain.FragmentKind
}

func event(name string, v any) codec.Event {
	data, _ := json.Marshal(v)
	return codec.Event{Name: name, Data: data}
}

func (e *streamEncoder) Start() []codec.Event {
	return []codec.Event{event(EventMessageStart, &anthropic.MessageStartEvent{
		Type: EventMessageStart,
		Message: anthropic.MessagesResponse{
			ID:      e.meta.ID,
			Type:    "message",
			Role:    "assistant",
			Model:   e.meta.Model,
			Content: []anthropic.ResponseContent{},
			Usage:   anthropic.MessagesUsage{InputTokens: e.meta.InputTokens},
		},
	})}
}

func (e *streamEncoder) startBlock(block anthropic.ResponseContent) codec.Event {
	return event(EventContentBlockStart, &anthropic.ContentBlockStartEvent{
		Type:         EventContentBlockStart,
		Index:        e.next,
		ContentBlock: block,
	})
}

func (e *streamEncoder) delta(d anthropic.BlockDelta) codec.Event {
	return event(EventContentBlockDelta, &anthropic.ContentBlockDeltaEvent{
		Type:  EventContentBlockDelta,
		Index: e.next,
		Delta: d,
	})
}

// stopBlock closes the current block and advances the index.
func (e *streamEncoder) stopBlock() codec.Event {
	ev := event(EventContentBlockStop, &anthropic.ContentBlockStopEvent{
		Type:  EventContentBlockStop,
		Index: e.next,
	})
	e.next++
	e.open = ""
	return ev
}

func (e *streamEncoder) closeOpen() []codec.Event {
	if e.open == "" {
		return nil
	}
	return []codec.Event{e.stopBlock()}
}

func (e *streamEncoder) Fragment(f domain.Fragment) []codec.Event {
	switch f.Kind {
	case domain.FragmentText, domain.FragmentReasoning:
		if f.Text == "" {
			return nil
		}
		var events []codec.Event
		if e.open != f.Kind {
			events = e.closeOpen()
			empty := ""
			if f.Kind == domain.FragmentReasoning {
				events = append(events, e.startBlock(anthropic.ResponseContent{Type: "thinking", Thinking: &empty}))
			} else {
				events = append(events, e.startBlock(anthropic.ResponseContent{Type: "text", Text: &empty}))
			}
			e.open = f.Kind
		}
		if f.Kind == domain.FragmentReasoning {
			return append(events, e.delta(anthropic.BlockDelta{Type: "thinking_delta", Thinking: f.Text}))
		}
		return append(events, e.delta(anthropic.BlockDelta{Type: "text_delta", Text: f.Text}))

	case domain.FragmentMedia:
		if f.Media == nil {
			return nil
		}
		events := e.closeOpen()
		block := MediaBlock(f.Media)
		if block.Type == "text" {
			// text blocks open empty and carry their content in a delta
			empty := ""
			events = append(events,
				e.startBlock(anthropic.ResponseContent{Type: "text", Text: &empty}),
				e.delta(anthropic.BlockDelta{Type: "text_delta", Text: *block.Text}),
			)
		} else {
			events = append(events, e.startBlock(block))
		}
		return append(events, e.stopBlock())
	}
	return nil
}

func (e *streamEncoder) Finish(reason domain.StopReason, usage domain.Usage) []codec.Event {
	events := e.closeOpen()
	if e.next == 0 {
		empty := ""
		events = append(events,
			e.startBlock(anthropic.ResponseContent{Type: "text", Text: &empty}),
			e.stopBlock(),
		)
	}
	events = append(events,
		event(EventMessageDelta, &anthropic.MessageDeltaEvent{
			Type:  EventMessageDelta,
			Delta: anthropic.MessageDelta{StopReason: string(reason)},
			Usage: &anthropic.DeltaUsage{OutputTokens: usage.OutputTokens},
		}),
		event(EventMessageStop, &anthropic.MessageStopEvent{Type: EventMessageStop}),
	)
	return events
}

func (e *streamEncoder) Error(err *domain.APIError) []codec.Event {
	return []codec.Event{{Name: EventError, Data: e.formatter.FormatError(err).Body}}
}

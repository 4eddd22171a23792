package anthropic

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/tjfontaine/grok-gateway/internal/codec"
	"github.com/tjfontaine/grok-gateway/internal/domain"
)

func TestCodec_Dialect(t *testing.T) {
	if got := New().Dialect(); got != domain.DialectAnthropic {
		t.Errorf("Dialect() = %q, want %q", got, domain.DialectAnthropic)
	}
}

func TestCodec_DecodeRequest(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		wantSystem   string
		wantMaxTok   int
		wantMsgCount int
		wantParts    int
		wantErrParam string
		wantErr      bool
	}{
		{
			name:         "string content",
			input:        `{"model":"claude-3-haiku","max_tokens":100,"messages":[{"role":"user","content":"Hello"}]}`,
			wantMaxTok:   100,
			wantMsgCount: 1,
			wantParts:    1,
		},
		{
			name: "system blocks stay separate",
			input: `{"model":"grok-4","max_tokens":8,
				"system":[{"type":"text","text":"Be"},{"type":"text","text":"brief"}],
				"messages":[{"role":"user","content":"Hi"}]}`,
			wantSystem:   "Be\nbrief",
			wantMaxTok:   8,
			wantMsgCount: 1,
			wantParts:    1,
		},
		{
			name: "base64 image and echoed thinking",
			input: `{"model":"grok-4","max_tokens":8,"messages":[
				{"role":"assistant","content":[{"type":"thinking","thinking":"old"},{"type":"text","text":"prev"}]},
				{"role":"user","content":[{"type":"image","source":{"type":"base64","media_type":"image/png","data":"AAAA"}},{"type":"text","text":"this?"}]}]}`,
			wantMaxTok:   8,
			wantMsgCount: 2,
			wantParts:    1,
		},
		{
			name:         "missing max_tokens",
			input:        `{"model":"grok-4","messages":[{"role":"user","content":"x"}]}`,
			wantErr:      true,
			wantErrParam: "max_tokens",
		},
		{
			name:         "zero max_tokens",
			input:        `{"model":"grok-4","max_tokens":0,"messages":[{"role":"user","content":"x"}]}`,
			wantErr:      true,
			wantErrParam: "max_tokens",
		},
		{
			name:         "system role in messages",
			input:        `{"model":"grok-4","max_tokens":1,"messages":[{"role":"system","content":"x"}]}`,
			wantErr:      true,
			wantErrParam: "messages",
		},
		{
			name:         "tool_use rejected",
			input:        `{"model":"grok-4","max_tokens":1,"messages":[{"role":"assistant","content":[{"type":"tool_use"}]}]}`,
			wantErr:      true,
			wantErrParam: "messages",
		},
		{
			name:         "image without source",
			input:        `{"model":"grok-4","max_tokens":1,"messages":[{"role":"user","content":[{"type":"image"}]}]}`,
			wantErr:      true,
			wantErrParam: "messages",
		},
		{
			name:    "invalid JSON",
			input:   `{invalid`,
			wantErr: true,
		},
	}

	c := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.DecodeRequest([]byte(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				var apiErr *domain.APIError
				require.ErrorAs(t, err, &apiErr)
				assert.Equal(t, domain.ErrorTypeInvalidRequest, apiErr.Type)
				assert.Equal(t, tt.wantErrParam, apiErr.Param)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, domain.DialectAnthropic, got.Dialect)
			assert.Equal(t, tt.wantSystem, got.System)
			assert.Equal(t, tt.wantMaxTok, got.MaxTokens)
			require.Len(t, got.Messages, tt.wantMsgCount)
			assert.Len(t, got.Messages[0].Parts, tt.wantParts)
		})
	}
}

func TestCodec_DecodeRequest_ImageDataURL(t *testing.T) {
	req, err := New().DecodeRequest([]byte(`{"model":"grok-4","max_tokens":4,"messages":[
		{"role":"user","content":[{"type":"image","source":{"type":"base64","media_type":"image/jpeg","data":"QUJD"}}]}]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"data:image/jpeg;base64,QUJD"}, req.Messages[0].Images())
}

func TestCodec_EncodeResponse(t *testing.T) {
	comp := &domain.Completion{
		ID:    "msg_1",
		Model: "grok-4",
		Fragments: []domain.Fragment{
			{Kind: domain.FragmentReasoning, Text: "th"},
			{Kind: domain.FragmentReasoning, Text: "ink"},
			{Kind: domain.FragmentText, Text: "Hello "},
			{Kind: domain.FragmentText, Text: "there"},
			{Kind: domain.FragmentMedia, Media: &domain.MediaRef{Kind: domain.MediaImage, URL: "data:image/png;base64,AAAA"}},
			{Kind: domain.FragmentMedia, Media: &domain.MediaRef{Kind: domain.MediaVideo, URL: "http://gw/media/video/v"}},
		},
		StopReason: domain.StopReasonEndTurn,
		Usage:      domain.Usage{InputTokens: 5, OutputTokens: 9},
	}

	data, err := New().EncodeResponse(comp)
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(data, &resp))

	assert.Equal(t, "message", resp["type"])
	assert.Equal(t, "end_turn", resp["stop_reason"])
	assert.Nil(t, resp["stop_sequence"])

	content := resp["content"].([]any)
	require.Len(t, content, 4)
	assert.Equal(t, map[string]any{"type": "thinking", "thinking": "think"}, content[0])
	assert.Equal(t, map[string]any{"type": "text", "text": "Hello there"}, content[1])
	assert.Equal(t, map[string]any{
		"type":   "image",
		"source": map[string]any{"type": "base64", "media_type": "image/png", "data": "AAAA"},
	}, content[2])
	assert.Equal(t, map[string]any{"type": "text", "text": "[video](http://gw/media/video/v)"}, content[3])

	usage := resp["usage"].(map[string]any)
	assert.EqualValues(t, 5, usage["input_tokens"])
	assert.EqualValues(t, 9, usage["output_tokens"])
}

func TestStreamEncoder_Blocks(t *testing.T) {
	enc := New().NewStreamEncoder(codec.StreamMetadata{ID: "msg_1", Model: "grok-4", InputTokens: 12})

	var events []codec.Event
	events = append(events, enc.Start()...)
	events = append(events, enc.Fragment(domain.Fragment{Kind: domain.FragmentReasoning, Text: "r"})...)
	events = append(events, enc.Fragment(domain.Fragment{Kind: domain.FragmentText, Text: "a"})...)
	events = append(events, enc.Fragment(domain.Fragment{Kind: domain.FragmentText, Text: "b"})...)
	events = append(events, enc.Fragment(domain.Fragment{Kind: domain.FragmentMedia, Media: &domain.MediaRef{Kind: domain.MediaImage, URL: "http://gw/i"}})...)
	events = append(events, enc.Finish(domain.StopReasonMaxTokens, domain.Usage{OutputTokens: 3})...)

	var names []string
	for _, ev := range events {
		names = append(names, ev.Name)
	}
	assert.Equal(t, []string{
		EventMessageStart,
		EventContentBlockStart, EventContentBlockDelta, EventContentBlockStop, // thinking 0
		EventContentBlockStart, EventContentBlockDelta, EventContentBlockDelta, EventContentBlockStop, // text 1
		EventContentBlockStart, EventContentBlockStop, // image 2
		EventMessageDelta,
		EventMessageStop,
	}, names)

	assert.Contains(t, string(events[0].Data), `"input_tokens":12`)
	assert.Contains(t, string(events[2].Data), `"thinking_delta"`)
	assert.Contains(t, string(events[8].Data), `"index":2`)
	assert.Contains(t, string(events[8].Data), `"url":"http://gw/i"`)
	assert.Contains(t, string(events[10].Data), `"stop_reason":"max_tokens"`)
	assert.Contains(t, string(events[10].Data), `"output_tokens":3`)
}

func TestStreamEncoder_Error(t *testing.T) {
	enc := New().NewStreamEncoder(codec.StreamMetadata{ID: "msg_1"})
	events := enc.Error(domain.ErrOverloaded("busy"))
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Name)
	assert.JSONEq(t, `{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`, string(events[0].Data))
}

type streamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

// TestStreamEncoder_Grammar checks that any fragment sequence produces
// message_start, well-nested blocks with increasing indexes, then
// message_delta and message_stop.
func TestStreamEncoder_Grammar(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		enc := New().NewStreamEncoder(codec.StreamMetadata{ID: "msg", Model: "m"})
		frags := rapid.SliceOf(rapid.Custom(func(t *rapid.T) domain.Fragment {
			switch rapid.IntRange(0, 3).Draw(t, "kind") {
			case 0:
				return domain.Fragment{Kind: domain.FragmentText, Text: rapid.StringN(0, 4, -1).Draw(t, "text")}
			case 1:
				return domain.Fragment{Kind: domain.FragmentReasoning, Text: rapid.StringN(0, 4, -1).Draw(t, "reasoning")}
			case 2:
				return domain.Fragment{Kind: domain.FragmentMedia, Media: &domain.MediaRef{Kind: domain.MediaImage, URL: "http://i"}}
			default:
				return domain.Fragment{Kind: domain.FragmentMedia, Media: &domain.MediaRef{Kind: domain.MediaVideo, URL: "http://v"}}
			}
		})).Draw(t, "frags")

		events := enc.Start()
		for _, f := range frags {
			events = append(events, enc.Fragment(f)...)
		}
		events = append(events, enc.Finish(domain.StopReasonEndTurn, domain.Usage{})...)

		if events[0].Name != EventMessageStart {
			t.Fatalf("first event %q", events[0].Name)
		}
		n := len(events)
		if events[n-2].Name != EventMessageDelta || events[n-1].Name != EventMessageStop {
			t.Fatalf("tail events %q %q", events[n-2].Name, events[n-1].Name)
		}

		open := -1
		next := 0
		for _, ev := range events[1 : n-2] {
			var se streamEvent
			if err := json.Unmarshal(ev.Data, &se); err != nil {
				t.Fatalf("bad event data: %v", err)
			}
			if se.Type != ev.Name {
				t.Fatalf("event name %q carries type %q", ev.Name, se.Type)
			}
			switch ev.Name {
			case EventContentBlockStart:
				if open != -1 || se.Index != next {
					t.Fatalf("block start %d while open=%d next=%d", se.Index, open, next)
				}
				open = se.Index
			case EventContentBlockDelta:
				if open == -1 || se.Index != open {
					t.Fatalf("delta for %d while open=%d", se.Index, open)
				}
			case EventContentBlockStop:
				if open == -1 || se.Index != open {
					t.Fatalf("stop for %d while open=%d", se.Index, open)
				}
				open = -1
				next++
			default:
				t.Fatalf("unexpected event %q inside message", ev.Name)
			}
		}
		if open != -1 {
			t.Fatalf("block %d left open", open)
		}
		if next == 0 {
			t.Fatalf("message carried no content block")
		}
	})
}

func TestStreamEncoder_EmptyReplyHasOneTextBlock(t *testing.T) {
	enc := New().NewStreamEncoder(codec.StreamMetadata{ID: "msg", Model: "m"})
	events := enc.Start()
	events = append(events, enc.Fragment(domain.Fragment{Kind: domain.FragmentText, Text: ""})...)
	events = append(events, enc.Finish(domain.StopReasonEndTurn, domain.Usage{})...)

	var names []string
	for _, ev := range events {
		names = append(names, ev.Name)
	}
	assert.Equal(t, []string{
		EventMessageStart,
		EventContentBlockStart,
		EventContentBlockStop,
		EventMessageDelta,
		EventMessageStop,
	}, names)
	assert.JSONEq(t, `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`, string(events[1].Data))
}

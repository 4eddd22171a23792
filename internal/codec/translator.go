package codec

import (
	"context"
	"log/slog"
	"strings"

	"github.com/tjfontaine/grok-gateway/internal/domain"
)

// MediaMirror replaces a provider media reference with the one the caller
// should see. On error the translator keeps the provider URL.
type MediaMirror interface {
	Substitute(ctx context.Context, ref domain.MediaRef) (domain.MediaRef, error)
}

// TranslatorConfig is shared by every translator a process creates.
type TranslatorConfig struct {
	// Markers are stripped from text and reasoning.
	Markers      []string
	ShowThinking bool
	Mirror       MediaMirror
	Counter      domain.TokenCounter
	Logger       *slog.Logger
}

// Translator turns the provider's fragment sequence into what the caller
// sees for one request: markers removed, reasoning shown or hidden, stop
// sequences and max_tokens applied, media mirrored. Both the streaming and
// the collecting paths push fragments through it, so they produce the
// same output.
type Translator struct {
	cfg TranslatorConfig
	req *domain.Request

	filters  map[domain.FragmentKind]*Filter
	stop     *Filter
	lastKind domain.FragmentKind

	inputTokens  int
	outputTokens int
	output       strings.Builder

	delivered bool
	done      bool
	reason    domain.StopReason
}

// NewTranslator creates the per-request state.
func NewTranslator(cfg TranslatorConfig, req *domain.Request) *Translator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	t := &Translator{
		cfg: cfg,
		req: req,
		filters: map[domain.FragmentKind]*Filter{
			domain.FragmentText:      NewFilter(cfg.Markers),
			domain.FragmentReasoning: NewFilter(cfg.Markers),
		},
		stop:   NewStopFilter(req.StopSequences),
		reason: domain.StopReasonEndTurn,
	}
	if cfg.Counter != nil {
		t.inputTokens = cfg.Counter.CountRequest(req).InputTokens
	}
	return t
}

// InputTokens is the estimated prompt size.
func (t *Translator) InputTokens() int {
	return t.inputTokens
}

// Done reports whether a stop sequence or max_tokens ended generation.
// Further fragments are ignored.
func (t *Translator) Done() bool {
	return t.done
}

// Delivered reports whether any output has been produced.
func (t *Translator) Delivered() bool {
	return t.delivered
}

// Push translates one provider fragment.
func (t *Translator) Push(ctx context.Context, frag domain.Fragment) []domain.Fragment {
	if t.done {
		return nil
	}
	// hidden reasoning is not a boundary the caller can see
	if frag.Kind == domain.FragmentReasoning && !t.cfg.ShowThinking {
		return nil
	}

	var out []domain.Fragment
	if frag.Kind != t.lastKind {
		out = t.flushKind(t.lastKind, out)
		t.lastKind = frag.Kind
		if t.done {
			return out
		}
	}

	switch frag.Kind {
	case domain.FragmentReasoning:
		out = t.emit(out, domain.FragmentReasoning, t.filters[domain.FragmentReasoning].Write(frag.Text))
	case domain.FragmentText:
		out = t.emitText(out, t.filters[domain.FragmentText].Write(frag.Text))
	case domain.FragmentMedia:
		if frag.Media == nil {
			return out
		}
		ref := t.substitute(ctx, *frag.Media)
		out = append(out, domain.Fragment{Kind: domain.FragmentMedia, Media: &ref})
		t.delivered = true
	}
	return out
}

// Finish releases held text and returns the final fragments, the stop
// reason and usage.
func (t *Translator) Finish() ([]domain.Fragment, domain.StopReason, domain.Usage) {
	var out []domain.Fragment
	if !t.done {
		out = t.flushKind(t.lastKind, out)
	}
	usage := domain.Usage{InputTokens: t.inputTokens}
	if t.cfg.Counter != nil {
		if t.output.Len() > 0 {
			usage.OutputTokens = t.cfg.Counter.CountText(t.output.String())
		}
	}
	return out, t.reason, usage
}

func (t *Translator) flushKind(kind domain.FragmentKind, out []domain.Fragment) []domain.Fragment {
	switch kind {
	case domain.FragmentText:
		out = t.emitText(out, t.filters[kind].Flush())
		if !t.done {
			out = t.emit(out, kind, t.stop.Flush())
			if t.stop.Stopped() {
				t.done = true
				t.reason = domain.StopReasonStopSequence
			}
		}
	case domain.FragmentReasoning:
		out = t.emit(out, kind, t.filters[kind].Flush())
	}
	return out
}

func (t *Translator) emitText(out []domain.Fragment, text string) []domain.Fragment {
	if !t.stop.Active() {
		return t.emit(out, domain.FragmentText, text)
	}
	out = t.emit(out, domain.FragmentText, t.stop.Write(text))
	if t.stop.Stopped() && !t.done {
		t.done = true
		t.reason = domain.StopReasonStopSequence
	}
	return out
}

func (t *Translator) emit(out []domain.Fragment, kind domain.FragmentKind, text string) []domain.Fragment {
	if text == "" || t.done {
		return out
	}
	out = append(out, domain.Fragment{Kind: kind, Text: text})
	t.output.WriteString(text)
	t.delivered = true

	if t.req.MaxTokens > 0 && t.cfg.Counter != nil {
		t.outputTokens += t.cfg.Counter.CountText(text)
		if t.outputTokens >= t.req.MaxTokens {
			t.done = true
			t.reason = domain.StopReasonMaxTokens
		}
	}
	return out
}

func (t *Translator) substitute(ctx context.Context, ref domain.MediaRef) domain.MediaRef {
	if t.cfg.Mirror == nil {
		return ref
	}
	got, err := t.cfg.Mirror.Substitute(ctx, ref)
	if err != nil {
		t.cfg.Logger.Warn("media mirror failed, keeping provider url",
			slog.String("request_id", t.req.ID),
			slog.String("kind", string(ref.Kind)),
			slog.String("error", err.Error()))
		return ref
	}
	return got
}

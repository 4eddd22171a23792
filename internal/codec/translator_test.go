package codec

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/grok-gateway/internal/domain"
)

// runeCounter counts one token per rune.
type runeCounter struct{}

func (runeCounter) CountText(text string) int { return utf8.RuneCountInString(text) }

func (runeCounter) CountRequest(*domain.Request) *domain.TokenCountResponse {
	return &domain.TokenCountResponse{InputTokens: 7, Estimated: true}
}

type fakeMirror struct {
	fail map[string]bool
}

func (m fakeMirror) Substitute(_ context.Context, ref domain.MediaRef) (domain.MediaRef, error) {
	if m.fail[ref.SourceURL] {
		return ref, errors.New("fetch failed")
	}
	ref.URL = "http://gw/media/" + string(ref.Kind) + "/abc"
	return ref, nil
}

func text(s string) domain.Fragment      { return domain.Fragment{Kind: domain.FragmentText, Text: s} }
func reasoning(s string) domain.Fragment { return domain.Fragment{Kind: domain.FragmentReasoning, Text: s} }
func image(u string) domain.Fragment {
	return domain.Fragment{Kind: domain.FragmentMedia, Media: &domain.MediaRef{Kind: domain.MediaImage, URL: u, SourceURL: u}}
}

func newTestTranslator(req *domain.Request, show bool) *Translator {
	return NewTranslator(TranslatorConfig{
		Markers:      []string{"<xaiartifact>", "</xaiartifact>"},
		ShowThinking: show,
		Mirror:       fakeMirror{fail: map[string]bool{"https://assets/bad.png": true}},
		Counter:      runeCounter{},
	}, req)
}

func collect(t *Translator, frags ...domain.Fragment) []domain.Fragment {
	var out []domain.Fragment
	for _, f := range frags {
		out = append(out, t.Push(context.Background(), f)...)
	}
	rest, _, _ := t.Finish()
	return append(out, rest...)
}

func TestTranslator_StripsMarkersAcrossFragments(t *testing.T) {
	tr := newTestTranslator(&domain.Request{}, true)

	out := collect(tr, text("Hi <xaiart"), text("ifact>there</xai"), text("artifact>!"))

	var got string
	for _, f := range out {
		require.Equal(t, domain.FragmentText, f.Kind)
		got += f.Text
	}
	assert.Equal(t, "Hi there!", got)
}

func TestTranslator_Reasoning(t *testing.T) {
	hidden := collect(newTestTranslator(&domain.Request{}, false), reasoning("think"), text("answer"))
	assert.Equal(t, []domain.Fragment{text("answer")}, hidden)

	shown := collect(newTestTranslator(&domain.Request{}, true), reasoning("think"), text("answer"))
	assert.Equal(t, []domain.Fragment{reasoning("think"), text("answer")}, shown)
}

func TestTranslator_HiddenReasoningKeepsTextFiltering(t *testing.T) {
	out := collect(newTestTranslator(&domain.Request{}, false), text("a<xaiart"), reasoning("hmm"), text("ifact>b"))
	assert.Equal(t, "ab", joinText(out))

	tr := newTestTranslator(&domain.Request{StopSequences: []string{"END"}}, false)
	out = collect(tr, text("done E"), reasoning("hmm"), text("ND tail"))
	assert.Equal(t, "done ", joinText(out))
	_, reason, _ := tr.Finish()
	assert.Equal(t, domain.StopReasonStopSequence, reason)
}

func TestTranslator_KindChangeReleasesHeldText(t *testing.T) {
	tr := newTestTranslator(&domain.Request{}, true)

	assert.Equal(t, []domain.Fragment{text("a")}, tr.Push(context.Background(), text("a<xai")))

	out := tr.Push(context.Background(), image("https://assets/ok.png"))
	require.Len(t, out, 2)
	assert.Equal(t, text("<xai"), out[0])
	assert.Equal(t, domain.FragmentMedia, out[1].Kind)
}

func TestTranslator_MediaSubstitution(t *testing.T) {
	tr := newTestTranslator(&domain.Request{ID: "req-1"}, true)

	out := collect(tr, image("https://assets/ok.png"), image("https://assets/bad.png"))
	require.Len(t, out, 2)
	assert.Equal(t, "http://gw/media/image/abc", out[0].Media.URL)
	assert.Equal(t, "https://assets/ok.png", out[0].Media.SourceURL)
	assert.Equal(t, "https://assets/bad.png", out[1].Media.URL, "failed mirror keeps the provider url")
	assert.True(t, tr.Delivered())
}

func TestTranslator_StopSequence(t *testing.T) {
	tr := newTestTranslator(&domain.Request{StopSequences: []string{"END"}}, true)

	assert.Equal(t, []domain.Fragment{text("hello")}, tr.Push(context.Background(), text("helloE")))
	assert.Empty(t, tr.Push(context.Background(), text("ND and more")))
	assert.True(t, tr.Done())
	assert.Empty(t, tr.Push(context.Background(), text("ignored")))

	rest, reason, usage := tr.Finish()
	assert.Empty(t, rest)
	assert.Equal(t, domain.StopReasonStopSequence, reason)
	assert.Equal(t, domain.Usage{InputTokens: 7, OutputTokens: 5}, usage)
}

func TestTranslator_StopSequenceSplitAcrossMarker(t *testing.T) {
	tr := newTestTranslator(&domain.Request{StopSequences: []string{"STOP"}}, true)

	out := collect(tr, text("go ST<xaiartifact>"), text("OP now"))
	assert.Equal(t, []domain.Fragment{text("go ")}, out)
}

func TestTranslator_MaxTokens(t *testing.T) {
	tr := newTestTranslator(&domain.Request{MaxTokens: 5}, true)

	assert.Equal(t, []domain.Fragment{text("abc")}, tr.Push(context.Background(), text("abc")))
	assert.False(t, tr.Done())
	assert.Equal(t, []domain.Fragment{text("defg")}, tr.Push(context.Background(), text("defg")))
	assert.True(t, tr.Done())

	_, reason, usage := tr.Finish()
	assert.Equal(t, domain.StopReasonMaxTokens, reason)
	assert.Equal(t, 7, usage.OutputTokens)
}

func TestTranslator_EndTurn(t *testing.T) {
	tr := newTestTranslator(&domain.Request{}, true)
	assert.False(t, tr.Delivered())
	assert.Equal(t, 7, tr.InputTokens())

	_, reason, usage := tr.Finish()
	assert.Equal(t, domain.StopReasonEndTurn, reason)
	assert.Equal(t, 0, usage.OutputTokens)
}

func joinText(frags []domain.Fragment) string {
	var b strings.Builder
	for _, f := range frags {
		if f.Kind == domain.FragmentText {
			b.WriteString(f.Text)
		}
	}
	return b.String()
}

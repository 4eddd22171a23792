package grok

import (
	"regexp"
	"strings"

	"github.com/tjfontaine/grok-gateway/internal/domain"
)

// ModeFast is the mode used for names the table does not know.
const ModeFast = "MODEL_MODE_FAST"

const dynamicModePrefix = "MODEL_MODE_"

var modelNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_\-.]*$`)

// ModelInfo maps a public model name to the provider's model and mode.
type ModelInfo struct {
	Alias string
	// Model and Mode are sent as modelName and modelMode.
	Model string
	Mode  string
	// Cost is the number of quota calls one request consumes.
	Cost          int
	RequiresSuper bool
	Video         bool
	DisplayName   string
	Description   string
}

// Tier is the credential tier a request for this model needs.
func (m ModelInfo) Tier() domain.Tier {
	if m.RequiresSuper {
		return domain.TierSuper
	}
	return domain.TierAny
}

var modelTable = []ModelInfo{
	{
		Alias: "grok-3-fast", Model: "grok-3", Mode: "MODEL_MODE_FAST", Cost: 1,
		DisplayName: "Grok 3 Fast", Description: "Fast and efficient Grok 3 model",
	},
	{
		Alias: "grok-4-fast", Model: "grok-4-mini-thinking-tahoe", Mode: "MODEL_MODE_GROK_4_MINI_THINKING", Cost: 1,
		DisplayName: "Grok 4 Fast", Description: "Fast version of Grok 4 with mini thinking capabilities",
	},
	{
		Alias: "grok-4-fast-expert", Model: "grok-4-mini-thinking-tahoe", Mode: "MODEL_MODE_EXPERT", Cost: 4,
		DisplayName: "Grok 4 Fast Expert", Description: "Expert mode of Grok 4 Fast with enhanced reasoning",
	},
	{
		Alias: "grok-4-expert", Model: "grok-4", Mode: "MODEL_MODE_EXPERT", Cost: 4,
		DisplayName: "Grok 4 Expert", Description: "Full Grok 4 model with expert mode capabilities",
	},
	{
		Alias: "grok-4-heavy", Model: "grok-4-heavy", Mode: "MODEL_MODE_HEAVY", Cost: 1, RequiresSuper: true,
		DisplayName: "Grok 4 Heavy", Description: "Most capable Grok 4 model; requires a Super credential",
	},
	{
		Alias: "grok-4.1", Model: "grok-4-1-non-thinking-w-tool", Mode: "MODEL_MODE_GROK_4_1", Cost: 1,
		DisplayName: "Grok 4.1", Description: "Grok 4.1 with tool capabilities",
	},
	{
		Alias: "grok-4.1-thinking", Model: "grok-4-1-thinking-1108b", Mode: "MODEL_MODE_AUTO", Cost: 1,
		DisplayName: "Grok 4.1 Thinking", Description: "Grok 4.1 with extended thinking",
	},
	{
		Alias: "grok-4.1-thinking-1129", Model: "grok-4-1-thinking-1129", Mode: "MODEL_MODE_GROK_4_1_THINKING", Cost: 1,
		DisplayName: "Grok 4.1 Thinking 1129", Description: "Grok 4.1 Thinking, 1129 revision",
	},
	{
		Alias: "grok-imagine-0.9", Model: "grok-3", Mode: "MODEL_MODE_FAST", Cost: 1, Video: true,
		DisplayName: "Grok Imagine 0.9", Description: "Image and video generation",
	},
}

var modelIndex = func() map[string]ModelInfo {
	m := make(map[string]ModelInfo, len(modelTable))
	for _, info := range modelTable {
		m[info.Alias] = info
	}
	return m
}()

// Models returns the static table in display order.
func Models() []ModelInfo {
	out := make([]ModelInfo, len(modelTable))
	copy(out, modelTable)
	return out
}

// Resolve maps a public model name to provider model and mode.
//
// Table aliases resolve directly. Messages-dialect names (claude-*) map
// onto a comparable alias. "name-MODEL_MODE_X" selects model name with
// mode MODEL_MODE_X. Anything else passes through with ModeFast.
func Resolve(name string) ModelInfo {
	if info, ok := modelIndex[name]; ok {
		return info
	}

	if strings.HasPrefix(name, "claude-") {
		alias := "grok-4.1"
		if strings.Contains(name, "haiku") {
			alias = "grok-4-fast"
		}
		info := modelIndex[alias]
		info.Alias = name
		return info
	}

	if model, mode, ok := parseDynamic(name); ok {
		return ModelInfo{Alias: name, Model: model, Mode: mode, Cost: 1}
	}

	return ModelInfo{Alias: name, Model: name, Mode: ModeFast, Cost: 1}
}

func parseDynamic(name string) (model, mode string, ok bool) {
	i := strings.LastIndex(name, "-")
	if i <= 0 {
		return "", "", false
	}
	model, mode = name[:i], name[i+1:]
	if !modelNamePattern.MatchString(model) || !strings.HasPrefix(mode, dynamicModePrefix) || mode == dynamicModePrefix {
		return "", "", false
	}
	return model, mode, true
}

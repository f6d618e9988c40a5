package empirebot

import (
	"strings"
)

// Model is the canonical identifier for an AI backend model, as stored in
// guild preferences and sent on the wire. User-facing aliases and display
// labels are mapped through ResolveModel and [Model.DisplayName] - a Model
// value should only ever be constructed via ResolveModel, so that nothing
// outside the allowed set can reach the backend's `model` field.
type Model string

const (
	ModelNovaMicro Model = "nova-micro"
	ModelDeepSeek  Model = "deepseek"
	ModelClaude    Model = "claude"
	ModelGrok      Model = "grok"
	ModelMistral   Model = "mistral"
	ModelGemini    Model = "gemini"
	ModelOpenAI    Model = "openai"
)

// AllowedModels is the fixed set of models a guild may select,
// in the order they're presented to users.
var AllowedModels = []Model{
	ModelNovaMicro,
	ModelDeepSeek,
	ModelClaude,
	ModelGrok,
	ModelMistral,
	ModelGemini,
	ModelOpenAI,
}

// modelAliases maps lowercased user-supplied tokens to canonical models.
// Canonical IDs are their own aliases, so round-tripping a stored
// preference always resolves.
var modelAliases = map[string]Model{
	"nova-micro": ModelNovaMicro,
	"dtempire":   ModelNovaMicro,
	"deepseek":   ModelDeepSeek,
	"claude":     ModelClaude,
	"grok":       ModelGrok,
	"mistral":    ModelMistral,
	"gemini":     ModelGemini,
	"openai":     ModelOpenAI,
}

var modelDisplayNames = map[Model]string{
	ModelNovaMicro: "DTEmpire",
	ModelDeepSeek:  "DeepSeek",
	ModelClaude:    "Claude",
	ModelGrok:      "Grok",
	ModelMistral:   "Mistral",
	ModelGemini:    "Gemini",
	ModelOpenAI:    "OpenAI",
}

// ResolveModel maps an arbitrary user-supplied token to a canonical Model.
// Lookup is case-insensitive and surrounding whitespace is ignored. The
// second return value is false for tokens outside the alias table.
func ResolveModel(token string) (Model, bool) {
	m, ok := modelAliases[strings.ToLower(strings.TrimSpace(token))]
	return m, ok
}

// DisplayName returns the user-facing label for the model. Unrecognized
// values fall back to the raw ID string.
func (m Model) DisplayName() string {
	if name, ok := modelDisplayNames[m]; ok {
		return name
	}
	return string(m)
}

// AllowedModelNames returns the display labels of AllowedModels, for
// usage/error messages and slash command choices.
func AllowedModelNames() []string {
	names := make([]string, 0, len(AllowedModels))
	for _, m := range AllowedModels {
		names = append(names, m.DisplayName())
	}
	return names
}

// effectiveModel decides which model to request on behalf of a message:
// an explicit override token (normally from config) beats the guild's
// stored preference, which beats no preference at all. Override tokens
// that don't resolve are ignored rather than passed through, so only
// canonical IDs ever reach the backend.
func effectiveModel(overrideToken string, guildPreference Model) (Model, bool) {
	if overrideToken != "" {
		if m, ok := ResolveModel(overrideToken); ok {
			return m, true
		}
	}
	if guildPreference != "" {
		return guildPreference, true
	}
	return "", false
}

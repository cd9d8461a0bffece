package app

import (
	"encoding/json"

	oyster "github.com/oysterlabs/oyster-gateway/internal"
)

// maxCustomPrompt bounds user-supplied system prompts so a single setting
// cannot eat the whole context window.
const maxCustomPrompt = 2000

// AIConfig is the per-user assistant configuration blob.
type AIConfig struct {
	Persona      string   `json:"persona,omitempty"`
	CustomPrompt string   `json:"custom_prompt,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
}

var personaPrompts = map[string]string{
	"concise":      "Be concise. Prefer short, direct answers.",
	"friendly":     "Be warm and conversational. Use plain language.",
	"professional": "Be formal and precise. Cite assumptions explicitly.",
	"teacher":      "Explain step by step, checking understanding as you go.",
}

// ParseAIConfig decodes a stored config blob. Garbled or absent blobs read as
// the zero config rather than failing the request.
func ParseAIConfig(raw json.RawMessage) AIConfig {
	var cfg AIConfig
	if len(raw) == 0 {
		return cfg
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return AIConfig{}
	}
	return cfg
}

// ValidateAIConfig rejects configs that would silently do nothing.
func ValidateAIConfig(cfg AIConfig) error {
	if cfg.Persona != "" {
		if _, ok := personaPrompts[cfg.Persona]; !ok {
			return oyster.ErrBadRequest
		}
	}
	if len(cfg.CustomPrompt) > maxCustomPrompt {
		return oyster.ErrBadRequest
	}
	if cfg.Temperature != nil && (*cfg.Temperature < 0 || *cfg.Temperature > 2) {
		return oyster.ErrBadRequest
	}
	return nil
}

// SystemPrompt renders the config into a system prompt. A custom prompt wins
// over a persona; both empty means no prompt.
func (c AIConfig) SystemPrompt() string {
	if c.CustomPrompt != "" {
		if len(c.CustomPrompt) > maxCustomPrompt {
			return c.CustomPrompt[:maxCustomPrompt]
		}
		return c.CustomPrompt
	}
	return personaPrompts[c.Persona]
}

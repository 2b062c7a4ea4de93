package services

import (
	"github.com/MegaGrindStone/mood-chat/internal/models"
	"github.com/MegaGrindStone/mood-chat/internal/persona"
)

// LLMParameters are the optional sampling parameters shared by the providers. A nil field leaves the
// provider default in place.
type LLMParameters struct {
	Temperature      *float32       `yaml:"temperature"`
	TopP             *float32       `yaml:"topP"`
	Stop             []string       `yaml:"stop"`
	PresencePenalty  *float32       `yaml:"presencePenalty"`
	FrequencyPenalty *float32       `yaml:"frequencyPenalty"`
	Seed             *int           `yaml:"seed"`
	LogitBias        map[string]int `yaml:"logitBias"`
	MaxTokens        *int           `yaml:"maxTokens"`
}

const errLoggerKey = "err"

// requestModel returns the model chosen by the user, falling back to the configured one.
func requestModel(req models.Request, fallback string) string {
	if req.Options.Model != "" {
		return req.Options.Model
	}
	return fallback
}

// requestCredential returns the API key given with the request, falling back to the configured one.
func requestCredential(req models.Request, fallback string) string {
	if req.Options.Credential != "" {
		return req.Options.Credential
	}
	return fallback
}

func requestSystemPrompt(req models.Request, base string) string {
	return persona.SystemPrompt(base, req.Options)
}

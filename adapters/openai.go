package adapters

import (
	"github.com/modelmesh/atprouter/ai/providers/openai"
	"github.com/modelmesh/atprouter/core"
	"github.com/modelmesh/atprouter/internal/ports"
)

// NewOpenAI wraps an OpenAI-compatible client (OpenAI itself, or any of
// the aliases openai.Client resolves: Groq, DeepSeek, xAI, Qwen, Together,
// Ollama) as a ports.Adapter. providerAlias follows the teacher's
// ai.WithProviderAlias convention, e.g. "openai", "openai.groq".
func NewOpenAI(cfg Config, apiKey, baseURL, providerAlias string, logger core.Logger) ports.Adapter {
	client := openai.NewClient(apiKey, baseURL, providerAlias, logger)
	return New(cfg, client)
}

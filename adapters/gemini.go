package adapters

import (
	"github.com/modelmesh/atprouter/ai/providers/gemini"
	"github.com/modelmesh/atprouter/core"
	"github.com/modelmesh/atprouter/internal/ports"
)

// NewGemini wraps Google Gemini's GenerateContent API client as a
// ports.Adapter.
func NewGemini(cfg Config, apiKey, baseURL string, logger core.Logger) ports.Adapter {
	client := gemini.NewClient(apiKey, baseURL, logger)
	return New(cfg, client)
}

package adapters

import (
	"github.com/modelmesh/atprouter/ai/providers/anthropic"
	"github.com/modelmesh/atprouter/core"
	"github.com/modelmesh/atprouter/internal/ports"
)

// NewAnthropic wraps Anthropic's native Messages API client as a
// ports.Adapter.
func NewAnthropic(cfg Config, apiKey, baseURL string, logger core.Logger) ports.Adapter {
	client := anthropic.NewClient(apiKey, baseURL, logger)
	return New(cfg, client)
}

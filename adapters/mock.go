package adapters

import (
	"github.com/modelmesh/atprouter/ai"
	"github.com/modelmesh/atprouter/ai/providers/mock"
	"github.com/modelmesh/atprouter/internal/ports"
)

// NewMock wraps the teacher's mock.Client as a ports.Adapter, useful for
// local development and integration tests that need a deterministic
// adapter without hitting a real provider. The returned *mock.Client is
// also handed back so callers can configure canned responses/errors with
// SetResponses/SetError.
func NewMock(cfg Config, aiCfg *ai.AIConfig) (ports.Adapter, *mock.Client) {
	client := mock.NewClient(aiCfg)
	return New(cfg, client), client
}

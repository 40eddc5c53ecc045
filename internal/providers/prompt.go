package providers

import (
	"context"
	"time"
)

// PromptRequest asks the prompt service to build a system prompt.
type PromptRequest struct {
	InstanceID   string `json:"instance_id"`
	BasePrompt   string `json:"base_prompt"`
	Personality  string `json:"personality,omitempty"`
	Context      string `json:"context,omitempty"`
	Message      string `json:"message"`
	GreetingHint bool   `json:"greeting,omitempty"`
}

// PromptClient calls the prompt-generation service.
type PromptClient struct {
	svc serviceClient
}

func NewPromptClient(url, apiKey string, timeout time.Duration) *PromptClient {
	return &PromptClient{svc: newServiceClient("prompt", url, apiKey, timeout)}
}

func (p *PromptClient) Enabled() bool { return p != nil && p.svc.configured() }

// Build returns the generated system prompt. Empty means the service had
// nothing to add.
func (p *PromptClient) Build(ctx context.Context, req PromptRequest) (string, error) {
	if !p.Enabled() {
		return "", nil
	}
	var out struct {
		SystemPrompt string `json:"system_prompt"`
	}
	if err := p.svc.post(ctx, "", req, &out); err != nil {
		return "", err
	}
	return out.SystemPrompt, nil
}

package providers

import (
	"context"
	"errors"
	"time"
)

// Personality overrides the instance's prompt and sampling for one reply.
type Personality struct {
	Name         string   `json:"name"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
}

// PersonalityClient calls an intent-classification service that picks a personality.
type PersonalityClient struct {
	svc serviceClient
}

func NewPersonalityClient(url, apiKey string, timeout time.Duration) *PersonalityClient {
	return &PersonalityClient{svc: newServiceClient("personality", url, apiKey, timeout)}
}

func (c *PersonalityClient) Enabled() bool { return c != nil && c.svc.configured() }

var errNoPersonality = errors.New("personality: classifier returned no personality")

// Classify selects a personality for message.
func (c *PersonalityClient) Classify(ctx context.Context, instanceID, message string) (*Personality, error) {
	if !c.Enabled() {
		return nil, errors.New("personality: classifier not configured")
	}
	var out struct {
		Personality *Personality `json:"personality"`
	}
	in := map[string]string{"instance_id": instanceID, "message": message}
	if err := c.svc.post(ctx, "", in, &out); err != nil {
		return nil, err
	}
	if out.Personality == nil || out.Personality.Name == "" {
		return nil, errNoPersonality
	}
	return out.Personality, nil
}

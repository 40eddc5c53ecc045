package providers

import (
	"context"
	"time"
)

// IntentRequest is sent to the intent/escalation analysis service.
type IntentRequest struct {
	InstanceID string    `json:"instance_id"`
	Sender     string    `json:"sender"`
	Message    string    `json:"message"`
	History    []Message `json:"history,omitempty"`
}

// IntentResult is the analyzer's verdict.
type IntentResult struct {
	NeedsHumanSupport bool    `json:"needsHumanSupport"`
	Confidence        float64 `json:"confidence,omitempty"`
	Reason            string  `json:"reason,omitempty"`
}

// IntentClient calls the intent analysis service.
type IntentClient struct {
	svc serviceClient
}

func NewIntentClient(url, apiKey string, timeout time.Duration) *IntentClient {
	return &IntentClient{svc: newServiceClient("intent", url, apiKey, timeout)}
}

func (c *IntentClient) Enabled() bool { return c != nil && c.svc.configured() }

// Analyze classifies a message. Unconfigured returns a zero result.
func (c *IntentClient) Analyze(ctx context.Context, req IntentRequest) (IntentResult, error) {
	var out IntentResult
	if !c.Enabled() {
		return out, nil
	}
	err := c.svc.post(ctx, "", req, &out)
	return out, err
}

package providers

import (
	"context"
	"time"
)

// EscalationNotice tells support staff that a conversation needs a human.
type EscalationNotice struct {
	InstanceID string    `json:"instance_id"`
	Sender     string    `json:"sender"`
	Reason     string    `json:"reason"`
	Numbers    []string  `json:"support_numbers"`
	Message    string    `json:"last_message"`
	At         time.Time `json:"escalated_at"`
}

// Notifier calls the escalation-notification service.
type Notifier struct {
	svc serviceClient
}

func NewNotifier(url, apiKey string, timeout time.Duration) *Notifier {
	svc := newServiceClient("notify", url, apiKey, timeout)
	svc.retry = DefaultRetryConfig()
	return &Notifier{svc: svc}
}

func (n *Notifier) Enabled() bool { return n != nil && n.svc.configured() }

// Notify posts the notice. Unconfigured or no support numbers is a no-op.
func (n *Notifier) Notify(ctx context.Context, notice EscalationNotice) error {
	if !n.Enabled() || len(notice.Numbers) == 0 {
		return nil
	}
	return n.svc.post(ctx, "", notice, nil)
}

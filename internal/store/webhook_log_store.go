package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Webhook log statuses.
const (
	WebhookStatusReceived  = "received"
	WebhookStatusProcessed = "processed"
	WebhookStatusIgnored   = "ignored"
	WebhookStatusFailed    = "failed"
)

// WebhookLog is a debug record of one inbound webhook.
type WebhookLog struct {
	ID         uuid.UUID `json:"id"`
	InstanceID string    `json:"instance_id"`
	Event      string    `json:"event"`
	Status     string    `json:"status"`
	Payload    string    `json:"payload,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// WebhookLogStore persists webhook debug logs.
type WebhookLogStore interface {
	Append(ctx context.Context, l *WebhookLog) error
	// Recent returns up to limit logs newest first. Empty instanceID lists all instances.
	Recent(ctx context.Context, instanceID string, limit int) ([]WebhookLog, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// ProcessedBatch marks a flushed buffer batch as handled.
type ProcessedBatch struct {
	BatchID     string    `json:"batch_id"`
	InstanceID  string    `json:"instance_id"`
	Sender      string    `json:"sender"`
	ProcessedAt time.Time `json:"processed_at"`
}

// BatchStore records processed batch ids so reprocessing is a no-op.
type BatchStore interface {
	// Claim records the batch. Returns false when it was already claimed.
	Claim(ctx context.Context, b ProcessedBatch) (bool, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

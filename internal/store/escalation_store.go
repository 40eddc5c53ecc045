package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Turn is one line of a context snapshot.
type Turn struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// EscalationRecord marks a conversation routed to a human operator.
// At most one unresolved record exists per (instance, sender).
type EscalationRecord struct {
	ID              uuid.UUID  `json:"id"`
	InstanceID      string     `json:"instance_id"`
	Sender          string     `json:"sender"`
	ConversationID  *uuid.UUID `json:"conversation_id,omitempty"`
	Reason          string     `json:"reason"` // protocol.Escalation*
	EscalatedAt     time.Time  `json:"escalated_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy      string     `json:"resolved_by,omitempty"`
	ContextSnapshot []Turn     `json:"context_snapshot,omitempty"`
}

// EscalationStore persists escalation records.
type EscalationStore interface {
	// GetActive returns the unresolved record for the pair, or ErrNotFound.
	GetActive(ctx context.Context, instanceID, sender string) (*EscalationRecord, error)
	// Create inserts a record. Returns ErrConflict when the pair already has an unresolved one.
	Create(ctx context.Context, r *EscalationRecord) error
	// Resolve closes the unresolved record for the pair. Returns ErrNotFound when there is none.
	Resolve(ctx context.Context, instanceID, sender, resolvedBy string, at time.Time) (*EscalationRecord, error)
	// List returns records newest first. Empty instanceID lists all instances.
	List(ctx context.Context, instanceID string, includeResolved bool, limit int) ([]EscalationRecord, error)
}

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Conversation message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Conversation is one dialogue session between a sender and an instance.
// At most one conversation per (instance, sender) is active or escalated.
type Conversation struct {
	ID           uuid.UUID      `json:"id"`
	InstanceID   string         `json:"instance_id"`
	Sender       string         `json:"sender"`
	Status       string         `json:"status"` // protocol.Conversation*
	LastActivity time.Time      `json:"last_activity"`
	Context      map[string]any `json:"context,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// ConversationMessage is one entry of the message log.
type ConversationMessage struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	InstanceID     string    `json:"instance_id"`
	Sender         string    `json:"sender"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConversationStore persists conversations and their message log.
// Lifecycle decisions (idle expiry, reactivation) live in the conversation package.
type ConversationStore interface {
	// GetCurrent returns the active or escalated conversation for the pair, or ErrNotFound.
	GetCurrent(ctx context.Context, instanceID, sender string) (*Conversation, error)
	// GetLatest returns the most recently created conversation of any status, or ErrNotFound.
	GetLatest(ctx context.Context, instanceID, sender string) (*Conversation, error)
	// Create inserts a conversation. Returns ErrConflict when the pair already has a current one.
	Create(ctx context.Context, c *Conversation) error
	// UpdateStatus sets status and last activity and merges note into the context blob.
	// Returns ErrConflict when moving to active/escalated would create a second current conversation.
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, at time.Time, note map[string]any) error
	// Touch bumps last activity.
	Touch(ctx context.Context, id uuid.UUID, at time.Time) error
	// ExpireIdle moves active conversations idle since before to expired.
	ExpireIdle(ctx context.Context, before time.Time, note map[string]any) (int64, error)

	AppendMessage(ctx context.Context, m *ConversationMessage) error
	// RecentMessages returns up to limit messages of a conversation, oldest first.
	RecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]ConversationMessage, error)
	// RecentByRole returns messages of the given role sent to or from the pair since the given time, newest first.
	RecentByRole(ctx context.Context, instanceID, sender, role string, since time.Time) ([]ConversationMessage, error)
}

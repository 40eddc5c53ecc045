package pg

import (
	"fmt"

	"github.com/nextlevelbuilder/replydesk/internal/store"
)

// NewPGStores creates all stores backed by Postgres (managed mode).
func NewPGStores(cfg store.StoreConfig) (*store.Stores, error) {
	db, err := OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	return &store.Stores{
		Conversations: NewPGConversationStore(db),
		Escalations:   NewPGEscalationStore(db),
		Instances:     NewPGInstanceConfigStore(db),
		WebhookLogs:   NewPGWebhookLogStore(db),
		Batches:       NewPGBatchStore(db),
		Close:         db.Close,
	}, nil
}

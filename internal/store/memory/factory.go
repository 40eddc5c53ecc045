package memory

import "github.com/nextlevelbuilder/replydesk/internal/store"

// NewStores creates all stores in process memory. Used by tests and by
// standalone mode before SQLite overrides the log and batch stores.
func NewStores(instances ...store.InstanceConfig) *store.Stores {
	return &store.Stores{
		Conversations: NewConversationStore(),
		Escalations:   NewEscalationStore(),
		Instances:     NewInstanceConfigStore(instances...),
		WebhookLogs:   NewWebhookLogStore(),
		Batches:       NewBatchStore(),
		Close:         func() error { return nil },
	}
}

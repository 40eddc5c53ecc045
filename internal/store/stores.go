package store

// StoreConfig configures store creation.
type StoreConfig struct {
	PostgresDSN string // managed mode only
	SQLitePath  string // standalone webhook log and batch markers
}

// Stores is the top-level container for all storage backends.
// In standalone mode conversations, escalations and instance configs are in memory,
// while webhook logs and batch markers go to SQLite.
type Stores struct {
	Conversations ConversationStore
	Escalations   EscalationStore
	Instances     InstanceConfigStore
	WebhookLogs   WebhookLogStore
	Batches       BatchStore

	// Close releases underlying connections.
	Close func() error
}

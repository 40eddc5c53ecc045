package upgrade

import (
	"context"
	"database/sql"
)

// Data migration hooks are registered here.
// Add new hooks when a schema migration requires Go-based data transformation.

func init() {
	RegisterDataHook(2, "002_strip_sender_jid_suffix", stripSenderJIDSuffix)
}

// stripSenderJIDSuffix rewrites senders stored with the gateway's "@s.whatsapp.net"
// suffix to bare numbers, matching what the webhook normalizer produces.
// Conversations whose bare twin already exists are left alone so the
// one-current-conversation index is never violated.
func stripSenderJIDSuffix(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`UPDATE conversation_messages SET sender = split_part(sender, '@', 1)
		 WHERE sender LIKE '%@s.whatsapp.net'`,
		`UPDATE conversations c SET sender = split_part(c.sender, '@', 1)
		 WHERE c.sender LIKE '%@s.whatsapp.net'
		   AND NOT EXISTS (
		     SELECT 1 FROM conversations o
		     WHERE o.instance_id = c.instance_id AND o.sender = split_part(c.sender, '@', 1)
		   )`,
		`UPDATE escalations e SET sender = split_part(e.sender, '@', 1)
		 WHERE e.sender LIKE '%@s.whatsapp.net'
		   AND NOT EXISTS (
		     SELECT 1 FROM escalations o
		     WHERE o.instance_id = e.instance_id AND o.sender = split_part(e.sender, '@', 1)
		   )`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return tx.Commit()
}

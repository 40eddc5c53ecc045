package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/replydesk/internal/store"
	"github.com/nextlevelbuilder/replydesk/pkg/protocol"
)

// PGConversationStore implements store.ConversationStore backed by Postgres.
// The partial unique index conversations_current_pair enforces one
// active-or-escalated conversation per (instance_id, sender).
type PGConversationStore struct {
	db *sql.DB
}

func NewPGConversationStore(db *sql.DB) *PGConversationStore {
	return &PGConversationStore{db: db}
}

const conversationCols = `id, instance_id, sender, status, last_activity, context, created_at, updated_at`

func (s *PGConversationStore) GetCurrent(ctx context.Context, instanceID, sender string) (*store.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationCols+` FROM conversations
		 WHERE instance_id = $1 AND sender = $2 AND status IN ($3, $4)
		 ORDER BY created_at DESC LIMIT 1`,
		instanceID, sender, protocol.ConversationActive, protocol.ConversationEscalated)
	return scanConversation(row)
}

func (s *PGConversationStore) GetLatest(ctx context.Context, instanceID, sender string) (*store.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationCols+` FROM conversations
		 WHERE instance_id = $1 AND sender = $2
		 ORDER BY created_at DESC LIMIT 1`,
		instanceID, sender)
	return scanConversation(row)
}

func (s *PGConversationStore) Create(ctx context.Context, c *store.Conversation) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.Must(uuid.NewV7())
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, instance_id, sender, status, last_activity, context, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.InstanceID, c.Sender, c.Status, c.LastActivity, marshalJSON(c.Context), c.CreatedAt, c.UpdatedAt,
	)
	return mapErr(err)
}

func (s *PGConversationStore) UpdateStatus(ctx context.Context, id uuid.UUID, status string, at time.Time, note map[string]any) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations
		 SET status = $1, last_activity = $2, context = context || $3::jsonb, updated_at = $4
		 WHERE id = $5`,
		status, at, marshalJSON(note), time.Now(), id,
	)
	if err != nil {
		return mapErr(err)
	}
	return expectRow(res)
}

func (s *PGConversationStore) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_activity = GREATEST(last_activity, $1), updated_at = $2 WHERE id = $3`,
		at, time.Now(), id,
	)
	if err != nil {
		return mapErr(err)
	}
	return expectRow(res)
}

func (s *PGConversationStore) ExpireIdle(ctx context.Context, before time.Time, note map[string]any) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations
		 SET status = $1, context = context || $2::jsonb, updated_at = $3
		 WHERE status = $4 AND last_activity < $5`,
		protocol.ConversationExpired, marshalJSON(note), time.Now(), protocol.ConversationActive, before,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PGConversationStore) AppendMessage(ctx context.Context, m *store.ConversationMessage) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.Must(uuid.NewV7())
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_messages (id, conversation_id, instance_id, sender, role, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.ConversationID, m.InstanceID, m.Sender, m.Role, m.Content, m.CreatedAt,
	)
	return mapErr(err)
}

func (s *PGConversationStore) RecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]store.ConversationMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, instance_id, sender, role, content, created_at FROM (
		   SELECT id, conversation_id, instance_id, sender, role, content, created_at
		   FROM conversation_messages WHERE conversation_id = $1
		   ORDER BY created_at DESC LIMIT $2
		 ) recent ORDER BY created_at ASC`,
		conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *PGConversationStore) RecentByRole(ctx context.Context, instanceID, sender, role string, since time.Time) ([]store.ConversationMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, instance_id, sender, role, content, created_at
		 FROM conversation_messages
		 WHERE instance_id = $1 AND sender = $2 AND role = $3 AND created_at >= $4
		 ORDER BY created_at DESC`,
		instanceID, sender, role, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanConversation(row *sql.Row) (*store.Conversation, error) {
	var c store.Conversation
	var ctxJSON []byte
	if err := row.Scan(&c.ID, &c.InstanceID, &c.Sender, &c.Status, &c.LastActivity, &ctxJSON, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	c.Context = decodeContext(c.ID, ctxJSON)
	return &c, nil
}

// decodeContext parses the context column. A corrupt value is logged and
// yields an empty context; the conversation itself stays usable.
func decodeContext(id uuid.UUID, data []byte) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var ctx map[string]any
	if err := json.Unmarshal(data, &ctx); err != nil {
		slog.Warn("store.conversation_context_invalid", "conversation", id, "error", err)
		return map[string]any{}
	}
	return ctx
}

func scanMessages(rows *sql.Rows) ([]store.ConversationMessage, error) {
	var out []store.ConversationMessage
	for rows.Next() {
		var m store.ConversationMessage
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.InstanceID, &m.Sender, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/replydesk/internal/store"
)

// PGEscalationStore implements store.EscalationStore backed by Postgres.
type PGEscalationStore struct {
	db *sql.DB
}

func NewPGEscalationStore(db *sql.DB) *PGEscalationStore {
	return &PGEscalationStore{db: db}
}

const escalationCols = `id, instance_id, sender, conversation_id, reason, escalated_at, resolved_at, COALESCE(resolved_by, ''), context_snapshot`

func (s *PGEscalationStore) GetActive(ctx context.Context, instanceID, sender string) (*store.EscalationRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+escalationCols+` FROM escalations
		 WHERE instance_id = $1 AND sender = $2 AND resolved_at IS NULL`,
		instanceID, sender)
	r, err := scanEscalation(row.Scan)
	if err != nil {
		return nil, mapErr(err)
	}
	return r, nil
}

func (s *PGEscalationStore) Create(ctx context.Context, r *store.EscalationRecord) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.Must(uuid.NewV7())
	}
	if r.EscalatedAt.IsZero() {
		r.EscalatedAt = time.Now()
	}
	snapshot, _ := json.Marshal(r.ContextSnapshot)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO escalations (id, instance_id, sender, conversation_id, reason, escalated_at, context_snapshot)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.InstanceID, r.Sender, r.ConversationID, r.Reason, r.EscalatedAt, snapshot,
	)
	return mapErr(err)
}

func (s *PGEscalationStore) Resolve(ctx context.Context, instanceID, sender, resolvedBy string, at time.Time) (*store.EscalationRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE escalations SET resolved_at = $1, resolved_by = $2
		 WHERE instance_id = $3 AND sender = $4 AND resolved_at IS NULL
		 RETURNING `+escalationCols,
		at, nilIfEmpty(resolvedBy), instanceID, sender)
	r, err := scanEscalation(row.Scan)
	if err != nil {
		return nil, mapErr(err)
	}
	return r, nil
}

func (s *PGEscalationStore) List(ctx context.Context, instanceID string, includeResolved bool, limit int) ([]store.EscalationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+escalationCols+` FROM escalations
		 WHERE ($1 = '' OR instance_id = $1) AND ($2 OR resolved_at IS NULL)
		 ORDER BY escalated_at DESC LIMIT $3`,
		instanceID, includeResolved, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.EscalationRecord
	for rows.Next() {
		r, err := scanEscalation(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanEscalation(scan func(dest ...any) error) (*store.EscalationRecord, error) {
	var r store.EscalationRecord
	var convID *uuid.UUID
	var resolvedAt sql.NullTime
	var snapshot []byte
	if err := scan(&r.ID, &r.InstanceID, &r.Sender, &convID, &r.Reason, &r.EscalatedAt, &resolvedAt, &r.ResolvedBy, &snapshot); err != nil {
		return nil, err
	}
	r.ConversationID = convID
	if resolvedAt.Valid {
		t := resolvedAt.Time
		r.ResolvedAt = &t
	}
	if len(snapshot) > 0 {
		_ = json.Unmarshal(snapshot, &r.ContextSnapshot)
	}
	return &r, nil
}

package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/replydesk/internal/store"
)

// PGWebhookLogStore implements store.WebhookLogStore backed by Postgres.
type PGWebhookLogStore struct {
	db *sql.DB
}

func NewPGWebhookLogStore(db *sql.DB) *PGWebhookLogStore {
	return &PGWebhookLogStore{db: db}
}

func (s *PGWebhookLogStore) Append(ctx context.Context, l *store.WebhookLog) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.Must(uuid.NewV7())
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_logs (id, instance_id, event, status, payload, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		l.ID, l.InstanceID, l.Event, l.Status, l.Payload, nilIfEmpty(l.Error), l.CreatedAt,
	)
	return mapErr(err)
}

func (s *PGWebhookLogStore) Recent(ctx context.Context, instanceID string, limit int) ([]store.WebhookLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance_id, event, status, payload, COALESCE(error, ''), created_at
		 FROM webhook_logs WHERE ($1 = '' OR instance_id = $1)
		 ORDER BY created_at DESC LIMIT $2`,
		instanceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.WebhookLog
	for rows.Next() {
		var l store.WebhookLog
		if err := rows.Scan(&l.ID, &l.InstanceID, &l.Event, &l.Status, &l.Payload, &l.Error, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PGWebhookLogStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_logs WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PGBatchStore implements store.BatchStore backed by Postgres.
type PGBatchStore struct {
	db *sql.DB
}

func NewPGBatchStore(db *sql.DB) *PGBatchStore {
	return &PGBatchStore{db: db}
}

func (s *PGBatchStore) Claim(ctx context.Context, b store.ProcessedBatch) (bool, error) {
	if b.ProcessedAt.IsZero() {
		b.ProcessedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_batches (batch_id, instance_id, sender, processed_at)
		 VALUES ($1, $2, $3, $4) ON CONFLICT (batch_id) DO NOTHING`,
		b.BatchID, b.InstanceID, b.Sender, b.ProcessedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PGBatchStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM processed_batches WHERE processed_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

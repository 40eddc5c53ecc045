// Package sqlite persists webhook debug logs and processed batch markers for
// standalone mode, so neither is lost on restart when Postgres is not configured.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/replydesk/internal/store"
)

// Store implements store.WebhookLogStore and store.BatchStore on SQLite.
type Store struct {
	db *sql.DB
}

// Open creates the database file (and its directory) if needed and applies the schema.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Single writer avoids SQLITE_BUSY under concurrent webhooks.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS webhook_logs (
		id TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL DEFAULT '',
		event TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_webhook_logs_created ON webhook_logs(created_at);

	CREATE TABLE IF NOT EXISTS processed_batches (
		batch_id TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		processed_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_processed_batches_at ON processed_batches(processed_at);
	`)
	return err
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Append(ctx context.Context, l *store.WebhookLog) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.Must(uuid.NewV7())
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_logs (id, instance_id, event, status, payload, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID.String(), l.InstanceID, l.Event, l.Status, l.Payload, l.Error, l.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *Store) Recent(ctx context.Context, instanceID string, limit int) ([]store.WebhookLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance_id, event, status, payload, error, created_at
		 FROM webhook_logs WHERE (? = '' OR instance_id = ?)
		 ORDER BY created_at DESC LIMIT ?`,
		instanceID, instanceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.WebhookLog
	for rows.Next() {
		var l store.WebhookLog
		var id string
		var created int64
		if err := rows.Scan(&id, &l.InstanceID, &l.Event, &l.Status, &l.Payload, &l.Error, &created); err != nil {
			return nil, err
		}
		l.ID, _ = uuid.Parse(id)
		l.CreatedAt = time.UnixMilli(created)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_logs WHERE created_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) Claim(ctx context.Context, b store.ProcessedBatch) (bool, error) {
	if b.ProcessedAt.IsZero() {
		b.ProcessedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_batches (batch_id, instance_id, sender, processed_at)
		 VALUES (?, ?, ?, ?)`,
		b.BatchID, b.InstanceID, b.Sender, b.ProcessedAt.UnixMilli(),
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

// PruneBatches drops batch markers older than before.
func (s *Store) PruneBatches(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM processed_batches WHERE processed_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Batches adapts the store to store.BatchStore, whose Prune targets batch markers.
func (s *Store) Batches() store.BatchStore { return batchView{s} }

type batchView struct{ s *Store }

func (b batchView) Claim(ctx context.Context, pb store.ProcessedBatch) (bool, error) {
	return b.s.Claim(ctx, pb)
}

func (b batchView) Prune(ctx context.Context, before time.Time) (int64, error) {
	return b.s.PruneBatches(ctx, before)
}

package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/replydesk/internal/store"
)

const maxWebhookLogs = 1000

// WebhookLogStore keeps the most recent webhook logs in a bounded slice.
type WebhookLogStore struct {
	mu   sync.Mutex
	logs []store.WebhookLog
}

func NewWebhookLogStore() *WebhookLogStore {
	return &WebhookLogStore{}
}

func (s *WebhookLogStore) Append(_ context.Context, l *store.WebhookLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.ID == uuid.Nil {
		l.ID = uuid.Must(uuid.NewV7())
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	s.logs = append(s.logs, *l)
	if len(s.logs) > maxWebhookLogs {
		s.logs = s.logs[len(s.logs)-maxWebhookLogs:]
	}
	return nil
}

func (s *WebhookLogStore) Recent(_ context.Context, instanceID string, limit int) ([]store.WebhookLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.WebhookLog
	for i := len(s.logs) - 1; i >= 0; i-- {
		if instanceID != "" && s.logs[i].InstanceID != instanceID {
			continue
		}
		out = append(out, s.logs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *WebhookLogStore) Prune(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.logs[:0]
	var n int64
	for _, l := range s.logs {
		if l.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, l)
	}
	s.logs = kept
	return n, nil
}

// BatchStore records processed batch ids in memory.
type BatchStore struct {
	mu      sync.Mutex
	batches map[string]store.ProcessedBatch
}

func NewBatchStore() *BatchStore {
	return &BatchStore{batches: make(map[string]store.ProcessedBatch)}
}

func (s *BatchStore) Claim(_ context.Context, b store.ProcessedBatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[b.BatchID]; ok {
		return false, nil
	}
	if b.ProcessedAt.IsZero() {
		b.ProcessedAt = time.Now()
	}
	s.batches[b.BatchID] = b
	return true, nil
}

func (s *BatchStore) Prune(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, b := range s.batches {
		if b.ProcessedAt.Before(before) {
			delete(s.batches, id)
			n++
		}
	}
	return n, nil
}

package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/replydesk/internal/store"
)

// EscalationStore implements store.EscalationStore in process memory.
type EscalationStore struct {
	mu      sync.RWMutex
	records []*store.EscalationRecord
}

func NewEscalationStore() *EscalationStore {
	return &EscalationStore{}
}

func (s *EscalationStore) GetActive(_ context.Context, instanceID, sender string) (*store.EscalationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r := s.activeLocked(instanceID, sender); r != nil {
		cp := *r
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (s *EscalationStore) Create(_ context.Context, r *store.EscalationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeLocked(r.InstanceID, r.Sender) != nil {
		return store.ErrConflict
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.Must(uuid.NewV7())
	}
	if r.EscalatedAt.IsZero() {
		r.EscalatedAt = time.Now()
	}
	cp := *r
	s.records = append(s.records, &cp)
	return nil
}

func (s *EscalationStore) Resolve(_ context.Context, instanceID, sender, resolvedBy string, at time.Time) (*store.EscalationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.activeLocked(instanceID, sender)
	if r == nil {
		return nil, store.ErrNotFound
	}
	r.ResolvedAt = &at
	r.ResolvedBy = resolvedBy
	cp := *r
	return &cp, nil
}

func (s *EscalationStore) List(_ context.Context, instanceID string, includeResolved bool, limit int) ([]store.EscalationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.EscalationRecord
	for _, r := range s.records {
		if instanceID != "" && r.InstanceID != instanceID {
			continue
		}
		if !includeResolved && r.ResolvedAt != nil {
			continue
		}
		out = append(out, *r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EscalatedAt.After(out[j].EscalatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *EscalationStore) activeLocked(instanceID, sender string) *store.EscalationRecord {
	for _, r := range s.records {
		if r.InstanceID == instanceID && r.Sender == sender && r.ResolvedAt == nil {
			return r
		}
	}
	return nil
}

package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/replydesk/internal/store"
	"github.com/nextlevelbuilder/replydesk/pkg/protocol"
)

// ConversationStore implements store.ConversationStore in process memory.
// The one-current-conversation-per-pair rule is checked under the store mutex,
// mirroring the partial unique index of the Postgres schema.
type ConversationStore struct {
	mu       sync.RWMutex
	convs    map[uuid.UUID]*store.Conversation
	messages []store.ConversationMessage
}

func NewConversationStore() *ConversationStore {
	return &ConversationStore{convs: make(map[uuid.UUID]*store.Conversation)}
}

func isCurrent(status string) bool {
	return status == protocol.ConversationActive || status == protocol.ConversationEscalated
}

func (s *ConversationStore) GetCurrent(_ context.Context, instanceID, sender string) (*store.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.convs {
		if c.InstanceID == instanceID && c.Sender == sender && isCurrent(c.Status) {
			return cloneConversation(c), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *ConversationStore) GetLatest(_ context.Context, instanceID, sender string) (*store.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *store.Conversation
	for _, c := range s.convs {
		if c.InstanceID != instanceID || c.Sender != sender {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	return cloneConversation(latest), nil
}

func (s *ConversationStore) Create(_ context.Context, c *store.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if isCurrent(c.Status) && s.hasCurrentLocked(c.InstanceID, c.Sender, uuid.Nil) {
		return store.ErrConflict
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.Must(uuid.NewV7())
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.convs[c.ID] = cloneConversation(c)
	return nil
}

func (s *ConversationStore) UpdateStatus(_ context.Context, id uuid.UUID, status string, at time.Time, note map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return store.ErrNotFound
	}
	if isCurrent(status) && s.hasCurrentLocked(c.InstanceID, c.Sender, id) {
		return store.ErrConflict
	}
	c.Status = status
	c.LastActivity = at
	c.UpdatedAt = time.Now()
	mergeNote(c, note)
	return nil
}

func (s *ConversationStore) Touch(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return store.ErrNotFound
	}
	if at.After(c.LastActivity) {
		c.LastActivity = at
	}
	c.UpdatedAt = time.Now()
	return nil
}

func (s *ConversationStore) ExpireIdle(_ context.Context, before time.Time, note map[string]any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, c := range s.convs {
		if c.Status == protocol.ConversationActive && c.LastActivity.Before(before) {
			c.Status = protocol.ConversationExpired
			c.UpdatedAt = time.Now()
			mergeNote(c, note)
			n++
		}
	}
	return n, nil
}

func (s *ConversationStore) AppendMessage(_ context.Context, m *store.ConversationMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = uuid.Must(uuid.NewV7())
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	s.messages = append(s.messages, *m)
	return nil
}

func (s *ConversationStore) RecentMessages(_ context.Context, conversationID uuid.UUID, limit int) ([]store.ConversationMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.ConversationMessage
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *ConversationStore) RecentByRole(_ context.Context, instanceID, sender, role string, since time.Time) ([]store.ConversationMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.ConversationMessage
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.InstanceID == instanceID && m.Sender == sender && m.Role == role && !m.CreatedAt.Before(since) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *ConversationStore) hasCurrentLocked(instanceID, sender string, except uuid.UUID) bool {
	for id, c := range s.convs {
		if id != except && c.InstanceID == instanceID && c.Sender == sender && isCurrent(c.Status) {
			return true
		}
	}
	return false
}

func mergeNote(c *store.Conversation, note map[string]any) {
	if len(note) == 0 {
		return
	}
	if c.Context == nil {
		c.Context = make(map[string]any, len(note))
	}
	for k, v := range note {
		c.Context[k] = v
	}
}

func cloneConversation(c *store.Conversation) *store.Conversation {
	cp := *c
	if c.Context != nil {
		cp.Context = make(map[string]any, len(c.Context))
		for k, v := range c.Context {
			cp.Context[k] = v
		}
	}
	return &cp
}

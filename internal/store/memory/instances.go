package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/replydesk/internal/store"
)

// InstanceConfigStore implements store.InstanceConfigStore in process memory.
// Standalone mode seeds it from the "instances" section of the config file.
type InstanceConfigStore struct {
	mu      sync.RWMutex
	configs map[string]store.InstanceConfig
}

func NewInstanceConfigStore(seed ...store.InstanceConfig) *InstanceConfigStore {
	s := &InstanceConfigStore{configs: make(map[string]store.InstanceConfig, len(seed))}
	for _, c := range seed {
		s.configs[c.InstanceID] = c
	}
	return s
}

func (s *InstanceConfigStore) Get(_ context.Context, instanceID string) (*store.InstanceConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.configs[instanceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *InstanceConfigStore) Put(_ context.Context, cfg *store.InstanceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *cfg
	c.UpdatedAt = time.Now()
	s.configs[c.InstanceID] = c
	return nil
}

func (s *InstanceConfigStore) List(_ context.Context) ([]store.InstanceConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.InstanceConfig, 0, len(s.configs))
	for _, c := range s.configs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}

package buffer

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps buffers in process memory. Suitable when a single
// process receives every webhook for an instance.
type MemoryStore struct {
	mu      sync.Mutex
	buffers map[string]*Buffer
	locks   map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buffers: make(map[string]*Buffer),
		locks:   make(map[string]*keyLock),
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buffers[key]
	if !ok {
		return nil, nil
	}
	return cloneBuffer(b), nil
}

func (s *MemoryStore) Put(_ context.Context, b *Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers[b.Key] = cloneBuffer(b)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, key)
	return nil
}

func (s *MemoryStore) Keys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.buffers))
	for k := range s.buffers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	defer func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}()
	return fn(ctx)
}

func cloneBuffer(b *Buffer) *Buffer {
	cp := *b
	cp.Messages = append([]BufferedMessage(nil), b.Messages...)
	return &cp
}

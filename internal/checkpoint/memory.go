package checkpoint

import (
	"context"
	"sync"
)

type MemoryStore struct {
	mu      sync.Mutex
	offsets map[Key]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{offsets: map[Key]int{}}
}

func (s *MemoryStore) Load(_ context.Context, key Key) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	offset, ok := s.offsets[key]
	return offset, ok, nil
}

func (s *MemoryStore) Save(_ context.Context, key Key, offset int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets[key] = offset
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.offsets, key)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

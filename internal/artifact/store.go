// Package artifact persists generated artifact bytes and hands back opaque
// references. The orchestrator only shuttles references; formats stay opaque.
package artifact

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store persists artifact bytes under a key and retrieves them later.
type Store interface {
	Put(ctx context.Context, key string, data []byte) (ref string, err error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// Key builds the canonical object key for an attempt's artifact.
func Key(runID string, step int, assetID string, attempt int) string {
	return fmt.Sprintf("%s/step-%d/%s/attempt-%d", runID, step, assetID, attempt)
}

// MemStore is an in-memory Store for tests and local dry runs.
type MemStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string][]byte)}
}

// Put stores data under key and returns the key as the reference.
func (s *MemStore) Put(_ context.Context, key string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[key] = cp
	return key, nil
}

// Get returns the bytes stored under ref.
func (s *MemStore) Get(_ context.Context, ref string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[ref]
	if !ok {
		return nil, fmt.Errorf("artifact %s not found", ref)
	}
	return data, nil
}

// Keys returns all stored references, sorted, for test assertions.
func (s *MemStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package artifact

import (
	"context"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// MemStore is an in-memory artifact store for tests and single-process
// runs. Content-addressed like FSStore; safe for concurrent use.
type MemStore struct {
	mu   sync.RWMutex
	data map[string][]byte // uri -> payload
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

// Store saves the payload and returns its content-addressed URI.
func (s *MemStore) Store(ctx context.Context, payload []byte, category string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	uri := URI(category, fmt.Sprintf("%016x", xxhash.Sum64(payload)))

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[uri]; !ok {
		buf := make([]byte, len(payload))
		copy(buf, payload)
		s.data[uri] = buf
	}
	return uri, nil
}

// Retrieve returns the payload for a URI, or ErrNotFound.
func (s *MemStore) Retrieve(ctx context.Context, uri string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	payload, ok := s.data[uri]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, nil
}

// Delete removes the payload. Absent URIs succeed silently.
func (s *MemStore) Delete(ctx context.Context, uri string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, uri)
	return nil
}

// Len reports how many artifacts are stored.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

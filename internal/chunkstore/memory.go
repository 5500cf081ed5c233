package chunkstore

import (
	"context"
	"sync"
)

// MemoryStore keeps chunks in process memory. It satisfies the Store contract
// for tests and for STORE_BACKEND=memory, where losing chunks on restart is
// acceptable.
type MemoryStore struct {
	mu     sync.RWMutex
	chunks []Chunk
	nextID uint64
	opened bool
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

func (s *MemoryStore) Backend() string { return "memory" }

func (s *MemoryStore) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.opened = true
	return nil
}

func (s *MemoryStore) Append(ctx context.Context, c Chunk) (Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.opened {
		return Chunk{}, ErrStorageUnavailable
	}

	c.ID = s.nextID
	s.nextID++
	// Copy so the caller can reuse its buffer.
	c.Data = append([]byte(nil), c.Data...)
	s.chunks = append(s.chunks, c)
	return c, nil
}

func (s *MemoryStore) ReadWindow(ctx context.Context, since *int64) ([]Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || !s.opened {
		return nil, ErrStorageUnavailable
	}

	out := make([]Chunk, 0, len(s.chunks))
	for _, c := range s.chunks {
		if since != nil && c.Timestamp < *since {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.chunks = nil
	return nil
}

func (s *MemoryStore) Health(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || !s.opened {
		return ErrStorageUnavailable
	}
	return nil
}

// Len returns the number of stored chunks.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.chunks = nil
	return nil
}

package store

import (
	"context"
	"sync"
)

type memStore struct {
	mu     sync.Mutex
	recs   map[RecordID][]byte
	closed bool
}

// NewMemory returns a volatile store.
func NewMemory() Store {
	return &memStore{recs: map[RecordID][]byte{}}
}

func (s *memStore) Get(ctx context.Context, id RecordID) ([]byte, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	b, ok := s.recs[id]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), b...), true, nil
}

func (s *memStore) Put(ctx context.Context, id RecordID, data []byte) error {
	_ = ctx
	if err := checkSize(id, data); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.recs[id] = append([]byte(nil), data...)
	return nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

package idbstore

import (
	"errors"
	"sync"
)

var errStorageClosed = errors.New("storage closed")

// memStorage keeps everything in memory. Each Apply installs a new table, so
// a View keeps reading the table it started with.
type memStorage struct {
	mu     sync.RWMutex
	data   *memTable
	closed bool
}

func newMemStorage() *memStorage {
	return &memStorage{data: &memTable{}}
}

func (s *memStorage) View(f func(r storageReader) error) error {
	s.mu.RLock()
	snap, closed := s.data, s.closed
	s.mu.RUnlock()
	if closed {
		return errStorageClosed
	}
	return f(memReader{snap})
}

func (s *memStorage) Apply(b *writeBatch, sync bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStorageClosed
	}
	next := s.data.clone()
	for _, op := range b.ops {
		switch op.kind {
		case opPut:
			next.set(memEntry{key: op.key, value: op.value})
		case opDelete:
			next.remove(op.key)
		case opDeleteRange:
			next.removeRange(op.key, op.end)
		}
	}
	s.data = next
	return nil
}

func (s *memStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.data = &memTable{}
	return nil
}

type memReader struct {
	t *memTable
}

func (r memReader) Get(key []byte) ([]byte, bool, error) {
	e, ok := r.t.get(key)
	if !ok {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (r memReader) Cursor() storageCursor {
	return &memCursor{t: r.t, pos: -1}
}

package cache

import (
	"errors"
	"sync"
)

// MemoryStore keeps entries in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func (m *MemoryStore) Load(key string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return e.clone(), nil
}

func (m *MemoryStore) Save(e *Entry) error {
	if e == nil {
		return errors.New("nil entry")
	}
	c := e.clone()
	m.mu.Lock()
	m.entries[c.Key] = c
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	m.entries = make(map[string]*Entry)
	m.mu.Unlock()
	return nil
}

// Len reports the number of stored entries
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

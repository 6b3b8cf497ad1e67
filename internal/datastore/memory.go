package datastore

import (
	"bytes"
	"context"
	"sync"
)

// Memory is a map-backed Store. It is safe for concurrent use.
type Memory struct {
	mu   sync.RWMutex
	rows map[string]map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{rows: make(map[string]map[string][]byte)}
}

func (m *Memory) Put(ctx context.Context, id, key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.rows[string(id)]
	if !ok {
		set = make(map[string][]byte)
		m.rows[string(id)] = set
	}
	set[string(key)] = bytes.Clone(value)
	return nil
}

func (m *Memory) Get(ctx context.Context, id, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.rows[string(id)][string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(value), nil
}

func (m *Memory) Delete(ctx context.Context, id, key []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if key == nil {
		delete(m.rows, string(id))
		return nil
	}
	if set, ok := m.rows[string(id)]; ok {
		delete(set, string(key))
		if len(set) == 0 {
			delete(m.rows, string(id))
		}
	}
	return nil
}

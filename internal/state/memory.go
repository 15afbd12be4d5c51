package state

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Region with the same revision semantics as KV.
// It backs single-process tooling and tests; it is not visible to other processes.
type Memory struct {
	mu      sync.Mutex
	seq     uint64
	entries map[string]Entry
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

func (m *Memory) Get(ctx context.Context, key string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return Entry{}, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	e.Value = append([]byte(nil), e.Value...)
	return e, nil
}

func (m *Memory) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store(key, value), nil
}

func (m *Memory) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; ok {
		return 0, fmt.Errorf("%s: %w", key, ErrExists)
	}
	return m.store(key, value), nil
}

func (m *Memory) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || e.Revision != revision {
		return 0, fmt.Errorf("%s: %w", key, ErrConflict)
	}
	return m.store(key, value), nil
}

func (m *Memory) Delete(ctx context.Context, key string, revision uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if revision > 0 && (!ok || e.Revision != revision) {
		return fmt.Errorf("%s: %w", key, ErrConflict)
	}
	m.seq++
	delete(m.entries, key)
	return nil
}

func (m *Memory) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) store(key string, value []byte) uint64 {
	m.seq++
	m.entries[key] = Entry{Key: key, Value: append([]byte(nil), value...), Revision: m.seq}
	return m.seq
}

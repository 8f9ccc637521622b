package cache

import (
	"context"
	"sort"
	"sync"
)

// MemoryStorage keeps buckets in process memory. It is the default store and
// the one used by tests.
type MemoryStorage struct {
	mu      sync.RWMutex
	order   []string
	buckets map[string]*memoryBucket
}

type memoryBucket struct {
	name    string
	mu      sync.RWMutex
	entries map[string]*Snapshot
}

// NewMemoryStorage returns an empty store
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		buckets: make(map[string]*memoryBucket),
	}
}

// Open implements Storage
func (m *MemoryStorage) Open(_ context.Context, name string) (Bucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.buckets[name]; ok {
		return b, nil
	}

	b := &memoryBucket{
		name:    name,
		entries: make(map[string]*Snapshot),
	}
	m.buckets[name] = b
	m.order = append(m.order, name)
	return b, nil
}

// Keys implements Storage
func (m *MemoryStorage) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, len(m.order))
	copy(out, m.order)
	return out, nil
}

// Delete implements Storage. A handle to a deleted bucket keeps working but
// is no longer reachable through Open or Keys.
func (m *MemoryStorage) Delete(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.buckets[name]; !ok {
		return false, nil
	}
	delete(m.buckets, name)
	m.order, _ = without(m.order, name)
	return true, nil
}

func (b *memoryBucket) Name() string {
	return b.name
}

func (b *memoryBucket) Match(_ context.Context, key string) (*Snapshot, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s, ok := b.entries[key]
	if !ok {
		return nil, false, nil
	}
	return s.Clone(), true, nil
}

func (b *memoryBucket) Put(_ context.Context, key string, s *Snapshot) error {
	if err := storable(b.name, key, s); err != nil {
		return err
	}

	c := s.Clone()

	b.mu.Lock()
	b.entries[key] = c
	b.mu.Unlock()
	return nil
}

func (b *memoryBucket) PutAll(_ context.Context, entries []Entry) error {
	clones := make(map[string]*Snapshot, len(entries))
	for _, en := range entries {
		if err := storable(b.name, en.Key, en.Snapshot); err != nil {
			return err
		}
		clones[en.Key] = en.Snapshot.Clone()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for k, s := range clones {
		b.entries[k] = s
	}
	return nil
}

func (b *memoryBucket) Keys(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.entries))
	for k := range b.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

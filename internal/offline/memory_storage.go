package offline

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStorage keeps every store in process memory. Entries never expire;
// go-cache's janitor is disabled.
type MemoryStorage struct {
	mu     sync.Mutex
	seq    uint64
	stores map[string]*memoryStore
	closed bool
}

type memoryStore struct {
	name string
	seq  uint64
	c    *gocache.Cache

	dropped atomic.Bool
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{stores: map[string]*memoryStore{}}
}

func (m *MemoryStorage) Open(_ context.Context, name string) (Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	if s, ok := m.stores[name]; ok {
		return s, nil
	}
	m.seq++
	s := &memoryStore{name: name, seq: m.seq, c: gocache.New(gocache.NoExpiration, 0)}
	m.stores[name] = s
	return s, nil
}

func (m *MemoryStorage) ordered() []*memoryStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*memoryStore, 0, len(m.stores))
	for _, s := range m.stores {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (m *MemoryStorage) Names(_ context.Context) ([]string, error) {
	stores := m.ordered()
	out := make([]string, 0, len(stores))
	for _, s := range stores {
		out = append(out, s.name)
	}
	return out, nil
}

func (m *MemoryStorage) Drop(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stores[name]
	if !ok {
		return false, nil
	}
	s.dropped.Store(true)
	s.c.Flush()
	delete(m.stores, name)
	return true, nil
}

func (m *MemoryStorage) Match(ctx context.Context, key string) (Entry, bool, error) {
	for _, s := range m.ordered() {
		if ent, ok, _ := s.Get(ctx, key); ok {
			return ent, true, nil
		}
	}
	return Entry{}, false, nil
}

func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (s *memoryStore) Name() string { return s.name }

func (s *memoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	v, ok := s.c.Get(key)
	if !ok {
		return Entry{}, false, nil
	}
	return v.(Entry).Clone(), true, nil
}

func (s *memoryStore) Put(_ context.Context, key string, ent Entry) error {
	if s.dropped.Load() {
		return ErrStoreDropped
	}
	s.c.Set(key, ent.Clone(), gocache.NoExpiration)
	return nil
}

func (s *memoryStore) Delete(_ context.Context, key string) (bool, error) {
	_, ok := s.c.Get(key)
	s.c.Delete(key)
	return ok, nil
}

func (s *memoryStore) Keys(_ context.Context) ([]string, error) {
	items := s.c.Items()
	out := make([]string, 0, len(items))
	for k := range items {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

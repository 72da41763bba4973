package strategy

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory strategy store for tests and demo mode.
type MemoryStore struct {
	mu         sync.RWMutex
	strategies map[string]*Strategy // by ID
}

// NewMemoryStore creates a new in-memory strategy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strategies: make(map[string]*Strategy),
	}
}

func (m *MemoryStore) Create(_ context.Context, s *Strategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check name uniqueness within owner.
	for _, existing := range m.strategies {
		if existing.OwnerID == s.OwnerID && existing.Name == s.Name {
			return ErrNameTaken
		}
	}

	m.strategies[s.ID] = copyStrategy(s)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Strategy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.strategies[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyStrategy(s), nil
}

func (m *MemoryStore) List(_ context.Context, ownerID string) ([]*Strategy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Strategy
	for _, s := range m.strategies {
		if s.OwnerID == ownerID {
			result = append(result, copyStrategy(s))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return result, nil
}

func (m *MemoryStore) Update(_ context.Context, s *Strategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.strategies[s.ID]; !ok {
		return ErrNotFound
	}

	for _, existing := range m.strategies {
		if existing.ID != s.ID && existing.OwnerID == s.OwnerID && existing.Name == s.Name {
			return ErrNameTaken
		}
	}

	m.strategies[s.ID] = copyStrategy(s)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.strategies[id]; !ok {
		return ErrNotFound
	}
	delete(m.strategies, id)
	return nil
}

func copyStrategy(s *Strategy) *Strategy {
	cp := *s
	cp.AllowedOperations = append([]string(nil), s.AllowedOperations...)
	cp.AllowedTokens = append([]string(nil), s.AllowedTokens...)
	return &cp
}

var _ Store = (*MemoryStore)(nil)

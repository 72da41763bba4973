package policy

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory policy store for tests and demo mode.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]*Policy // by ID
}

// NewMemoryStore creates a new in-memory policy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policies: make(map[string]*Policy),
	}
}

func (m *MemoryStore) Create(_ context.Context, p *Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.policies {
		if existing.UserID == p.UserID && existing.AgentID == p.AgentID {
			return ErrDuplicate
		}
	}

	m.policies[p.ID] = p.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.policies[id]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	return p.clone(), nil
}

func (m *MemoryStore) GetFor(_ context.Context, userID, agentID string) (*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var fallback *Policy
	for _, p := range m.policies {
		if p.UserID != userID || !p.Enabled {
			continue
		}
		if p.AgentID == agentID {
			return p.clone(), nil
		}
		if p.AgentID == AnyAgent {
			fallback = p
		}
	}
	if fallback != nil {
		return fallback.clone(), nil
	}
	return nil, ErrPolicyNotFound
}

func (m *MemoryStore) List(_ context.Context, userID string) ([]*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Policy
	for _, p := range m.policies {
		if p.UserID == userID {
			result = append(result, p.clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].AgentID < result[j].AgentID
	})

	return result, nil
}

func (m *MemoryStore) Update(_ context.Context, p *Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.policies[p.ID]; !ok {
		return ErrPolicyNotFound
	}

	for _, existing := range m.policies {
		if existing.ID != p.ID && existing.UserID == p.UserID && existing.AgentID == p.AgentID {
			return ErrDuplicate
		}
	}

	m.policies[p.ID] = p.clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.policies[id]; !ok {
		return ErrPolicyNotFound
	}
	delete(m.policies, id)
	return nil
}

var _ Store = (*MemoryStore)(nil)

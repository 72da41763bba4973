package audit

import (
	"context"
	"sync"

	"github.com/tonguard/tonguard/internal/authz"
	"github.com/tonguard/tonguard/internal/events"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu     sync.RWMutex
	auths  []*AuthorizationRecord
	byID   map[string]*AuthorizationRecord
	events []*EventRecord
}

// NewMemoryStore creates an in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*AuthorizationRecord)}
}

func (s *MemoryStore) RecordAuthorization(ctx context.Context, rec *AuthorizationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := copyAuthRecord(rec)
	s.auths = append(s.auths, cp)
	s.byID[cp.ID] = cp
	return nil
}

func (s *MemoryStore) ListAuthorizations(ctx context.Context, userID string, limit int) ([]*AuthorizationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*AuthorizationRecord
	for i := len(s.auths) - 1; i >= 0 && len(result) < limit; i-- {
		if userID == "" || s.auths[i].UserID == userID {
			result = append(result, copyAuthRecord(s.auths[i]))
		}
	}
	return result, nil
}

func (s *MemoryStore) GetAuthorization(ctx context.Context, id string) (*AuthorizationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAuthRecord(rec), nil
}

func (s *MemoryStore) RecordEvent(ctx context.Context, rec *EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.events = append(s.events, &cp)
	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, eventType events.Type, limit int) ([]*EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*EventRecord
	for i := len(s.events) - 1; i >= 0 && len(result) < limit; i-- {
		if eventType == "" || s.events[i].Type == eventType {
			cp := *s.events[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

func copyAuthRecord(rec *AuthorizationRecord) *AuthorizationRecord {
	cp := *rec
	cp.Layers = append([]authz.LayerResult(nil), rec.Layers...)
	cp.Actions = append([]authz.RequiredAction(nil), rec.Actions...)
	return &cp
}

package custody

import (
	"sort"
	"sync"
)

// Store is the in-memory registry of wallets, prepared and signed
// transactions, and recovery sessions. All getters return copies so callers
// cannot mutate stored records; mutations go through the setters under the
// store lock. Per-wallet operation ordering is the provider's concern, not
// the store's.
type Store struct {
	mu       sync.RWMutex
	wallets  map[string]*Wallet
	prepared map[string]*PreparedTransaction
	signed   map[string]*SignedTransaction
	recovery map[string]*RecoverySession
}

func NewStore() *Store {
	return &Store{
		wallets:  make(map[string]*Wallet),
		prepared: make(map[string]*PreparedTransaction),
		signed:   make(map[string]*SignedTransaction),
		recovery: make(map[string]*RecoverySession),
	}
}

func (s *Store) PutWallet(w *Wallet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.wallets[w.ID] = &cp
}

func (s *Store) Wallet(id string) (*Wallet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[id]
	if !ok {
		return nil, false
	}
	cp := *w
	return &cp, true
}

// WalletsByUser returns the user's wallets ordered by creation time.
func (s *Store) WalletsByUser(userID string) []*Wallet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Wallet
	for _, w := range s.wallets {
		if w.UserID == userID {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// CountWallets returns how many wallets are in the given status.
func (s *Store) CountWallets(status WalletStatus) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, w := range s.wallets {
		if w.Status == status {
			n++
		}
	}
	return n
}

func (s *Store) PutPrepared(p *PreparedTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.prepared[p.ID] = &cp
}

func (s *Store) Prepared(id string) (*PreparedTransaction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prepared[id]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

func (s *Store) PutSigned(st *SignedTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *st
	s.signed[st.ID] = &cp
}

func (s *Store) Signed(id string) (*SignedTransaction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.signed[id]
	if !ok {
		return nil, false
	}
	cp := *st
	return &cp, true
}

func (s *Store) PutRecovery(r *RecoverySession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	cp.Steps = append([]VerificationStep(nil), r.Steps...)
	s.recovery[r.ID] = &cp
}

func (s *Store) Recovery(id string) (*RecoverySession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.recovery[id]
	if !ok {
		return nil, false
	}
	cp := *r
	cp.Steps = append([]VerificationStep(nil), r.Steps...)
	return &cp, true
}

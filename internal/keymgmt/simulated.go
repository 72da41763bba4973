package keymgmt

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tonguard/tonguard/internal/events"
	"github.com/tonguard/tonguard/internal/idgen"
)

// managedKey pairs the public Key record with its private material and
// simulated share availability.
type managedKey struct {
	key             *Key
	priv            *ecdsa.PrivateKey
	availableShares int
}

// Simulated is an in-memory Service implementation. Keys are real secp256k1
// keypairs so addresses and signatures are well-formed; threshold shares are
// tracked as a counter, not actual MPC share material.
type Simulated struct {
	mu   sync.RWMutex
	keys map[string]*managedKey
	bus  *events.Bus
}

// NewSimulated creates a simulated key management service. The bus may be
// nil; events are then skipped.
func NewSimulated(bus *events.Bus) *Simulated {
	return &Simulated{
		keys: make(map[string]*managedKey),
		bus:  bus,
	}
}

// GenerateKey creates a new secp256k1 keypair for the owner.
func (s *Simulated) GenerateKey(ctx context.Context, ownerID string, purpose Purpose, opts GenerateOptions) (*Key, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("keymgmt: generate keypair: %w", err)
	}

	key := &Key{
		ID:        idgen.WithPrefix("key_"),
		OwnerID:   ownerID,
		Purpose:   purpose,
		Address:   crypto.PubkeyToAddress(priv.PublicKey).Hex(),
		PublicKey: hex.EncodeToString(crypto.FromECDSAPub(&priv.PublicKey)),
		Status:    KeyActive,
		CreatedAt: time.Now(),
	}

	available := 0
	if purpose == PurposeMPC {
		threshold, total := opts.Threshold, opts.TotalShares
		if threshold == 0 {
			threshold = 2
		}
		if total == 0 {
			total = 3
		}
		if threshold > total {
			return nil, fmt.Errorf("keymgmt: threshold %d exceeds total shares %d", threshold, total)
		}
		key.Threshold = threshold
		key.TotalShares = total
		available = total
	}

	s.mu.Lock()
	s.keys[key.ID] = &managedKey{key: key, priv: priv, availableShares: available}
	s.mu.Unlock()

	s.publish(events.EventKeyGenerated, map[string]any{
		"keyId":   key.ID,
		"ownerId": ownerID,
		"purpose": string(purpose),
	})

	return copyKey(key), nil
}

// GetKey returns the key record.
func (s *Simulated) GetKey(ctx context.Context, keyID string) (*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mk, ok := s.keys[keyID]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return copyKey(mk.key), nil
}

// GetAddress returns the key's derived address.
func (s *Simulated) GetAddress(ctx context.Context, keyID string) (string, error) {
	key, err := s.GetKey(ctx, keyID)
	if err != nil {
		return "", err
	}
	return key.Address, nil
}

// GetPublicKey returns the key's hex-encoded public key.
func (s *Simulated) GetPublicKey(ctx context.Context, keyID string) (string, error) {
	key, err := s.GetKey(ctx, keyID)
	if err != nil {
		return "", err
	}
	return key.PublicKey, nil
}

// CreateSigningRequest signs the keccak256 hash of payload with the key.
// Fails for revoked or rotated keys.
func (s *Simulated) CreateSigningRequest(ctx context.Context, keyID string, payload []byte, metadata map[string]string) (*SigningRequest, error) {
	s.mu.RLock()
	mk, ok := s.keys[keyID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrKeyNotFound
	}

	switch mk.key.Status {
	case KeyRevoked:
		return nil, ErrKeyRevoked
	case KeyRotated:
		return nil, ErrKeyRotated
	}

	hash := crypto.Keccak256(payload)
	sig, err := crypto.Sign(hash, mk.priv)
	if err != nil {
		return nil, fmt.Errorf("keymgmt: sign payload: %w", err)
	}

	return &SigningRequest{
		ID:          idgen.WithPrefix("sig_"),
		KeyID:       keyID,
		PayloadHash: hex.EncodeToString(hash),
		Signature:   hex.EncodeToString(sig),
		PublicKey:   mk.key.PublicKey,
		Metadata:    metadata,
		CreatedAt:   time.Now(),
	}, nil
}

// RotateKey supersedes a key with a freshly generated one. The old key is
// marked rotated and can no longer sign. MPC configuration carries over.
func (s *Simulated) RotateKey(ctx context.Context, keyID string) (*Key, error) {
	s.mu.Lock()
	mk, ok := s.keys[keyID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrKeyNotFound
	}
	if mk.key.Status == KeyRevoked {
		s.mu.Unlock()
		return nil, ErrKeyRevoked
	}

	priv, err := crypto.GenerateKey()
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("keymgmt: generate replacement keypair: %w", err)
	}

	newKey := &Key{
		ID:          idgen.WithPrefix("key_"),
		OwnerID:     mk.key.OwnerID,
		Purpose:     mk.key.Purpose,
		Address:     crypto.PubkeyToAddress(priv.PublicKey).Hex(),
		PublicKey:   hex.EncodeToString(crypto.FromECDSAPub(&priv.PublicKey)),
		Status:      KeyActive,
		Threshold:   mk.key.Threshold,
		TotalShares: mk.key.TotalShares,
		RotatedFrom: keyID,
		CreatedAt:   time.Now(),
	}

	mk.key.Status = KeyRotated
	available := 0
	if newKey.Purpose == PurposeMPC {
		available = newKey.TotalShares
	}
	s.keys[newKey.ID] = &managedKey{key: newKey, priv: priv, availableShares: available}
	s.mu.Unlock()

	s.publish(events.EventKeyRotated, map[string]any{
		"oldKeyId": keyID,
		"newKeyId": newKey.ID,
		"ownerId":  newKey.OwnerID,
	})

	return copyKey(newKey), nil
}

// RevokeKey marks a key revoked. Revocation is terminal.
func (s *Simulated) RevokeKey(ctx context.Context, keyID string, reason string) error {
	s.mu.Lock()
	mk, ok := s.keys[keyID]
	if !ok {
		s.mu.Unlock()
		return ErrKeyNotFound
	}
	mk.key.Status = KeyRevoked
	s.mu.Unlock()

	s.publish(events.EventKeyRevoked, map[string]any{
		"keyId":  keyID,
		"reason": reason,
	})
	return nil
}

// MPCSharesStatus reports whether the threshold is currently satisfiable.
func (s *Simulated) MPCSharesStatus(ctx context.Context, keyID string) (*SharesStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mk, ok := s.keys[keyID]
	if !ok {
		return nil, ErrKeyNotFound
	}
	if mk.key.Purpose != PurposeMPC {
		return nil, ErrNotMPCKey
	}
	return &SharesStatus{
		CanSign:         mk.key.Status == KeyActive && mk.availableShares >= mk.key.Threshold,
		AvailableShares: mk.availableShares,
		Threshold:       mk.key.Threshold,
		TotalShares:     mk.key.TotalShares,
	}, nil
}

// SetAvailableShares adjusts simulated share availability. Test hook for
// exercising the fail-closed signing path.
func (s *Simulated) SetAvailableShares(keyID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mk, ok := s.keys[keyID]; ok {
		mk.availableShares = n
	}
}

// Health reports availability and active key count.
func (s *Simulated) Health(ctx context.Context) (*Health, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var active int64
	for _, mk := range s.keys {
		if mk.key.Status == KeyActive {
			active++
		}
	}
	return &Health{Available: true, ActiveKeys: active}, nil
}

func (s *Simulated) publish(t events.Type, data map[string]any) {
	if s.bus != nil {
		s.bus.Publish(t, data)
	}
}

func copyKey(k *Key) *Key {
	c := *k
	return &c
}

// Compile-time check that Simulated implements Service.
var _ Service = (*Simulated)(nil)

// Package keymgmt defines the key management capability custody providers
// depend on: key generation, address derivation, signing requests, rotation,
// revocation, and threshold-share status.
//
// The platform treats key management as an opaque external service. The
// Simulated implementation in this package generates real secp256k1 keys
// and produces placeholder signatures; it exists so custody providers and
// tests have a working backend, not as a production signer.
package keymgmt

import (
	"context"
	"errors"
	"time"
)

// Purpose describes what a key is generated for.
type Purpose string

const (
	PurposeWallet   Purpose = "wallet"
	PurposeAgent    Purpose = "agent"    // scoped agent signing key
	PurposeMPC      Purpose = "mpc"      // threshold-split key
	PurposeRecovery Purpose = "recovery" // replacement key from a recovery flow
)

// KeyStatus is the lifecycle state of a managed key.
type KeyStatus string

const (
	KeyActive  KeyStatus = "active"
	KeyRotated KeyStatus = "rotated"
	KeyRevoked KeyStatus = "revoked"
)

// Key is a managed signing key reference. The private material never leaves
// the service; callers only see the id, address, and public key.
type Key struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"ownerId"`
	Purpose     Purpose   `json:"purpose"`
	Address     string    `json:"address"`
	PublicKey   string    `json:"publicKey"`
	Status      KeyStatus `json:"status"`
	Threshold   int       `json:"threshold,omitempty"`   // MPC keys only
	TotalShares int       `json:"totalShares,omitempty"` // MPC keys only
	RotatedFrom string    `json:"rotatedFrom,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// GenerateOptions configures key generation.
type GenerateOptions struct {
	// Threshold and TotalShares configure MPC splitting (ignored for
	// non-MPC purposes). Zero values fall back to 2-of-3.
	Threshold   int
	TotalShares int
	// Recoverable marks one share as held by the recovery service.
	Recoverable bool
}

// SigningRequest is the result of asking the service to sign a payload.
type SigningRequest struct {
	ID          string            `json:"id"`
	KeyID       string            `json:"keyId"`
	PayloadHash string            `json:"payloadHash"`
	Signature   string            `json:"signature"`
	PublicKey   string            `json:"publicKey"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// SharesStatus reports live MPC share availability for a key.
type SharesStatus struct {
	CanSign         bool `json:"canSign"`
	AvailableShares int  `json:"availableShares"`
	Threshold       int  `json:"threshold"`
	TotalShares     int  `json:"totalShares"`
}

// Health reports service availability.
type Health struct {
	Available  bool  `json:"available"`
	ActiveKeys int64 `json:"activeKeys"`
}

// Service is the key management contract consumed by custody providers.
type Service interface {
	GenerateKey(ctx context.Context, ownerID string, purpose Purpose, opts GenerateOptions) (*Key, error)
	GetKey(ctx context.Context, keyID string) (*Key, error)
	GetAddress(ctx context.Context, keyID string) (string, error)
	GetPublicKey(ctx context.Context, keyID string) (string, error)
	CreateSigningRequest(ctx context.Context, keyID string, payload []byte, metadata map[string]string) (*SigningRequest, error)
	RotateKey(ctx context.Context, keyID string) (*Key, error)
	RevokeKey(ctx context.Context, keyID string, reason string) error
	MPCSharesStatus(ctx context.Context, keyID string) (*SharesStatus, error)
	Health(ctx context.Context) (*Health, error)
}

// Typed errors for programmatic handling.
var (
	ErrKeyNotFound = errors.New("keymgmt: key not found")
	ErrKeyRevoked  = errors.New("keymgmt: key is revoked")
	ErrKeyRotated  = errors.New("keymgmt: key has been rotated")
	ErrNotMPCKey   = errors.New("keymgmt: key is not threshold-split")
)

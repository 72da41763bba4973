// Package custody implements wallet custody under three trust models:
// non-custodial, smart-contract wallet, and MPC threshold signing. Each
// model decides how a transaction is prepared and signed; all three share
// one provider contract and the invariant that the agent never holds
// unilateral signing power.
package custody

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tonguard/tonguard/internal/txn"
)

// Mode is the trust model governing who can sign for a wallet. Selected
// once at wallet creation and never changed.
type Mode string

const (
	ModeNonCustodial  Mode = "non_custodial"
	ModeSmartContract Mode = "smart_contract"
	ModeMPC           Mode = "mpc"
)

// Valid reports whether m is a known custody mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeNonCustodial, ModeSmartContract, ModeMPC:
		return true
	}
	return false
}

// WalletStatus is the lifecycle state of a custody wallet.
type WalletStatus string

const (
	WalletPending    WalletStatus = "pending"
	WalletActive     WalletStatus = "active"
	WalletLocked     WalletStatus = "locked"
	WalletRecovering WalletStatus = "recovering"
	WalletArchived   WalletStatus = "archived"
)

// WalletPermissions bounds what the wallet's agent key may do. For the
// smart-contract model these mirror on-chain enforced limits; for MPC they
// drive the value escalation tiers.
type WalletPermissions struct {
	MaxTransactionAmount float64  `json:"maxTransactionAmount"` // TON-equivalent; 0 = unlimited
	AllowedOperations    []string `json:"allowedOperations"`    // "*" allows any
	AllowedTokens        []string `json:"allowedTokens"`        // "*" allows any
	AllowedProtocols     []string `json:"allowedProtocols"`     // "*" allows any
}

// Wallet is a custody-managed wallet record. Owned exclusively by the
// provider matching its Mode.
type Wallet struct {
	ID           string            `json:"id"`
	UserID       string            `json:"userId"`
	AgentID      string            `json:"agentId,omitempty"`
	Address      string            `json:"address,omitempty"`
	Mode         Mode              `json:"mode"`
	KeyID        string            `json:"keyId,omitempty"`
	Permissions  WalletPermissions `json:"permissions"`
	Status       WalletStatus      `json:"status"`
	CreatedAt    time.Time         `json:"createdAt"`
	LastActivity time.Time         `json:"lastActivity"`
}

// ApprovalType classifies what kind of approval a prepared transaction needs.
type ApprovalType string

const (
	ApprovalUserConfirmation ApprovalType = "user_confirmation"
	ApprovalMultiSig         ApprovalType = "multi_sig"
	ApprovalTimeout          ApprovalType = "timeout"
)

// PreparedStatus is the lifecycle state of a prepared transaction.
type PreparedStatus string

const (
	PreparedPending  PreparedStatus = "prepared"
	PreparedApproved PreparedStatus = "approved"
	PreparedRejected PreparedStatus = "rejected"
	PreparedExpired  PreparedStatus = "expired"
)

// PreparedTransaction is the intermediate artifact between authorization
// and signing. Consumed at most once by a matching Sign call; expiry is
// checked lazily against wall-clock time.
type PreparedTransaction struct {
	ID               string         `json:"id"`
	WalletID         string         `json:"walletId"`
	Request          *txn.Request   `json:"request"`
	Payload          []byte         `json:"payload"`
	PayloadHash      string         `json:"payloadHash"`
	EstimatedFee     float64        `json:"estimatedFee"`
	SimulationNote   string         `json:"simulationNote,omitempty"`
	RequiresApproval bool           `json:"requiresApproval"`
	ApprovalType     ApprovalType   `json:"approvalType,omitempty"`
	ExpiresAt        time.Time      `json:"expiresAt"`
	Status           PreparedStatus `json:"status"`
	CreatedAt        time.Time      `json:"createdAt"`
}

// ApprovalKind classifies a supplied approval.
type ApprovalKind string

const (
	ApprovalKindUserSignature ApprovalKind = "user_signature"
	ApprovalKindTimeout       ApprovalKind = "timeout"
	ApprovalKindMultiSig      ApprovalKind = "multi_sig"
)

// Approval is caller-supplied evidence that a required approval happened.
// Never persisted beyond the Sign call it is handed to.
type Approval struct {
	Kind       ApprovalKind `json:"kind"`
	Signature  string       `json:"signature,omitempty"`
	Signatures []string     `json:"signatures,omitempty"`
	ApprovedBy string       `json:"approvedBy,omitempty"`
	ApprovedAt time.Time    `json:"approvedAt"`
}

// SignedTransaction is the terminal signing artifact. Never re-signed.
type SignedTransaction struct {
	ID               string     `json:"id"`
	PreparedID       string     `json:"preparedId"`
	WalletID         string     `json:"walletId"`
	SignedPayload    []byte     `json:"signedPayload"`
	Signature        string     `json:"signature"`
	PublicKey        string     `json:"publicKey,omitempty"`
	ReadyToBroadcast bool       `json:"readyToBroadcast"`
	BroadcastAt      *time.Time `json:"broadcastAt,omitempty"`
	ConfirmedAt      *time.Time `json:"confirmedAt,omitempty"`
	ChainTxHash      string     `json:"chainTxHash,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// RecoveryStatus is the lifecycle state of a recovery session.
type RecoveryStatus string

const (
	RecoveryInitiated RecoveryStatus = "initiated"
	RecoveryVerifying RecoveryStatus = "verifying"
	RecoveryExecuting RecoveryStatus = "executing"
	RecoveryCompleted RecoveryStatus = "completed"
	RecoveryFailed    RecoveryStatus = "failed"
)

// VerificationStep is one identity check inside a recovery session.
type VerificationStep struct {
	Type        string     `json:"type"` // e.g. "email", "guardian"
	Required    bool       `json:"required"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// RecoverySession tracks a wallet recovery flow from initiation to key
// replacement.
type RecoverySession struct {
	ID        string             `json:"id"`
	WalletID  string             `json:"walletId"`
	UserID    string             `json:"userId"`
	Status    RecoveryStatus     `json:"status"`
	Steps     []VerificationStep `json:"steps"`
	NewKeyID  string             `json:"newKeyId,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
	ExpiresAt time.Time          `json:"expiresAt"`
}

// Health reports a provider's operational state.
type Health struct {
	Mode          Mode  `json:"mode"`
	Healthy       bool  `json:"healthy"`
	ActiveWallets int   `json:"activeWallets"`
	KeysAvailable bool  `json:"keysAvailable"`
	WalletCount   int64 `json:"walletCount"`
}

// Provider is the custody contract all three trust models implement.
type Provider interface {
	Mode() Mode
	CreateWallet(ctx context.Context, userID, agentID string) (*Wallet, error)
	GetWallet(ctx context.Context, walletID string) (*Wallet, error)
	ListWallets(ctx context.Context, userID string) ([]*Wallet, error)
	PrepareTransaction(ctx context.Context, walletID string, req *txn.Request) (*PreparedTransaction, error)
	SignTransaction(ctx context.Context, preparedID string, approval *Approval) (*SignedTransaction, error)
	UpdatePermissions(ctx context.Context, walletID string, perms WalletPermissions) (*Wallet, error)
	RevokeAgentAccess(ctx context.Context, walletID string) error
	InitiateRecovery(ctx context.Context, walletID, userID string) (*RecoverySession, error)
	CompleteRecovery(ctx context.Context, sessionID string) (*Wallet, error)
	GetHealth(ctx context.Context) (*Health, error)
}

// Typed errors surfaced by custody operations.
var (
	ErrWalletNotFound      = errors.New("custody: wallet not found")
	ErrWalletNotOperable   = errors.New("custody: wallet is locked or archived")
	ErrPreparedNotFound    = errors.New("custody: prepared transaction not found")
	ErrPreparedConsumed    = errors.New("custody: prepared transaction already consumed")
	ErrPreparedExpired     = errors.New("custody: prepared transaction expired")
	ErrApprovalRequired    = errors.New("custody: approval required")
	ErrApprovalInvalid     = errors.New("custody: approval invalid")
	ErrRecoveryUnsupported = errors.New("custody: recovery not supported for this custody mode")
	ErrRecoveryNotFound    = errors.New("custody: recovery session not found")
	ErrRecoveryIncomplete  = errors.New("custody: required verification steps incomplete")
	ErrRecoveryNotActive   = errors.New("custody: wallet must be active to start recovery")
	ErrUnknownStep         = errors.New("custody: unknown verification step")
	ErrSharesUnavailable   = errors.New("custody: insufficient MPC shares available")
	ErrWrongMode           = errors.New("custody: wallet belongs to a different custody mode")
)

// OperationError wraps a custody failure with the operation and wallet it
// concerns.
type OperationError struct {
	Op       string
	WalletID string
	Err      error
}

func (e *OperationError) Error() string {
	if e.WalletID != "" {
		return fmt.Sprintf("custody: %s wallet %s: %v", e.Op, e.WalletID, e.Err)
	}
	return fmt.Sprintf("custody: %s: %v", e.Op, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

func opErr(op, walletID string, err error) error {
	return &OperationError{Op: op, WalletID: walletID, Err: err}
}

package custody

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tonguard/tonguard/internal/events"
	"github.com/tonguard/tonguard/internal/idgen"
	"github.com/tonguard/tonguard/internal/keymgmt"
	"github.com/tonguard/tonguard/internal/metrics"
	"github.com/tonguard/tonguard/internal/txn"
)

const (
	mpcPrepareTTL = 15 * time.Minute

	// mpcMultiSigMultiplier is the value multiple of maxTransactionAmount
	// above which multi-sig is demanded instead of plain confirmation.
	mpcMultiSigMultiplier = 10

	// mpcMultiSigQuorum is how many signatures a multi-sig approval must carry.
	mpcMultiSigQuorum = 2
)

// defaultMPCAmount is the initial per-transaction escalation threshold for
// new MPC wallets.
const defaultMPCAmount = 1000

// MPCProvider splits a single logical key across threshold shares at wallet
// creation. Signing requires a live quorum of shares; revocation rotates
// the key, because a distributed share cannot be taken back.
type MPCProvider struct {
	base
	threshold   int
	totalShares int
}

// MPCOption configures the provider.
type MPCOption func(*MPCProvider)

// WithThreshold overrides the default 2-of-3 share split for new wallets.
func WithThreshold(threshold, totalShares int) MPCOption {
	return func(p *MPCProvider) {
		p.threshold = threshold
		p.totalShares = totalShares
	}
}

func NewMPC(store *Store, keys keymgmt.Service, bus *events.Bus, logger *slog.Logger, opts ...MPCOption) *MPCProvider {
	p := &MPCProvider{
		base:        newBase(ModeMPC, store, keys, bus, logger),
		threshold:   2,
		totalShares: 3,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *MPCProvider) Mode() Mode { return ModeMPC }

// CreateWallet generates a threshold-split key and activates the wallet
// immediately; one share is held by the recovery service.
func (p *MPCProvider) CreateWallet(ctx context.Context, userID, agentID string) (*Wallet, error) {
	key, err := p.keys.GenerateKey(ctx, userID, keymgmt.PurposeMPC, keymgmt.GenerateOptions{
		Threshold:   p.threshold,
		TotalShares: p.totalShares,
		Recoverable: true,
	})
	if err != nil {
		p.observe("create_wallet", "error")
		return nil, opErr("create wallet", "", err)
	}

	now := time.Now()
	w := &Wallet{
		ID:      idgen.WithPrefix("cw_"),
		UserID:  userID,
		AgentID: agentID,
		Address: key.Address,
		Mode:    ModeMPC,
		KeyID:   key.ID,
		Permissions: WalletPermissions{
			MaxTransactionAmount: defaultMPCAmount,
			AllowedOperations:    []string{"*"},
			AllowedTokens:        []string{"*"},
			AllowedProtocols:     []string{"*"},
		},
		Status:       WalletActive,
		CreatedAt:    now,
		LastActivity: now,
	}
	p.store.PutWallet(w)
	p.observe("create_wallet", "ok")
	p.publish(events.EventWalletCreated, map[string]any{
		"walletId":    w.ID,
		"userId":      userID,
		"agentId":     agentID,
		"address":     w.Address,
		"threshold":   key.Threshold,
		"totalShares": key.TotalShares,
	})
	p.logger.InfoContext(ctx, "mpc wallet created",
		"walletId", w.ID, "threshold", key.Threshold, "totalShares", key.TotalShares)
	return w, nil
}

func (p *MPCProvider) GetWallet(_ context.Context, walletID string) (*Wallet, error) {
	return p.getWallet(walletID)
}

func (p *MPCProvider) ListWallets(_ context.Context, userID string) ([]*Wallet, error) {
	return p.listWallets(userID), nil
}

// PrepareTransaction escalates purely on value against the wallet's
// maxTransactionAmount: below it no approval, above it user confirmation,
// above ten times it multi-sig.
func (p *MPCProvider) PrepareTransaction(ctx context.Context, walletID string, req *txn.Request) (*PreparedTransaction, error) {
	unlock := p.lockWallet(walletID)
	defer unlock()

	w, err := p.operableWallet(walletID)
	if err != nil {
		p.observe("prepare", "error")
		return nil, opErr("prepare transaction for", walletID, err)
	}

	prepared, err := p.buildPrepared(w, req, mpcPrepareTTL)
	if err != nil {
		p.observe("prepare", "error")
		return nil, opErr("prepare transaction for", walletID, err)
	}

	if max := w.Permissions.MaxTransactionAmount; max > 0 {
		switch value := req.ValueTon(); {
		case value > max*mpcMultiSigMultiplier:
			prepared.RequiresApproval = true
			prepared.ApprovalType = ApprovalMultiSig
		case value > max:
			prepared.RequiresApproval = true
			prepared.ApprovalType = ApprovalUserConfirmation
		}
	}

	p.store.PutPrepared(prepared)
	p.touch(w)
	p.observe("prepare", "ok")
	p.publish(events.EventTxPrepared, map[string]any{
		"preparedId":       prepared.ID,
		"walletId":         w.ID,
		"requiresApproval": prepared.RequiresApproval,
	})
	return prepared, nil
}

// SignTransaction checks live share availability before anything else and
// fails closed if the threshold cannot currently be met.
func (p *MPCProvider) SignTransaction(ctx context.Context, preparedID string, approval *Approval) (*SignedTransaction, error) {
	pre, ok := p.store.Prepared(preparedID)
	if !ok {
		p.observe("sign", "error")
		return nil, opErr("sign transaction", "", ErrPreparedNotFound)
	}

	unlock := p.lockWallet(pre.WalletID)
	defer unlock()

	w, err := p.operableWallet(pre.WalletID)
	if err != nil {
		p.observe("sign", "error")
		return nil, opErr("sign transaction for", pre.WalletID, err)
	}

	shares, err := p.keys.MPCSharesStatus(ctx, w.KeyID)
	if err != nil {
		p.observe("sign", "error")
		return nil, opErr("sign transaction for", w.ID, err)
	}
	if !shares.CanSign {
		p.observe("sign", "shares_unavailable")
		return nil, opErr("sign transaction for", w.ID, fmt.Errorf(
			"%w: %d of %d required shares available",
			ErrSharesUnavailable, shares.AvailableShares, shares.Threshold))
	}

	if err := validateMPCApproval(pre, approval); err != nil {
		p.observe("sign", "rejected")
		return nil, opErr("sign transaction for", w.ID, err)
	}

	prepared, err := p.consumePrepared(preparedID)
	if err != nil {
		p.observe("sign", "error")
		return nil, opErr("sign transaction for", w.ID, err)
	}

	sig, err := p.keys.CreateSigningRequest(ctx, w.KeyID, prepared.Payload, map[string]string{
		"walletId":      w.ID,
		"transactionId": prepared.Request.ID,
	})
	if err != nil {
		p.observe("sign", "error")
		return nil, opErr("sign transaction for", w.ID, err)
	}

	signed := &SignedTransaction{
		ID:               idgen.WithPrefix("stx_"),
		PreparedID:       prepared.ID,
		WalletID:         w.ID,
		SignedPayload:    prepared.Payload,
		Signature:        sig.Signature,
		PublicKey:        sig.PublicKey,
		ReadyToBroadcast: true,
		CreatedAt:        time.Now(),
	}
	p.store.PutSigned(signed)
	p.touch(w)
	p.observe("sign", "ok")
	p.publish(events.EventTxSigned, map[string]any{
		"signedId": signed.ID,
		"walletId": w.ID,
	})
	return signed, nil
}

// validateMPCApproval checks the supplied approval against what the
// prepared transaction demands.
func validateMPCApproval(pre *PreparedTransaction, approval *Approval) error {
	if !pre.RequiresApproval {
		return nil
	}
	if approval == nil {
		return ErrApprovalRequired
	}
	switch pre.ApprovalType {
	case ApprovalUserConfirmation:
		if approval.Signature == "" && len(approval.Signatures) == 0 {
			return fmt.Errorf("%w: user confirmation needs a signature", ErrApprovalInvalid)
		}
	case ApprovalMultiSig:
		if approval.Kind != ApprovalKindMultiSig || len(approval.Signatures) < mpcMultiSigQuorum {
			return fmt.Errorf("%w: multi-sig needs at least %d signatures", ErrApprovalInvalid, mpcMultiSigQuorum)
		}
	}
	return nil
}

func (p *MPCProvider) UpdatePermissions(_ context.Context, walletID string, perms WalletPermissions) (*Wallet, error) {
	return p.updatePermissions(walletID, perms)
}

// RevokeAgentAccess rotates the key rather than flipping a flag: a share
// already distributed cannot be un-shared, only superseded.
func (p *MPCProvider) RevokeAgentAccess(ctx context.Context, walletID string) error {
	unlock := p.lockWallet(walletID)
	defer unlock()

	w, ok := p.store.Wallet(walletID)
	if !ok {
		p.observe("revoke", "error")
		return opErr("revoke agent access for", walletID, ErrWalletNotFound)
	}

	key, err := p.keys.RotateKey(ctx, w.KeyID)
	if err != nil {
		p.observe("revoke", "error")
		return opErr("revoke agent access for", walletID, err)
	}

	w.AgentID = ""
	w.KeyID = key.ID
	w.Address = key.Address
	p.touch(w)

	metrics.KeyRotationsTotal.WithLabelValues("revoke").Inc()
	p.observe("revoke", "ok")
	p.publish(events.EventKeyRotated, map[string]any{
		"walletId": w.ID,
		"userId":   w.UserID,
		"newKeyId": key.ID,
	})
	p.logger.InfoContext(ctx, "agent access revoked via key rotation", "walletId", w.ID, "newKeyId", key.ID)
	return nil
}

// InitiateRecovery opens a session that will rotate the key using the
// surviving user and recovery-service shares.
func (p *MPCProvider) InitiateRecovery(ctx context.Context, walletID, userID string) (*RecoverySession, error) {
	unlock := p.lockWallet(walletID)
	defer unlock()

	w, ok := p.store.Wallet(walletID)
	if !ok {
		p.observe("recovery", "error")
		return nil, opErr("initiate recovery for", walletID, ErrWalletNotFound)
	}
	if w.Mode != ModeMPC {
		return nil, opErr("initiate recovery for", walletID, ErrWrongMode)
	}
	// Recovery moves the wallet active -> recovering -> active; a pending or
	// already-recovering wallet must not open a second session.
	if w.Status != WalletActive {
		p.observe("recovery", "rejected")
		return nil, opErr("initiate recovery for", walletID, ErrRecoveryNotActive)
	}

	now := time.Now()
	session := &RecoverySession{
		ID:       idgen.WithPrefix("rec_"),
		WalletID: w.ID,
		UserID:   userID,
		Status:   RecoveryVerifying,
		Steps: []VerificationStep{
			{Type: "identity", Required: true},
			{Type: "recovery_service", Required: true},
		},
		CreatedAt: now,
		ExpiresAt: now.Add(recoverySessionTTL),
	}
	p.store.PutRecovery(session)

	w.Status = WalletRecovering
	p.touch(w)
	p.observe("recovery", "initiated")
	p.publish(events.EventRecoveryInitiated, map[string]any{
		"sessionId": session.ID,
		"walletId":  w.ID,
		"userId":    userID,
	})
	return session, nil
}

// CompleteVerificationStep marks one verification step done.
func (p *MPCProvider) CompleteVerificationStep(_ context.Context, sessionID, stepType string) (*RecoverySession, error) {
	session, ok := p.store.Recovery(sessionID)
	if !ok {
		return nil, opErr("complete verification step", "", ErrRecoveryNotFound)
	}
	now := time.Now()
	matched := false
	for i := range session.Steps {
		if session.Steps[i].Type == stepType {
			session.Steps[i].Completed = true
			session.Steps[i].CompletedAt = &now
			matched = true
		}
	}
	if !matched {
		return nil, opErr("complete verification step", session.WalletID, fmt.Errorf("%w: %q", ErrUnknownStep, stepType))
	}
	p.store.PutRecovery(session)
	return session, nil
}

// CompleteRecovery rotates the wallet key using the surviving shares and
// reactivates the wallet.
func (p *MPCProvider) CompleteRecovery(ctx context.Context, sessionID string) (*Wallet, error) {
	session, ok := p.store.Recovery(sessionID)
	if !ok {
		p.observe("recovery", "error")
		return nil, opErr("complete recovery", "", ErrRecoveryNotFound)
	}

	unlock := p.lockWallet(session.WalletID)
	defer unlock()

	if time.Now().After(session.ExpiresAt) {
		session.Status = RecoveryFailed
		p.store.PutRecovery(session)
		p.observe("recovery", "expired")
		return nil, opErr("complete recovery for", session.WalletID, fmt.Errorf("recovery session expired"))
	}
	for _, step := range session.Steps {
		if step.Required && !step.Completed {
			p.observe("recovery", "incomplete")
			return nil, opErr("complete recovery for", session.WalletID, ErrRecoveryIncomplete)
		}
	}

	w, ok := p.store.Wallet(session.WalletID)
	if !ok {
		return nil, opErr("complete recovery for", session.WalletID, ErrWalletNotFound)
	}

	session.Status = RecoveryExecuting
	p.store.PutRecovery(session)

	key, err := p.keys.RotateKey(ctx, w.KeyID)
	if err != nil {
		session.Status = RecoveryFailed
		p.store.PutRecovery(session)
		p.observe("recovery", "error")
		return nil, opErr("complete recovery for", session.WalletID, err)
	}

	w.KeyID = key.ID
	w.Address = key.Address
	w.Status = WalletActive
	p.touch(w)

	session.Status = RecoveryCompleted
	session.NewKeyID = key.ID
	p.store.PutRecovery(session)

	metrics.KeyRotationsTotal.WithLabelValues("recovery").Inc()
	p.observe("recovery", "completed")
	p.publish(events.EventRecoveryCompleted, map[string]any{
		"sessionId": session.ID,
		"walletId":  w.ID,
		"newKeyId":  key.ID,
	})
	return w, nil
}

func (p *MPCProvider) GetHealth(ctx context.Context) (*Health, error) {
	kh, err := p.keys.Health(ctx)
	if err != nil {
		return &Health{Mode: ModeMPC, Healthy: false}, nil
	}
	return &Health{
		Mode:          ModeMPC,
		Healthy:       kh.Available,
		ActiveWallets: p.store.CountWallets(WalletActive),
		KeysAvailable: kh.Available,
		WalletCount:   kh.ActiveKeys,
	}, nil
}

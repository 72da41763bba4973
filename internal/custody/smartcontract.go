package custody

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tonguard/tonguard/internal/events"
	"github.com/tonguard/tonguard/internal/idgen"
	"github.com/tonguard/tonguard/internal/keymgmt"
	"github.com/tonguard/tonguard/internal/metrics"
	"github.com/tonguard/tonguard/internal/txn"
)

const (
	smartContractPrepareTTL = 15 * time.Minute
	recoverySessionTTL      = 24 * time.Hour
)

// defaultSmartContractAmount is the initial on-chain transfer cap mirrored
// locally for new wallets.
const defaultSmartContractAmount = 1000

// SmartContractProvider backs wallets with an on-chain contract that
// enforces spending limits. The platform holds one scoped signing key for
// the agent; the local limit check mirrors what the contract enforces, so
// an in-limit transaction signs without further approval.
type SmartContractProvider struct {
	base
}

func NewSmartContract(store *Store, keys keymgmt.Service, bus *events.Bus, logger *slog.Logger) *SmartContractProvider {
	return &SmartContractProvider{base: newBase(ModeSmartContract, store, keys, bus, logger)}
}

func (p *SmartContractProvider) Mode() Mode { return ModeSmartContract }

// CreateWallet generates a scoped agent key and activates the wallet
// immediately; the contract address derives from the key.
func (p *SmartContractProvider) CreateWallet(ctx context.Context, userID, agentID string) (*Wallet, error) {
	key, err := p.keys.GenerateKey(ctx, userID, keymgmt.PurposeAgent, keymgmt.GenerateOptions{})
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
		Mode:    ModeSmartContract,
		KeyID:   key.ID,
		Permissions: WalletPermissions{
			MaxTransactionAmount: defaultSmartContractAmount,
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
		"walletId": w.ID,
		"userId":   userID,
		"agentId":  agentID,
		"address":  w.Address,
	})
	p.logger.InfoContext(ctx, "smart contract wallet created", "walletId", w.ID, "address", w.Address)
	return w, nil
}

func (p *SmartContractProvider) GetWallet(_ context.Context, walletID string) (*Wallet, error) {
	return p.getWallet(walletID)
}

func (p *SmartContractProvider) ListWallets(_ context.Context, userID string) ([]*Wallet, error) {
	return p.listWallets(userID), nil
}

// checkOnChainLimits evaluates the local mirror of the contract's limits.
// It is a best-effort pre-check; the contract itself is the real backstop.
func checkOnChainLimits(w *Wallet, req *txn.Request) []string {
	var violations []string
	perms := w.Permissions

	if perms.MaxTransactionAmount > 0 && req.ValueTon() > perms.MaxTransactionAmount {
		violations = append(violations, fmt.Sprintf(
			"value %.2f TON exceeds contract limit %.2f TON", req.ValueTon(), perms.MaxTransactionAmount))
	}
	if !listAllows(perms.AllowedOperations, string(req.Type)) {
		violations = append(violations, fmt.Sprintf("operation %s not permitted by contract", req.Type))
	}
	if req.Amount != nil && !listAllows(perms.AllowedTokens, req.Amount.Symbol) {
		violations = append(violations, fmt.Sprintf("token %s not permitted by contract", req.Amount.Symbol))
	}
	if pr := req.Metadata.Protocol; pr != "" && !listAllows(perms.AllowedProtocols, pr) {
		violations = append(violations, fmt.Sprintf("protocol %s not permitted by contract", pr))
	}
	return violations
}

func listAllows(list []string, v string) bool {
	for _, item := range list {
		if item == "*" || item == v {
			return true
		}
	}
	return false
}

// PrepareTransaction signs without approval when the local limit mirror is
// satisfied; over-limit requests escalate to user confirmation rather than
// failing, since the user can authorize what the agent key alone cannot.
func (p *SmartContractProvider) PrepareTransaction(ctx context.Context, walletID string, req *txn.Request) (*PreparedTransaction, error) {
	unlock := p.lockWallet(walletID)
	defer unlock()

	w, err := p.operableWallet(walletID)
	if err != nil {
		p.observe("prepare", "error")
		return nil, opErr("prepare transaction for", walletID, err)
	}

	prepared, err := p.buildPrepared(w, req, smartContractPrepareTTL)
	if err != nil {
		p.observe("prepare", "error")
		return nil, opErr("prepare transaction for", walletID, err)
	}

	if violations := checkOnChainLimits(w, req); len(violations) > 0 {
		prepared.RequiresApproval = true
		prepared.ApprovalType = ApprovalUserConfirmation
		prepared.SimulationNote = strings.Join(violations, "; ")
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

// SignTransaction issues a signing request against the agent's scoped key.
func (p *SmartContractProvider) SignTransaction(ctx context.Context, preparedID string, approval *Approval) (*SignedTransaction, error) {
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
	if w.KeyID == "" {
		p.observe("sign", "error")
		return nil, opErr("sign transaction for", w.ID, fmt.Errorf("wallet has no agent key"))
	}

	if pre.RequiresApproval {
		if approval == nil || approval.Signature == "" {
			p.observe("sign", "rejected")
			return nil, opErr("sign transaction for", w.ID, ErrApprovalRequired)
		}
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

func (p *SmartContractProvider) UpdatePermissions(_ context.Context, walletID string, perms WalletPermissions) (*Wallet, error) {
	return p.updatePermissions(walletID, perms)
}

// RevokeAgentAccess revokes only the agent's scoped key. The owner's root
// custody lives in the contract and is unaffected; the wallet stays active.
func (p *SmartContractProvider) RevokeAgentAccess(ctx context.Context, walletID string) error {
	unlock := p.lockWallet(walletID)
	defer unlock()

	w, ok := p.store.Wallet(walletID)
	if !ok {
		p.observe("revoke", "error")
		return opErr("revoke agent access for", walletID, ErrWalletNotFound)
	}

	if w.KeyID != "" {
		if err := p.keys.RevokeKey(ctx, w.KeyID, "agent access revoked"); err != nil {
			p.observe("revoke", "error")
			return opErr("revoke agent access for", walletID, err)
		}
	}
	w.AgentID = ""
	w.KeyID = ""
	p.touch(w)
	p.observe("revoke", "ok")
	p.publish(events.EventKeyRevoked, map[string]any{
		"walletId": w.ID,
		"userId":   w.UserID,
	})
	p.logger.InfoContext(ctx, "agent key revoked", "walletId", w.ID)
	return nil
}

// InitiateRecovery opens a session requiring email and guardian
// verification before a replacement key is issued.
func (p *SmartContractProvider) InitiateRecovery(ctx context.Context, walletID, userID string) (*RecoverySession, error) {
	unlock := p.lockWallet(walletID)
	defer unlock()

	w, ok := p.store.Wallet(walletID)
	if !ok {
		p.observe("recovery", "error")
		return nil, opErr("initiate recovery for", walletID, ErrWalletNotFound)
	}
	if w.Mode != ModeSmartContract {
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
			{Type: "email", Required: true},
			{Type: "guardian", Required: true},
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
func (p *SmartContractProvider) CompleteVerificationStep(_ context.Context, sessionID, stepType string) (*RecoverySession, error) {
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

// CompleteRecovery issues a replacement key and reactivates the wallet.
// Rejected while any required verification step is incomplete.
func (p *SmartContractProvider) CompleteRecovery(ctx context.Context, sessionID string) (*Wallet, error) {
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

	key, err := p.keys.GenerateKey(ctx, session.UserID, keymgmt.PurposeRecovery, keymgmt.GenerateOptions{})
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
	})
	p.logger.InfoContext(ctx, "wallet recovered with new key", "walletId", w.ID, "sessionId", session.ID)
	return w, nil
}

func (p *SmartContractProvider) GetHealth(ctx context.Context) (*Health, error) {
	kh, err := p.keys.Health(ctx)
	if err != nil {
		return &Health{Mode: ModeSmartContract, Healthy: false}, nil
	}
	return &Health{
		Mode:          ModeSmartContract,
		Healthy:       kh.Available,
		ActiveWallets: p.store.CountWallets(WalletActive),
		KeysAvailable: kh.Available,
		WalletCount:   kh.ActiveKeys,
	}, nil
}

package custody

import (
	"context"
	"log/slog"
	"time"

	"github.com/tonguard/tonguard/internal/events"
	"github.com/tonguard/tonguard/internal/idgen"
	"github.com/tonguard/tonguard/internal/txn"
)

// noncustodialPrepareTTL is deliberately short: the user signs out of band
// and a stale payload should not linger.
const noncustodialPrepareTTL = 5 * time.Minute

// NonCustodialProvider never holds keys. Wallets start pending until the
// user links their own address; every transaction requires the user's own
// signature, and the key management service is never consulted.
type NonCustodialProvider struct {
	base
}

func NewNonCustodial(store *Store, bus *events.Bus, logger *slog.Logger) *NonCustodialProvider {
	return &NonCustodialProvider{base: newBase(ModeNonCustodial, store, nil, bus, logger)}
}

func (p *NonCustodialProvider) Mode() Mode { return ModeNonCustodial }

// CreateWallet registers a pending wallet with no address and no key
// reference. The user generates a key and links the address out of band.
func (p *NonCustodialProvider) CreateWallet(ctx context.Context, userID, agentID string) (*Wallet, error) {
	now := time.Now()
	w := &Wallet{
		ID:      idgen.WithPrefix("cw_"),
		UserID:  userID,
		AgentID: agentID,
		Mode:    ModeNonCustodial,
		Permissions: WalletPermissions{
			AllowedOperations: []string{"*"},
			AllowedTokens:     []string{"*"},
			AllowedProtocols:  []string{"*"},
		},
		Status:       WalletPending,
		CreatedAt:    now,
		LastActivity: now,
	}
	p.store.PutWallet(w)
	p.observe("create_wallet", "ok")
	p.publish(events.EventWalletCreated, map[string]any{
		"walletId": w.ID,
		"userId":   userID,
		"agentId":  agentID,
	})
	p.logger.InfoContext(ctx, "non-custodial wallet created", "walletId", w.ID, "userId", userID)
	return w, nil
}

// LinkAddress activates a pending wallet once the user reports their
// self-managed address.
func (p *NonCustodialProvider) LinkAddress(ctx context.Context, walletID, address string) (*Wallet, error) {
	unlock := p.lockWallet(walletID)
	defer unlock()

	w, err := p.operableWallet(walletID)
	if err != nil {
		return nil, opErr("link address for", walletID, err)
	}
	w.Address = address
	w.Status = WalletActive
	p.touch(w)
	p.logger.InfoContext(ctx, "wallet address linked", "walletId", w.ID, "address", address)
	return w, nil
}

func (p *NonCustodialProvider) GetWallet(_ context.Context, walletID string) (*Wallet, error) {
	return p.getWallet(walletID)
}

func (p *NonCustodialProvider) ListWallets(_ context.Context, userID string) ([]*Wallet, error) {
	return p.listWallets(userID), nil
}

// PrepareTransaction always demands the user's confirmation: the platform
// cannot sign, so there is nothing to do without one.
func (p *NonCustodialProvider) PrepareTransaction(ctx context.Context, walletID string, req *txn.Request) (*PreparedTransaction, error) {
	unlock := p.lockWallet(walletID)
	defer unlock()

	w, err := p.operableWallet(walletID)
	if err != nil {
		p.observe("prepare", "error")
		return nil, opErr("prepare transaction for", walletID, err)
	}

	prepared, err := p.buildPrepared(w, req, noncustodialPrepareTTL)
	if err != nil {
		p.observe("prepare", "error")
		return nil, opErr("prepare transaction for", walletID, err)
	}
	prepared.RequiresApproval = true
	prepared.ApprovalType = ApprovalUserConfirmation

	p.store.PutPrepared(prepared)
	p.touch(w)
	p.observe("prepare", "ok")
	p.publish(events.EventTxPrepared, map[string]any{
		"preparedId": prepared.ID,
		"walletId":   w.ID,
		"requiresApproval": true,
	})
	return prepared, nil
}

// SignTransaction validates the user's signature and packages it. It never
// calls key management: the signature is the user's, produced elsewhere.
func (p *NonCustodialProvider) SignTransaction(ctx context.Context, preparedID string, approval *Approval) (*SignedTransaction, error) {
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

	if approval == nil || approval.Kind != ApprovalKindUserSignature || approval.Signature == "" {
		p.observe("sign", "rejected")
		return nil, opErr("sign transaction for", w.ID, ErrApprovalRequired)
	}

	prepared, err := p.consumePrepared(preparedID)
	if err != nil {
		p.observe("sign", "error")
		return nil, opErr("sign transaction for", w.ID, err)
	}

	signed := &SignedTransaction{
		ID:               idgen.WithPrefix("stx_"),
		PreparedID:       prepared.ID,
		WalletID:         w.ID,
		SignedPayload:    prepared.Payload,
		Signature:        approval.Signature,
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
	p.logger.InfoContext(ctx, "transaction signed with user signature", "walletId", w.ID, "preparedId", prepared.ID)
	return signed, nil
}

func (p *NonCustodialProvider) UpdatePermissions(_ context.Context, walletID string, perms WalletPermissions) (*Wallet, error) {
	return p.updatePermissions(walletID, perms)
}

// RevokeAgentAccess is immediate: the agent never had signing capability,
// so clearing the reference and locking the wallet fully severs it.
func (p *NonCustodialProvider) RevokeAgentAccess(ctx context.Context, walletID string) error {
	unlock := p.lockWallet(walletID)
	defer unlock()

	w, ok := p.store.Wallet(walletID)
	if !ok {
		p.observe("revoke", "error")
		return opErr("revoke agent access for", walletID, ErrWalletNotFound)
	}
	w.AgentID = ""
	w.Status = WalletLocked
	p.touch(w)
	p.observe("revoke", "ok")
	p.publish(events.EventWalletLocked, map[string]any{
		"walletId": w.ID,
		"userId":   w.UserID,
	})
	p.logger.InfoContext(ctx, "agent access revoked, wallet locked", "walletId", w.ID)
	return nil
}

// InitiateRecovery is unsupported: the user's own wallet software owns key
// recovery for self-custodied keys.
func (p *NonCustodialProvider) InitiateRecovery(_ context.Context, walletID, _ string) (*RecoverySession, error) {
	p.observe("recovery", "unsupported")
	return nil, opErr("initiate recovery for", walletID, ErrRecoveryUnsupported)
}

func (p *NonCustodialProvider) CompleteRecovery(_ context.Context, sessionID string) (*Wallet, error) {
	p.observe("recovery", "unsupported")
	return nil, opErr("complete recovery "+sessionID, "", ErrRecoveryUnsupported)
}

func (p *NonCustodialProvider) GetHealth(_ context.Context) (*Health, error) {
	return &Health{
		Mode:          ModeNonCustodial,
		Healthy:       true,
		ActiveWallets: p.store.CountWallets(WalletActive),
		KeysAvailable: true, // no keys to be unavailable
	}, nil
}

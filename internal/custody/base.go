package custody

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tonguard/tonguard/internal/events"
	"github.com/tonguard/tonguard/internal/idgen"
	"github.com/tonguard/tonguard/internal/keymgmt"
	"github.com/tonguard/tonguard/internal/metrics"
	"github.com/tonguard/tonguard/internal/syncutil"
	"github.com/tonguard/tonguard/internal/txn"
)

// feeTable is the estimated network fee in TON per transaction type.
var feeTable = map[txn.Type]float64{
	txn.TypeTransfer:         0.01,
	txn.TypeSwap:             0.15,
	txn.TypeStake:            0.05,
	txn.TypeUnstake:          0.05,
	txn.TypeProvideLiquidity: 0.20,
	txn.TypeRemoveLiquidity:  0.20,
	txn.TypeContractCall:     0.10,
}

// base carries the state shared by all three providers. Operations on the
// same wallet are serialized through locks; operations on different wallets
// proceed independently.
type base struct {
	mode   Mode
	store  *Store
	keys   keymgmt.Service
	bus    *events.Bus
	logger *slog.Logger
	locks  syncutil.ShardedMutex
}

func newBase(mode Mode, store *Store, keys keymgmt.Service, bus *events.Bus, logger *slog.Logger) base {
	if store == nil {
		store = NewStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return base{
		mode:   mode,
		store:  store,
		keys:   keys,
		bus:    bus,
		logger: logger.With("custodyMode", string(mode)),
	}
}

// lockWallet serializes same-wallet operations. The returned func unlocks.
func (b *base) lockWallet(walletID string) func() {
	return b.locks.Lock(walletID)
}

// operableWallet loads a wallet and checks it belongs to this provider and
// accepts new operations. Locked and archived wallets are terminal for
// prepare/sign.
func (b *base) operableWallet(walletID string) (*Wallet, error) {
	w, ok := b.store.Wallet(walletID)
	if !ok {
		return nil, ErrWalletNotFound
	}
	if w.Mode != b.mode {
		return nil, ErrWrongMode
	}
	if w.Status == WalletLocked || w.Status == WalletArchived {
		return nil, ErrWalletNotOperable
	}
	return w, nil
}

// buildPrepared serializes the request into a signing payload and assembles
// the prepared transaction skeleton. Approval requirements are the caller's
// to fill in.
func (b *base) buildPrepared(w *Wallet, req *txn.Request, ttl time.Duration) (*PreparedTransaction, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("serialize signing payload: %w", err)
	}
	now := time.Now()
	return &PreparedTransaction{
		ID:           idgen.WithPrefix("ptx_"),
		WalletID:     w.ID,
		Request:      req,
		Payload:      payload,
		PayloadHash:  hex.EncodeToString(crypto.Keccak256(payload)),
		EstimatedFee: feeTable[req.Type],
		Status:       PreparedPending,
		ExpiresAt:    now.Add(ttl),
		CreatedAt:    now,
	}, nil
}

// consumePrepared loads a prepared transaction and marks it consumed,
// enforcing at-most-once use and lazy expiry. Must be called with the
// wallet lock held.
func (b *base) consumePrepared(preparedID string) (*PreparedTransaction, error) {
	p, ok := b.store.Prepared(preparedID)
	if !ok {
		return nil, ErrPreparedNotFound
	}
	if p.Status != PreparedPending {
		return nil, ErrPreparedConsumed
	}
	if time.Now().After(p.ExpiresAt) {
		p.Status = PreparedExpired
		b.store.PutPrepared(p)
		return nil, ErrPreparedExpired
	}
	p.Status = PreparedApproved
	b.store.PutPrepared(p)
	return p, nil
}

// touch updates the wallet's last-activity timestamp.
func (b *base) touch(w *Wallet) {
	w.LastActivity = time.Now()
	b.store.PutWallet(w)
}

func (b *base) observe(op, result string) {
	metrics.CustodyOpsTotal.WithLabelValues(string(b.mode), op, result).Inc()
}

func (b *base) publish(eventType events.Type, data map[string]any) {
	if b.bus == nil {
		return
	}
	data["custodyMode"] = string(b.mode)
	b.bus.Publish(eventType, data)
}

// updatePermissions is the mode-independent permission update path.
func (b *base) updatePermissions(walletID string, perms WalletPermissions) (*Wallet, error) {
	unlock := b.lockWallet(walletID)
	defer unlock()

	w, err := b.operableWallet(walletID)
	if err != nil {
		b.observe("update_permissions", "error")
		return nil, opErr("update permissions for", walletID, err)
	}
	w.Permissions = perms
	b.touch(w)
	b.observe("update_permissions", "ok")
	b.publish(events.EventPermissionChanged, map[string]any{
		"walletId": w.ID,
		"userId":   w.UserID,
	})
	return w, nil
}

// listWallets filters the store's per-user wallets to this provider's mode.
func (b *base) listWallets(userID string) []*Wallet {
	var out []*Wallet
	for _, w := range b.store.WalletsByUser(userID) {
		if w.Mode == b.mode {
			out = append(out, w)
		}
	}
	return out
}

// getWallet returns a wallet of this provider's mode.
func (b *base) getWallet(walletID string) (*Wallet, error) {
	w, ok := b.store.Wallet(walletID)
	if !ok {
		return nil, ErrWalletNotFound
	}
	if w.Mode != b.mode {
		return nil, ErrWrongMode
	}
	return w, nil
}

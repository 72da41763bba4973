package custody

import (
	"fmt"
	"log/slog"

	"github.com/tonguard/tonguard/internal/events"
	"github.com/tonguard/tonguard/internal/keymgmt"
)

// Factory resolves a custody mode to its provider. All providers share one
// store so a wallet id can be routed by the mode recorded on the wallet.
type Factory struct {
	store     *Store
	providers map[Mode]Provider
}

// NewFactory wires the three providers over a shared store.
func NewFactory(keys keymgmt.Service, bus *events.Bus, logger *slog.Logger, mpcOpts ...MPCOption) *Factory {
	store := NewStore()
	return &Factory{
		store: store,
		providers: map[Mode]Provider{
			ModeNonCustodial:  NewNonCustodial(store, bus, logger),
			ModeSmartContract: NewSmartContract(store, keys, bus, logger),
			ModeMPC:           NewMPC(store, keys, bus, logger, mpcOpts...),
		},
	}
}

// Provider returns the provider for a custody mode.
func (f *Factory) Provider(mode Mode) (Provider, error) {
	p, ok := f.providers[mode]
	if !ok {
		return nil, fmt.Errorf("custody: unknown custody mode %q", mode)
	}
	return p, nil
}

// ForWallet routes by the mode recorded on the wallet.
func (f *Factory) ForWallet(walletID string) (Provider, *Wallet, error) {
	w, ok := f.store.Wallet(walletID)
	if !ok {
		return nil, nil, ErrWalletNotFound
	}
	p, err := f.Provider(w.Mode)
	if err != nil {
		return nil, nil, err
	}
	return p, w, nil
}

// Store exposes the shared wallet registry for read paths.
func (f *Factory) Store() *Store { return f.store }

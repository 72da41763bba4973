// Package txn defines the transaction request model shared by the
// authorization pipeline and the custody providers.
//
// A TransactionRequest is immutable once constructed: both pipelines read
// it, neither mutates it. Amounts carry two representations — the exact
// decimal string for the token amount and a float64 TON-equivalent value
// used for limit and escalation comparisons.
package txn

import "time"

// Type classifies the on-chain operation an agent proposes.
type Type string

const (
	TypeTransfer         Type = "transfer"
	TypeSwap             Type = "swap"
	TypeStake            Type = "stake"
	TypeUnstake          Type = "unstake"
	TypeProvideLiquidity Type = "provide_liquidity"
	TypeRemoveLiquidity  Type = "remove_liquidity"
	TypeContractCall     Type = "contract_call"
)

// complexTypes are operation types that interact with protocol contracts
// rather than moving funds directly.
var complexTypes = map[Type]bool{
	TypeSwap:             true,
	TypeProvideLiquidity: true,
	TypeRemoveLiquidity:  true,
	TypeContractCall:     true,
}

// IsComplex reports whether the type is a protocol interaction rather than
// a plain transfer/stake.
func (t Type) IsComplex() bool { return complexTypes[t] }

// Valid reports whether t is a known transaction type.
func (t Type) Valid() bool {
	switch t {
	case TypeTransfer, TypeSwap, TypeStake, TypeUnstake,
		TypeProvideLiquidity, TypeRemoveLiquidity, TypeContractCall:
		return true
	}
	return false
}

// Destination describes where funds are headed.
type Destination struct {
	Address       string `json:"address"`
	IsNew         bool   `json:"isNew,omitempty"`
	IsWhitelisted bool   `json:"isWhitelisted,omitempty"`
	Kind          string `json:"kind,omitempty"` // e.g. "wallet", "contract", "exchange"
}

// Amount describes what is being moved.
type Amount struct {
	TokenID string `json:"tokenId"`
	Symbol  string `json:"symbol"`
	// Amount is the exact token amount as a decimal string.
	Amount string `json:"amount"`
	// ValueTon is the TON-equivalent value used for limit comparisons.
	ValueTon float64 `json:"valueTon"`
}

// Metadata carries free-form request context.
type Metadata struct {
	Protocol   string `json:"protocol,omitempty"`
	StrategyID string `json:"strategyId,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
}

// Request is a proposed on-chain transaction. Immutable once constructed;
// flows unchanged through both the authorization and custody pipelines.
type Request struct {
	ID           string       `json:"id"`
	Type         Type         `json:"type"`
	SourceWallet string       `json:"sourceWallet"`
	Destination  *Destination `json:"destination,omitempty"`
	Amount       *Amount      `json:"amount,omitempty"`
	Metadata     Metadata     `json:"metadata,omitempty"`
	UserID       string       `json:"userId"`
	AgentID      string       `json:"agentId"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// ValueTon returns the TON-equivalent value, or 0 when no amount is attached.
func (r *Request) ValueTon() float64 {
	if r.Amount == nil {
		return 0
	}
	return r.Amount.ValueTon
}

// SessionKey returns the rate-limit session key for this request.
func (r *Request) SessionKey() string {
	return r.UserID + ":" + r.AgentID
}

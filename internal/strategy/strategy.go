// Package strategy holds the trading strategy registry consulted by the
// authorization pipeline.
//
// A strategy bounds what an agent executing it may do: which operations,
// which tokens, and how much per trade. Requests that reference a strategy
// are checked against these bounds; requests without one pass with a
// suggestion to attach one.
package strategy

import (
	"context"
	"errors"
	"time"
)

// Strategy is a registered trading strategy definition.
type Strategy struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	OwnerID           string    `json:"ownerId"`
	AllowedOperations []string  `json:"allowedOperations"`
	AllowedTokens     []string  `json:"allowedTokens"`
	MaxAmountPerTrade float64   `json:"maxAmountPerTrade"` // TON-equivalent; 0 = unlimited
	Enabled           bool      `json:"enabled"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// AllowsOperation reports whether op is in the strategy's operation allow-list.
func (s *Strategy) AllowsOperation(op string) bool {
	return contains(s.AllowedOperations, op)
}

// AllowsToken reports whether the token symbol is allowed. A "*" entry
// allows any token.
func (s *Strategy) AllowsToken(symbol string) bool {
	return contains(s.AllowedTokens, "*") || contains(s.AllowedTokens, symbol)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Store persists strategy definitions.
type Store interface {
	Create(ctx context.Context, s *Strategy) error
	Get(ctx context.Context, id string) (*Strategy, error)
	List(ctx context.Context, ownerID string) ([]*Strategy, error)
	Update(ctx context.Context, s *Strategy) error
	Delete(ctx context.Context, id string) error
}

var (
	ErrNotFound  = errors.New("strategy: not found")
	ErrNameTaken = errors.New("strategy: name already in use for owner")
)

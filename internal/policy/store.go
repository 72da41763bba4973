package policy

import "context"

// Store persists user policies.
type Store interface {
	Create(ctx context.Context, p *Policy) error
	Get(ctx context.Context, id string) (*Policy, error)
	// GetFor resolves the enabled policy for a (user, agent) pair: an exact
	// agent match wins over the user's wildcard policy. Returns
	// ErrPolicyNotFound when neither exists.
	GetFor(ctx context.Context, userID, agentID string) (*Policy, error)
	List(ctx context.Context, userID string) ([]*Policy, error)
	Update(ctx context.Context, p *Policy) error
	Delete(ctx context.Context, id string) error
}

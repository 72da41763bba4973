// Package policy stores per-user, per-agent authorization policies.
//
// A policy bundles the agent permissions and user spending limits that the
// authorization pipeline consults. Callers may supply both inline with each
// authorization request; when they do not, the stored policy for the
// (user, agent) pair is used, falling back to the user's wildcard policy.
package policy

import (
	"errors"
	"fmt"
	"time"

	"github.com/tonguard/tonguard/internal/authz"
)

// Errors
var (
	ErrPolicyNotFound = errors.New("policy: not found")
	ErrDuplicate      = errors.New("policy: a policy already exists for this user and agent")
)

// AnyAgent is the agent ID of a user's fallback policy. It applies to any
// agent that has no policy of its own.
const AnyAgent = "*"

// Policy is the stored authorization posture for one (user, agent) pair.
type Policy struct {
	ID          string                 `json:"id"`
	UserID      string                 `json:"userId"`
	AgentID     string                 `json:"agentId"` // AnyAgent covers agents without their own policy
	Permissions authz.AgentPermissions `json:"permissions"`
	Limits      authz.UserLimits       `json:"limits"`
	Enabled     bool                   `json:"enabled"`
	CreatedAt   time.Time              `json:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
}

// Validate checks that a policy is internally consistent.
func Validate(p *Policy) error {
	if p.UserID == "" {
		return errors.New("userId is required")
	}
	if p.AgentID == "" {
		return errors.New("agentId is required (use \"*\" for a user-wide policy)")
	}
	if p.Permissions.MaxPerTransfer < 0 {
		return errors.New("permissions.maxPerTransfer must not be negative")
	}
	for token, tokenCap := range p.Permissions.TokenCaps {
		if tokenCap <= 0 {
			return fmt.Errorf("permissions.tokenCaps[%s] must be positive", token)
		}
	}
	if p.Permissions.WhitelistOnly && len(p.Permissions.WhitelistedAddresses) == 0 {
		return errors.New("permissions.whitelistOnly requires at least one whitelisted address")
	}
	l := p.Limits
	if l.SingleTransactionLimit < 0 || l.DailyLimit < 0 || l.WeeklyLimit < 0 || l.MonthlyLimit < 0 {
		return errors.New("limits must not be negative")
	}
	if l.DailyLimit > 0 && l.SingleTransactionLimit > l.DailyLimit {
		return errors.New("limits.singleTransactionLimit exceeds dailyLimit")
	}
	if l.WeeklyLimit > 0 && l.DailyLimit > l.WeeklyLimit {
		return errors.New("limits.dailyLimit exceeds weeklyLimit")
	}
	if l.MonthlyLimit > 0 && l.WeeklyLimit > l.MonthlyLimit {
		return errors.New("limits.weeklyLimit exceeds monthlyLimit")
	}
	if l.LargeTransactionThreshold < 0 {
		return errors.New("limits.largeTransactionThreshold must not be negative")
	}
	return nil
}

func (p *Policy) clone() *Policy {
	cp := *p
	cp.Permissions.AllowedOperations = append([]string(nil), p.Permissions.AllowedOperations...)
	cp.Permissions.WhitelistedAddresses = append([]string(nil), p.Permissions.WhitelistedAddresses...)
	cp.Permissions.AllowedTokens = append([]string(nil), p.Permissions.AllowedTokens...)
	cp.Permissions.AllowedProtocols = append([]string(nil), p.Permissions.AllowedProtocols...)
	if p.Permissions.TokenCaps != nil {
		cp.Permissions.TokenCaps = make(map[string]float64, len(p.Permissions.TokenCaps))
		for k, v := range p.Permissions.TokenCaps {
			cp.Permissions.TokenCaps[k] = v
		}
	}
	return &cp
}

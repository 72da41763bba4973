// Package risk scores proposed transactions behaviorally and statistically.
//
// Every request is evaluated against per-agent sliding windows: spend
// velocity, destination novelty, time-of-day deviation, and value deviation
// from the agent's norm. The result is the risk context the authorization
// pipeline consumes, with sub-scores in [0, 1] and an overall tier.
package risk

import (
	"context"
	"time"

	"github.com/tonguard/tonguard/internal/authz"
)

// Tier thresholds over the combined weighted score.
const (
	DefaultCriticalThreshold = 0.8
	DefaultHighThreshold     = 0.6
	DefaultMediumThreshold   = 0.4
)

// Assessment is one persisted scoring outcome.
type Assessment struct {
	ID          string             `json:"id"`
	AgentID     string             `json:"agentId"`
	UserID      string             `json:"userId"`
	Score       float64            `json:"score"`
	Factors     map[string]float64 `json:"factors"`
	Tier        authz.RiskTier     `json:"tier"`
	EvaluatedAt time.Time          `json:"evaluatedAt"`
}

// Store persists assessments for the audit trail.
type Store interface {
	Record(ctx context.Context, a *Assessment) error
	ListByAgent(ctx context.Context, agentID string, limit int) ([]*Assessment, error)
}

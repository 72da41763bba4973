// Package authz implements the multi-layer transaction authorization engine.
//
// Every transaction an agent proposes runs through an ordered pipeline of
// authorization layers. Each layer inspects one facet of the request and
// returns a bounded decision; a rejection stops the pipeline immediately,
// while escalating decisions accumulate required follow-up actions
// (confirmation, manual review, multi-sig). The engine fails closed: a
// pipeline that exceeds its latency budget is rejected outright.
package authz

import (
	"context"
	"time"

	"github.com/tonguard/tonguard/internal/txn"
)

// Decision is a bounded authorization outcome.
type Decision string

const (
	DecisionApproved         Decision = "approved"
	DecisionWithConfirmation Decision = "approved_with_confirmation"
	DecisionPendingReview    Decision = "pending_review"
	DecisionPendingMultiSig  Decision = "pending_multisig"
	DecisionRejected         Decision = "rejected"
)

// LayerName identifies an authorization layer.
type LayerName string

const (
	LayerIntentValidation   LayerName = "intent_validation"
	LayerStrategyValidation LayerName = "strategy_validation"
	LayerRiskEngine         LayerName = "risk_engine"
	LayerPolicyEngine       LayerName = "policy_engine"
	LayerLimitCheck         LayerName = "limit_check"
	LayerRateLimit          LayerName = "rate_limit"
	LayerAnomalyDetection   LayerName = "anomaly_detection"
	LayerSimulation         LayerName = "simulation"
)

// DefaultLayerOrder is the pipeline order when no config overrides it.
var DefaultLayerOrder = []LayerName{
	LayerIntentValidation,
	LayerStrategyValidation,
	LayerRiskEngine,
	LayerPolicyEngine,
	LayerLimitCheck,
	LayerRateLimit,
	LayerAnomalyDetection,
	LayerSimulation,
}

// RiskTier buckets overall transaction risk.
type RiskTier string

const (
	RiskLow      RiskTier = "low"
	RiskMedium   RiskTier = "medium"
	RiskHigh     RiskTier = "high"
	RiskCritical RiskTier = "critical"
)

// TransactionRiskScore is the transaction-level sub-score from the risk engine.
type TransactionRiskScore struct {
	Score float64  `json:"score"`
	Flags []string `json:"flags,omitempty"`
}

// BehavioralRiskScore is the behavioral sub-score from the risk engine.
type BehavioralRiskScore struct {
	Score               float64 `json:"score"`
	AnomalyScore        float64 `json:"anomalyScore"`
	DeviationFromNormal float64 `json:"deviationFromNormal"`
}

// MarketRiskScore is the market-conditions sub-score from the risk engine.
type MarketRiskScore struct {
	Score float64  `json:"score"`
	Flags []string `json:"flags,omitempty"`
}

// RiskContext is the externally supplied risk assessment for a request.
type RiskContext struct {
	TransactionRisk TransactionRiskScore `json:"transactionRisk"`
	BehavioralRisk  BehavioralRiskScore  `json:"behavioralRisk"`
	MarketRisk      MarketRiskScore      `json:"marketRisk"`
	OverallRisk     RiskTier             `json:"overallRisk"`
}

// AgentPermissions bounds what an agent may do on behalf of its user.
type AgentPermissions struct {
	TradingEnabled    bool     `json:"tradingEnabled"`
	AllowedOperations []string `json:"allowedOperations"` // "*" allows any

	TransfersEnabled     bool     `json:"transfersEnabled"`
	WhitelistOnly        bool     `json:"whitelistOnly"`
	WhitelistedAddresses []string `json:"whitelistedAddresses,omitempty"`
	MaxPerTransfer       float64  `json:"maxPerTransfer"` // TON-equivalent; 0 = unlimited

	AllowedTokens    []string           `json:"allowedTokens"` // "*" allows any
	TokenCaps        map[string]float64 `json:"tokenCaps,omitempty"`
	AllowedProtocols []string           `json:"allowedProtocols"` // "*" allows any
}

// UserLimits are the user's rolling spending limits. All values are
// TON-equivalent; 0 means unlimited.
type UserLimits struct {
	SingleTransactionLimit float64 `json:"singleTransactionLimit"`
	DailyLimit             float64 `json:"dailyLimit"`
	WeeklyLimit            float64 `json:"weeklyLimit"`
	MonthlyLimit           float64 `json:"monthlyLimit"`

	UsedToday     float64 `json:"usedToday"`
	UsedThisWeek  float64 `json:"usedThisWeek"`
	UsedThisMonth float64 `json:"usedThisMonth"`

	LargeTransactionThreshold float64 `json:"largeTransactionThreshold"`
}

// SessionContext identifies the agent session issuing the request.
type SessionContext struct {
	SessionID    string    `json:"sessionId"`
	StartedAt    time.Time `json:"startedAt"`
	RequestCount int       `json:"requestCount"`
}

// Context bundles everything the layers consult. Built once per Authorize
// call by merging caller-supplied parts over engine defaults; never mutated
// afterwards.
type Context struct {
	Agent   *AgentPermissions `json:"agent,omitempty"`
	Limits  *UserLimits       `json:"limits,omitempty"`
	Session *SessionContext   `json:"session,omitempty"`
	Risk    *RiskContext      `json:"risk,omitempty"`
}

// LayerResult is one layer's verdict. Produced fresh per layer per call.
type LayerResult struct {
	Layer     LayerName      `json:"layer"`
	Passed    bool           `json:"passed"`
	Decision  Decision       `json:"decision"`
	Reason    string         `json:"reason,omitempty"`
	LatencyUs int64          `json:"latencyUs"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ActionKind classifies a required follow-up action.
type ActionKind string

const (
	ActionUserConfirmation ActionKind = "user_confirmation"
	ActionManualReview     ActionKind = "manual_review"
	ActionMultiSig         ActionKind = "multi_sig"
)

// RequiredAction is an escalation a non-rejecting layer demanded.
// Accumulated, never removed, within one Authorize call.
type RequiredAction struct {
	Kind        ActionKind `json:"kind"`
	Priority    string     `json:"priority"` // "medium", "high", "critical"
	Description string     `json:"description"`
}

// Result is the final output of one Authorize call. Immutable and advisory:
// nothing revokes it at expiry, callers must check ValidUntil before reuse.
type Result struct {
	ID              string           `json:"id"`
	TransactionID   string           `json:"transactionId"`
	Decision        Decision         `json:"decision"`
	CheckedLayers   []LayerResult    `json:"checkedLayers"`
	RiskTier        RiskTier         `json:"riskTier"`
	RequiredActions []RequiredAction `json:"requiredActions,omitempty"`
	ValidUntil      time.Time        `json:"validUntil"`
	Metadata        map[string]any   `json:"metadata,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
}

// Config controls the pipeline.
type Config struct {
	// EnabledLayers is the ordered list of layers to run.
	EnabledLayers []LayerName `json:"enabledLayers"`
	// MaxLatency is the wall-clock budget for the whole pipeline.
	// Exceeding it rejects the request (fail closed).
	MaxLatency time.Duration `json:"maxLatency"`
	// RequireMultiSigAbove is the TON-equivalent value above which a
	// multi-sig action is appended regardless of layer outcomes.
	RequireMultiSigAbove float64 `json:"requireMultiSigAbove"`
	// ResultTTL bounds how long a Result may be reused.
	ResultTTL time.Duration `json:"resultTtl"`
}

// DefaultConfig returns the standard pipeline configuration.
func DefaultConfig() Config {
	return Config{
		EnabledLayers:        append([]LayerName(nil), DefaultLayerOrder...),
		MaxLatency:           5 * time.Second,
		RequireMultiSigAbove: 10000,
		ResultTTL:            5 * time.Minute,
	}
}

// Layer inspects one facet of a request. Implementations convert internal
// failures into rejecting results rather than returning errors.
type Layer interface {
	Name() LayerName
	Check(ctx context.Context, req *txn.Request, actx *Context) *LayerResult
}

// allowsWildcard reports whether list contains v or the "*" wildcard.
func allowsWildcard(list []string, v string) bool {
	for _, item := range list {
		if item == "*" || item == v {
			return true
		}
	}
	return false
}

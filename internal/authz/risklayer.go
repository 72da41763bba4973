package authz

import (
	"context"
	"fmt"

	"github.com/tonguard/tonguard/internal/txn"
)

// RiskLayer maps the externally supplied overall risk tier to a decision.
// The sub-scores ride along as metadata for audit.
type RiskLayer struct{}

func (l *RiskLayer) Name() LayerName { return LayerRiskEngine }

func (l *RiskLayer) Check(_ context.Context, _ *txn.Request, actx *Context) *LayerResult {
	risk := actx.Risk
	md := map[string]any{
		"transactionRisk": risk.TransactionRisk.Score,
		"behavioralRisk":  risk.BehavioralRisk.Score,
		"marketRisk":      risk.MarketRisk.Score,
		"overallRisk":     string(risk.OverallRisk),
	}
	if len(risk.TransactionRisk.Flags) > 0 {
		md["transactionFlags"] = risk.TransactionRisk.Flags
	}
	if len(risk.MarketRisk.Flags) > 0 {
		md["marketFlags"] = risk.MarketRisk.Flags
	}

	switch risk.OverallRisk {
	case RiskCritical:
		return &LayerResult{
			Layer:    LayerRiskEngine,
			Decision: DecisionRejected,
			Reason:   "overall risk assessed as critical",
			Metadata: md,
		}
	case RiskHigh:
		return &LayerResult{
			Layer:    LayerRiskEngine,
			Passed:   true,
			Decision: DecisionPendingReview,
			Reason:   "overall risk assessed as high",
			Metadata: md,
		}
	case RiskMedium:
		return &LayerResult{
			Layer:    LayerRiskEngine,
			Passed:   true,
			Decision: DecisionWithConfirmation,
			Reason:   "overall risk assessed as medium",
			Metadata: md,
		}
	case RiskLow:
		return pass(LayerRiskEngine, md)
	}
	return &LayerResult{
		Layer:    LayerRiskEngine,
		Decision: DecisionRejected,
		Reason:   fmt.Sprintf("unknown risk tier %q", risk.OverallRisk),
		Metadata: md,
	}
}

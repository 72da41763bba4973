package authz

import (
	"context"
	"fmt"

	"github.com/tonguard/tonguard/internal/txn"
)

// AnomalyLayer consumes the behavioral sub-score independently of the risk
// tier mapping: a high anomaly score rejects, a moderate one escalates to
// review, and a large deviation from the agent's normal pattern asks for
// confirmation.
type AnomalyLayer struct{}

func (l *AnomalyLayer) Name() LayerName { return LayerAnomalyDetection }

func (l *AnomalyLayer) Check(_ context.Context, _ *txn.Request, actx *Context) *LayerResult {
	b := actx.Risk.BehavioralRisk
	md := map[string]any{
		"anomalyScore":        b.AnomalyScore,
		"deviationFromNormal": b.DeviationFromNormal,
	}

	switch {
	case b.AnomalyScore > 0.8:
		return &LayerResult{
			Layer:    LayerAnomalyDetection,
			Decision: DecisionRejected,
			Reason:   fmt.Sprintf("anomaly score %.2f exceeds rejection threshold 0.80", b.AnomalyScore),
			Metadata: md,
		}
	case b.AnomalyScore > 0.6:
		return &LayerResult{
			Layer:    LayerAnomalyDetection,
			Passed:   true,
			Decision: DecisionPendingReview,
			Reason:   fmt.Sprintf("anomaly score %.2f exceeds review threshold 0.60", b.AnomalyScore),
			Metadata: md,
		}
	case b.DeviationFromNormal > 3:
		return &LayerResult{
			Layer:    LayerAnomalyDetection,
			Passed:   true,
			Decision: DecisionWithConfirmation,
			Reason:   fmt.Sprintf("behavior deviates %.1f standard deviations from normal", b.DeviationFromNormal),
			Metadata: md,
		}
	}
	return pass(LayerAnomalyDetection, md)
}

package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tonguard/tonguard/internal/strategy"
	"github.com/tonguard/tonguard/internal/txn"
)

// StrategyLayer checks requests that reference a registered strategy
// against that strategy's allow-lists and per-trade cap. Requests without
// a strategy, or with an unknown one, pass with a suggestion.
type StrategyLayer struct {
	Strategies strategy.Store
}

func (l *StrategyLayer) Name() LayerName { return LayerStrategyValidation }

func (l *StrategyLayer) Check(ctx context.Context, req *txn.Request, _ *Context) *LayerResult {
	id := req.Metadata.StrategyID
	if id == "" {
		return pass(LayerStrategyValidation, map[string]any{
			"suggestion": "attach a strategy id to enable strategy-bound checks",
		})
	}

	if l.Strategies == nil {
		return pass(LayerStrategyValidation, map[string]any{
			"suggestion": fmt.Sprintf("strategy %s could not be resolved, no registry configured", id),
		})
	}

	s, err := l.Strategies.Get(ctx, id)
	if err != nil {
		if errors.Is(err, strategy.ErrNotFound) {
			return pass(LayerStrategyValidation, map[string]any{
				"suggestion": fmt.Sprintf("strategy %s is not registered", id),
			})
		}
		return &LayerResult{
			Layer:    LayerStrategyValidation,
			Decision: DecisionRejected,
			Reason:   fmt.Sprintf("strategy lookup failed: %v", err),
		}
	}

	var violations []string
	if !s.Enabled {
		violations = append(violations, fmt.Sprintf("strategy %s is disabled", s.ID))
	}
	if !s.AllowsOperation(string(req.Type)) {
		violations = append(violations, fmt.Sprintf("operation %s is not allowed by strategy %s", req.Type, s.Name))
	}
	if req.Amount != nil {
		if !s.AllowsToken(req.Amount.Symbol) {
			violations = append(violations, fmt.Sprintf("token %s is not allowed by strategy %s", req.Amount.Symbol, s.Name))
		}
		if s.MaxAmountPerTrade > 0 && req.Amount.ValueTon > s.MaxAmountPerTrade {
			violations = append(violations, fmt.Sprintf(
				"value %.2f TON exceeds strategy per-trade cap %.2f TON", req.Amount.ValueTon, s.MaxAmountPerTrade))
		}
	}

	if len(violations) > 0 {
		return &LayerResult{
			Layer:    LayerStrategyValidation,
			Decision: DecisionRejected,
			Reason:   strings.Join(violations, "; "),
			Metadata: map[string]any{"strategyId": s.ID},
		}
	}
	return pass(LayerStrategyValidation, map[string]any{"strategyId": s.ID})
}

func pass(name LayerName, md map[string]any) *LayerResult {
	return &LayerResult{Layer: name, Passed: true, Decision: DecisionApproved, Metadata: md}
}

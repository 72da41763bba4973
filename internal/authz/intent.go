package authz

import (
	"context"
	"fmt"
	"strings"

	"github.com/tonguard/tonguard/internal/ton"
	"github.com/tonguard/tonguard/internal/txn"
)

// IntentLayer checks that the request is structurally well-formed for its
// declared type and derives a confidence score. Soft warnings are carried
// as metadata only and never block.
type IntentLayer struct{}

func (l *IntentLayer) Name() LayerName { return LayerIntentValidation }

func (l *IntentLayer) Check(_ context.Context, req *txn.Request, _ *Context) *LayerResult {
	var errs []string
	var warnings []string
	confidence := 1.0

	if !req.Type.Valid() {
		errs = append(errs, fmt.Sprintf("unknown transaction type %q", req.Type))
	}
	if req.SourceWallet == "" {
		errs = append(errs, "source wallet is required")
		confidence -= 0.3
	}

	switch req.Type {
	case txn.TypeTransfer:
		if req.Destination == nil || req.Destination.Address == "" {
			errs = append(errs, "transfer requires a destination address")
		}
		if req.Amount == nil {
			errs = append(errs, "transfer requires an amount")
		}
	case txn.TypeSwap, txn.TypeProvideLiquidity, txn.TypeRemoveLiquidity:
		if req.Amount == nil {
			errs = append(errs, fmt.Sprintf("%s requires an amount", req.Type))
		}
	}

	if req.Amount != nil && !ton.IsPositive(req.Amount.Amount) {
		errs = append(errs, fmt.Sprintf("amount %q is not a positive decimal", req.Amount.Amount))
	}

	if req.Type.IsComplex() {
		confidence -= 0.1
		if req.Metadata.Protocol == "" {
			confidence -= 0.1
			warnings = append(warnings, "complex operation without protocol metadata")
		}
	}
	if req.Destination != nil && req.Destination.IsNew && req.ValueTon() > 1000 {
		warnings = append(warnings, "large transfer to a new destination")
	}
	if confidence < 0 {
		confidence = 0
	}

	md := map[string]any{"confidence": confidence}
	if len(warnings) > 0 {
		md["warnings"] = warnings
	}

	if len(errs) > 0 {
		return &LayerResult{
			Layer:    LayerIntentValidation,
			Decision: DecisionRejected,
			Reason:   strings.Join(errs, "; "),
			Metadata: md,
		}
	}
	return &LayerResult{
		Layer:    LayerIntentValidation,
		Passed:   true,
		Decision: DecisionApproved,
		Metadata: md,
	}
}

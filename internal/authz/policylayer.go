package authz

import (
	"context"
	"fmt"
	"strings"

	"github.com/tonguard/tonguard/internal/txn"
)

// PolicyLayer checks the request against the agent's permission set.
// Every violation is collected; the joined list becomes the rejection reason.
type PolicyLayer struct{}

func (l *PolicyLayer) Name() LayerName { return LayerPolicyEngine }

func (l *PolicyLayer) Check(_ context.Context, req *txn.Request, actx *Context) *LayerResult {
	perms := actx.Agent
	var violations []string

	if req.Type.IsComplex() || req.Type == txn.TypeStake || req.Type == txn.TypeUnstake {
		if !perms.TradingEnabled {
			violations = append(violations, "trading is not enabled for this agent")
		} else if !allowsWildcard(perms.AllowedOperations, string(req.Type)) {
			violations = append(violations, fmt.Sprintf("operation %s is not permitted for this agent", req.Type))
		}
	}

	if req.Type == txn.TypeTransfer {
		if !perms.TransfersEnabled {
			violations = append(violations, "transfers are not enabled for this agent")
		}
		if perms.WhitelistOnly && req.Destination != nil &&
			!allowsWildcard(perms.WhitelistedAddresses, req.Destination.Address) {
			violations = append(violations, fmt.Sprintf("destination %s is not whitelisted", req.Destination.Address))
		}
		if perms.MaxPerTransfer > 0 && req.ValueTon() > perms.MaxPerTransfer {
			violations = append(violations, fmt.Sprintf(
				"value %.2f TON exceeds per-transfer cap %.2f TON", req.ValueTon(), perms.MaxPerTransfer))
		}
	}

	if req.Amount != nil {
		if !allowsWildcard(perms.AllowedTokens, req.Amount.Symbol) {
			violations = append(violations, fmt.Sprintf("token %s is not permitted for this agent", req.Amount.Symbol))
		}
		if cap, ok := perms.TokenCaps[req.Amount.Symbol]; ok && cap > 0 && req.Amount.ValueTon > cap {
			violations = append(violations, fmt.Sprintf(
				"value %.2f TON exceeds cap %.2f TON for token %s", req.Amount.ValueTon, cap, req.Amount.Symbol))
		}
	}

	if p := req.Metadata.Protocol; p != "" && !allowsWildcard(perms.AllowedProtocols, p) {
		violations = append(violations, fmt.Sprintf("protocol %s is not permitted for this agent", p))
	}

	if len(violations) > 0 {
		return &LayerResult{
			Layer:    LayerPolicyEngine,
			Decision: DecisionRejected,
			Reason:   strings.Join(violations, "; "),
		}
	}
	return pass(LayerPolicyEngine, nil)
}

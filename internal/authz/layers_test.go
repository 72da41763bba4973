package authz

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonguard/tonguard/internal/strategy"
	"github.com/tonguard/tonguard/internal/txn"
)

func TestIntentLayer(t *testing.T) {
	layer := &IntentLayer{}

	tests := []struct {
		name string
		req  *txn.Request
		want Decision
	}{
		{"valid transfer", transferRequest(100), DecisionApproved},
		{"missing destination", &txn.Request{
			ID: "t1", Type: txn.TypeTransfer, SourceWallet: "cw_1",
			Amount: &txn.Amount{Symbol: "TON", Amount: "1", ValueTon: 1},
		}, DecisionRejected},
		{"missing amount", &txn.Request{
			ID: "t2", Type: txn.TypeTransfer, SourceWallet: "cw_1",
			Destination: &txn.Destination{Address: "EQx"},
		}, DecisionRejected},
		{"unknown type", &txn.Request{
			ID: "t3", Type: txn.Type("teleport"), SourceWallet: "cw_1",
		}, DecisionRejected},
		{"negative amount", &txn.Request{
			ID: "t4", Type: txn.TypeTransfer, SourceWallet: "cw_1",
			Destination: &txn.Destination{Address: "EQx"},
			Amount:      &txn.Amount{Symbol: "TON", Amount: "-5", ValueTon: 5},
		}, DecisionRejected},
		{"missing source wallet", &txn.Request{
			ID: "t5", Type: txn.TypeStake,
			Amount: &txn.Amount{Symbol: "TON", Amount: "10", ValueTon: 10},
		}, DecisionRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lr := layer.Check(context.Background(), tt.req, nil)
			assert.Equal(t, tt.want, lr.Decision)
		})
	}
}

func TestIntentLayerConfidenceAndWarnings(t *testing.T) {
	layer := &IntentLayer{}

	req := &txn.Request{
		ID: "t1", Type: txn.TypeSwap, SourceWallet: "cw_1",
		Amount: &txn.Amount{Symbol: "TON", Amount: "10", ValueTon: 10},
	}
	lr := layer.Check(context.Background(), req, nil)
	require.Equal(t, DecisionApproved, lr.Decision)
	assert.InDelta(t, 0.8, lr.Metadata["confidence"], 0.001)
	assert.Contains(t, lr.Metadata, "warnings")

	large := transferRequest(5000)
	large.Destination.IsNew = true
	lr = layer.Check(context.Background(), large, nil)
	require.Equal(t, DecisionApproved, lr.Decision)
	assert.Contains(t, lr.Metadata["warnings"], "large transfer to a new destination")
}

func TestStrategyLayer(t *testing.T) {
	store := strategy.NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), &strategy.Strategy{
		ID:                "strat_1",
		Name:              "dca",
		OwnerID:           "user_1",
		AllowedOperations: []string{"swap"},
		AllowedTokens:     []string{"TON", "USDT"},
		MaxAmountPerTrade: 500,
		Enabled:           true,
	}))
	layer := &StrategyLayer{Strategies: store}

	withStrategy := func(id string, typ txn.Type, symbol string, value float64) *txn.Request {
		req := transferRequest(value)
		req.Type = typ
		req.Amount.Symbol = symbol
		req.Metadata.StrategyID = id
		return req
	}

	t.Run("no strategy passes with suggestion", func(t *testing.T) {
		lr := layer.Check(context.Background(), transferRequest(100), nil)
		assert.Equal(t, DecisionApproved, lr.Decision)
		assert.Contains(t, lr.Metadata, "suggestion")
	})

	t.Run("unknown strategy passes with suggestion", func(t *testing.T) {
		lr := layer.Check(context.Background(), withStrategy("strat_missing", txn.TypeSwap, "TON", 100), nil)
		assert.Equal(t, DecisionApproved, lr.Decision)
		assert.Contains(t, lr.Metadata, "suggestion")
	})

	t.Run("conforming request passes", func(t *testing.T) {
		lr := layer.Check(context.Background(), withStrategy("strat_1", txn.TypeSwap, "TON", 100), nil)
		assert.Equal(t, DecisionApproved, lr.Decision)
	})

	t.Run("operation violation rejects", func(t *testing.T) {
		lr := layer.Check(context.Background(), withStrategy("strat_1", txn.TypeStake, "TON", 100), nil)
		assert.Equal(t, DecisionRejected, lr.Decision)
		assert.Contains(t, lr.Reason, "not allowed")
	})

	t.Run("all violations joined", func(t *testing.T) {
		lr := layer.Check(context.Background(), withStrategy("strat_1", txn.TypeStake, "DOGE", 900), nil)
		require.Equal(t, DecisionRejected, lr.Decision)
		assert.Contains(t, lr.Reason, "stake")
		assert.Contains(t, lr.Reason, "DOGE")
		assert.Contains(t, lr.Reason, "per-trade cap")
	})
}

func TestRiskLayerTierMapping(t *testing.T) {
	layer := &RiskLayer{}
	tests := []struct {
		tier RiskTier
		want Decision
	}{
		{RiskLow, DecisionApproved},
		{RiskMedium, DecisionWithConfirmation},
		{RiskHigh, DecisionPendingReview},
		{RiskCritical, DecisionRejected},
		{RiskTier("bogus"), DecisionRejected},
	}
	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			actx := &Context{Risk: &RiskContext{OverallRisk: tt.tier}}
			lr := layer.Check(context.Background(), transferRequest(100), actx)
			assert.Equal(t, tt.want, lr.Decision)
			assert.Contains(t, lr.Metadata, "behavioralRisk")
		})
	}
}

func TestPolicyLayer(t *testing.T) {
	layer := &PolicyLayer{}

	base := func() *AgentPermissions {
		return &AgentPermissions{
			TradingEnabled:    true,
			AllowedOperations: []string{"swap", "stake"},
			TransfersEnabled:  true,
			AllowedTokens:     []string{"TON"},
			AllowedProtocols:  []string{"dedust"},
		}
	}

	t.Run("compliant transfer passes", func(t *testing.T) {
		lr := layer.Check(context.Background(), transferRequest(100), &Context{Agent: base()})
		assert.Equal(t, DecisionApproved, lr.Decision)
	})

	t.Run("transfers disabled", func(t *testing.T) {
		perms := base()
		perms.TransfersEnabled = false
		lr := layer.Check(context.Background(), transferRequest(100), &Context{Agent: perms})
		require.Equal(t, DecisionRejected, lr.Decision)
		assert.Contains(t, lr.Reason, "transfers are not enabled")
	})

	t.Run("whitelist only", func(t *testing.T) {
		perms := base()
		perms.WhitelistOnly = true
		perms.WhitelistedAddresses = []string{"EQother"}
		lr := layer.Check(context.Background(), transferRequest(100), &Context{Agent: perms})
		require.Equal(t, DecisionRejected, lr.Decision)
		assert.Contains(t, lr.Reason, "not whitelisted")
	})

	t.Run("per-transfer cap", func(t *testing.T) {
		perms := base()
		perms.MaxPerTransfer = 50
		lr := layer.Check(context.Background(), transferRequest(100), &Context{Agent: perms})
		require.Equal(t, DecisionRejected, lr.Decision)
		assert.Contains(t, lr.Reason, "per-transfer cap")
	})

	t.Run("trading disabled blocks swap", func(t *testing.T) {
		perms := base()
		perms.TradingEnabled = false
		req := transferRequest(100)
		req.Type = txn.TypeSwap
		lr := layer.Check(context.Background(), req, &Context{Agent: perms})
		require.Equal(t, DecisionRejected, lr.Decision)
		assert.Contains(t, lr.Reason, "trading is not enabled")
	})

	t.Run("operation not allowed", func(t *testing.T) {
		req := transferRequest(100)
		req.Type = txn.TypeContractCall
		lr := layer.Check(context.Background(), req, &Context{Agent: base()})
		assert.Equal(t, DecisionRejected, lr.Decision)
	})

	t.Run("token not allowed", func(t *testing.T) {
		req := transferRequest(100)
		req.Amount.Symbol = "DOGE"
		lr := layer.Check(context.Background(), req, &Context{Agent: base()})
		require.Equal(t, DecisionRejected, lr.Decision)
		assert.Contains(t, lr.Reason, "DOGE")
	})

	t.Run("token cap", func(t *testing.T) {
		perms := base()
		perms.TokenCaps = map[string]float64{"TON": 50}
		lr := layer.Check(context.Background(), transferRequest(100), &Context{Agent: perms})
		assert.Equal(t, DecisionRejected, lr.Decision)
	})

	t.Run("protocol not allowed", func(t *testing.T) {
		req := transferRequest(100)
		req.Metadata.Protocol = "stonfi"
		lr := layer.Check(context.Background(), req, &Context{Agent: base()})
		require.Equal(t, DecisionRejected, lr.Decision)
		assert.Contains(t, lr.Reason, "stonfi")
	})

	t.Run("wildcards allow anything", func(t *testing.T) {
		perms := &AgentPermissions{
			TradingEnabled:    true,
			AllowedOperations: []string{"*"},
			TransfersEnabled:  true,
			AllowedTokens:     []string{"*"},
			AllowedProtocols:  []string{"*"},
		}
		req := transferRequest(100)
		req.Type = txn.TypeContractCall
		req.Amount.Symbol = "ANY"
		req.Metadata.Protocol = "anything"
		lr := layer.Check(context.Background(), req, &Context{Agent: perms})
		assert.Equal(t, DecisionApproved, lr.Decision)
	})
}

func TestLimitLayer(t *testing.T) {
	layer := &LimitLayer{}

	limits := func() *UserLimits {
		return &UserLimits{
			SingleTransactionLimit:    1000,
			DailyLimit:                2000,
			WeeklyLimit:               5000,
			MonthlyLimit:              10000,
			LargeTransactionThreshold: 500,
		}
	}

	t.Run("within all limits", func(t *testing.T) {
		lr := layer.Check(context.Background(), transferRequest(100), &Context{Limits: limits()})
		assert.Equal(t, DecisionApproved, lr.Decision)
	})

	t.Run("single transaction breach", func(t *testing.T) {
		lr := layer.Check(context.Background(), transferRequest(1500), &Context{Limits: limits()})
		require.Equal(t, DecisionRejected, lr.Decision)
		assert.Contains(t, lr.Reason, "single transaction limit")
	})

	t.Run("daily usage breach", func(t *testing.T) {
		l := limits()
		l.UsedToday = 1950
		lr := layer.Check(context.Background(), transferRequest(100), &Context{Limits: l})
		require.Equal(t, DecisionRejected, lr.Decision)
		assert.Contains(t, lr.Reason, "daily limit")
	})

	t.Run("weekly and monthly breaches joined", func(t *testing.T) {
		l := limits()
		l.UsedThisWeek = 4950
		l.UsedThisMonth = 9950
		lr := layer.Check(context.Background(), transferRequest(100), &Context{Limits: l})
		require.Equal(t, DecisionRejected, lr.Decision)
		assert.Contains(t, lr.Reason, "weekly limit")
		assert.Contains(t, lr.Reason, "monthly limit")
	})

	t.Run("large transaction escalates", func(t *testing.T) {
		lr := layer.Check(context.Background(), transferRequest(800), &Context{Limits: limits()})
		assert.True(t, lr.Passed)
		assert.Equal(t, DecisionWithConfirmation, lr.Decision)
	})

	t.Run("zero limits mean unlimited", func(t *testing.T) {
		lr := layer.Check(context.Background(), transferRequest(1e9), &Context{Limits: &UserLimits{}})
		assert.Equal(t, DecisionApproved, lr.Decision)
	})
}

func TestRateLimitLayer(t *testing.T) {
	layer := NewRateLimitLayer()
	req := transferRequest(100)

	for i := 1; i <= rateLimitMax; i++ {
		lr := layer.Check(context.Background(), req, nil)
		require.Equal(t, DecisionApproved, lr.Decision, "call %d should pass", i)
		assert.Equal(t, i, lr.Metadata["currentCount"])
	}

	lr := layer.Check(context.Background(), req, nil)
	require.Equal(t, DecisionRejected, lr.Decision)
	assert.Contains(t, lr.Reason, fmt.Sprintf("%d", rateLimitMax))
}

func TestRateLimitLayerWindowSlides(t *testing.T) {
	now := time.Now()
	layer := NewRateLimitLayer()
	layer.now = func() time.Time { return now }

	req := transferRequest(100)
	for i := 0; i < rateLimitMax; i++ {
		require.Equal(t, DecisionApproved, layer.Check(context.Background(), req, nil).Decision)
	}
	require.Equal(t, DecisionRejected, layer.Check(context.Background(), req, nil).Decision)

	// Old entries fall out after the window.
	now = now.Add(61 * time.Second)
	lr := layer.Check(context.Background(), req, nil)
	assert.Equal(t, DecisionApproved, lr.Decision)
	assert.Equal(t, 1, lr.Metadata["currentCount"])
}

func TestRateLimitLayerKeysAreIndependent(t *testing.T) {
	layer := NewRateLimitLayer()

	a := transferRequest(100)
	b := transferRequest(100)
	b.AgentID = "agent_2"

	for i := 0; i < rateLimitMax; i++ {
		require.Equal(t, DecisionApproved, layer.Check(context.Background(), a, nil).Decision)
	}
	require.Equal(t, DecisionRejected, layer.Check(context.Background(), a, nil).Decision)
	assert.Equal(t, DecisionApproved, layer.Check(context.Background(), b, nil).Decision)
}

func TestAnomalyLayer(t *testing.T) {
	layer := &AnomalyLayer{}

	tests := []struct {
		name      string
		anomaly   float64
		deviation float64
		want      Decision
	}{
		{"calm", 0.1, 0.5, DecisionApproved},
		{"high anomaly rejects", 0.85, 0, DecisionRejected},
		{"moderate anomaly reviews", 0.7, 0, DecisionPendingReview},
		{"large deviation confirms", 0.2, 3.5, DecisionWithConfirmation},
		{"boundary anomaly passes", 0.6, 0, DecisionApproved},
		{"boundary deviation passes", 0.1, 3, DecisionApproved},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actx := &Context{Risk: &RiskContext{
				BehavioralRisk: BehavioralRiskScore{
					AnomalyScore:        tt.anomaly,
					DeviationFromNormal: tt.deviation,
				},
			}}
			lr := layer.Check(context.Background(), transferRequest(100), actx)
			assert.Equal(t, tt.want, lr.Decision)
		})
	}
}

func TestSimulationLayer(t *testing.T) {
	layer := NewSimulationLayer()

	t.Run("transfer estimates gas", func(t *testing.T) {
		lr := layer.Check(context.Background(), transferRequest(100), nil)
		require.Equal(t, DecisionApproved, lr.Decision)
		assert.Equal(t, 0.01, lr.Metadata["estimatedGas"])
	})

	t.Run("swap estimates slippage", func(t *testing.T) {
		req := transferRequest(1000)
		req.Type = txn.TypeSwap
		lr := layer.Check(context.Background(), req, nil)
		require.Equal(t, DecisionApproved, lr.Decision)
		assert.InDelta(t, 997.0, lr.Metadata["expectedOutput"], 0.001)
	})

	t.Run("risks are advisory", func(t *testing.T) {
		req := transferRequest(6000)
		req.Destination.IsNew = true
		lr := layer.Check(context.Background(), req, nil)
		assert.Equal(t, DecisionApproved, lr.Decision)
		risks, _ := lr.Metadata["risks"].([]string)
		assert.Len(t, risks, 2)
	})

	t.Run("hard error rejects", func(t *testing.T) {
		req := transferRequest(100)
		req.Type = txn.Type("teleport")
		lr := layer.Check(context.Background(), req, nil)
		require.Equal(t, DecisionRejected, lr.Decision)
		assert.Contains(t, lr.Reason, "simulation failed")
	})
}

func TestEngineProbes(t *testing.T) {
	e := NewEngine(nil)
	ctx := context.Background()
	req := transferRequest(100)

	assert.True(t, e.ValidateIntent(ctx, req).Passed)
	assert.True(t, e.ValidateStrategy(ctx, req).Passed)
	assert.True(t, e.CheckRisk(ctx, req, nil).Passed)
	assert.True(t, e.CheckPolicy(ctx, req, nil).Passed)
	assert.True(t, e.CheckLimits(ctx, req, nil).Passed)
	assert.True(t, e.CheckRateLimit(ctx, req).Passed)
	assert.True(t, e.CheckAnomaly(ctx, req, nil).Passed)
	assert.True(t, e.Simulate(ctx, req).Passed)
}

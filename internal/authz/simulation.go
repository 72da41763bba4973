package authz

import (
	"context"
	"fmt"

	"github.com/tonguard/tonguard/internal/txn"
)

// gasTable holds the estimated gas cost in TON per transaction type.
var gasTable = map[txn.Type]float64{
	txn.TypeTransfer:         0.01,
	txn.TypeSwap:             0.15,
	txn.TypeStake:            0.05,
	txn.TypeUnstake:          0.05,
	txn.TypeProvideLiquidity: 0.20,
	txn.TypeRemoveLiquidity:  0.20,
	txn.TypeContractCall:     0.10,
}

const swapSlippage = 0.003

// SimulationResult is a pre-execution estimate of a request's effects.
type SimulationResult struct {
	Success        bool     `json:"success"`
	EstimatedGas   float64  `json:"estimatedGas"`
	ExpectedOutput float64  `json:"expectedOutput,omitempty"`
	BalanceDelta   float64  `json:"balanceDelta"`
	Risks          []string `json:"risks,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// Simulator estimates gas and balance effects without touching the chain.
type Simulator interface {
	Simulate(ctx context.Context, req *txn.Request) *SimulationResult
}

// SimulationLayer runs the pre-execution simulator. Qualitative risks are
// advisory; only a hard simulator error rejects.
type SimulationLayer struct {
	Sim Simulator
}

func NewSimulationLayer() *SimulationLayer {
	return &SimulationLayer{Sim: &tableSimulator{}}
}

func (l *SimulationLayer) Name() LayerName { return LayerSimulation }

func (l *SimulationLayer) Check(ctx context.Context, req *txn.Request, _ *Context) *LayerResult {
	sim := l.Sim.Simulate(ctx, req)
	md := map[string]any{
		"estimatedGas": sim.EstimatedGas,
		"balanceDelta": sim.BalanceDelta,
	}
	if sim.ExpectedOutput != 0 {
		md["expectedOutput"] = sim.ExpectedOutput
	}
	if len(sim.Risks) > 0 {
		md["risks"] = sim.Risks
	}

	if !sim.Success {
		return &LayerResult{
			Layer:    LayerSimulation,
			Decision: DecisionRejected,
			Reason:   fmt.Sprintf("simulation failed: %s", sim.Error),
			Metadata: md,
		}
	}
	return pass(LayerSimulation, md)
}

// tableSimulator estimates from the fixed per-type gas table and a fixed
// slippage for swap-like outputs.
type tableSimulator struct{}

func (s *tableSimulator) Simulate(_ context.Context, req *txn.Request) *SimulationResult {
	gas, ok := gasTable[req.Type]
	if !ok {
		return &SimulationResult{Error: fmt.Sprintf("no simulation model for transaction type %q", req.Type)}
	}

	value := req.ValueTon()
	result := &SimulationResult{
		Success:      true,
		EstimatedGas: gas,
		BalanceDelta: -(value + gas),
	}
	switch req.Type {
	case txn.TypeSwap, txn.TypeRemoveLiquidity:
		result.ExpectedOutput = value * (1 - swapSlippage)
	}

	if value > 5000 {
		result.Risks = append(result.Risks, fmt.Sprintf("large transaction value %.2f TON", value))
	}
	if req.Destination != nil && req.Destination.IsNew {
		result.Risks = append(result.Risks, "destination address has no prior history")
	}
	return result
}

package authz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tonguard/tonguard/internal/events"
	"github.com/tonguard/tonguard/internal/idgen"
	"github.com/tonguard/tonguard/internal/metrics"
	"github.com/tonguard/tonguard/internal/strategy"
	"github.com/tonguard/tonguard/internal/traces"
	"github.com/tonguard/tonguard/internal/txn"
)

// Engine runs the ordered authorization pipeline.
type Engine struct {
	mu     sync.RWMutex
	cfg    Config
	layers map[LayerName]Layer
	bus    *events.Bus
}

// Option configures the engine.
type Option func(*Engine)

// WithConfig overrides the default pipeline configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithBus attaches an event bus for completion events.
func WithBus(bus *events.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithLayer replaces a layer implementation. Useful for tests.
func WithLayer(l Layer) Option {
	return func(e *Engine) { e.layers[l.Name()] = l }
}

// NewEngine creates an engine with the standard eight layers. The strategy
// store may be nil; the strategy layer then treats every reference as
// unknown and passes with a suggestion.
func NewEngine(strategies strategy.Store, opts ...Option) *Engine {
	e := &Engine{
		cfg: DefaultConfig(),
		layers: map[LayerName]Layer{
			LayerIntentValidation:   &IntentLayer{},
			LayerStrategyValidation: &StrategyLayer{Strategies: strategies},
			LayerRiskEngine:         &RiskLayer{},
			LayerPolicyEngine:       &PolicyLayer{},
			LayerLimitCheck:         &LimitLayer{},
			LayerRateLimit:          NewRateLimitLayer(),
			LayerAnomalyDetection:   &AnomalyLayer{},
			LayerSimulation:         NewSimulationLayer(),
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns a copy of the current configuration.
func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cfg := e.cfg
	cfg.EnabledLayers = append([]LayerName(nil), e.cfg.EnabledLayers...)
	return cfg
}

// SetConfig replaces the pipeline configuration. In-flight Authorize calls
// keep the snapshot they started with.
func (e *Engine) SetConfig(cfg Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
}

// Authorize runs the configured layers in order and returns the aggregated
// result. All rejections are terminal for this call; the engine never
// retries. Repeating a call starts a fresh pipeline run (and, by design,
// advances the rate-limit counter).
func (e *Engine) Authorize(ctx context.Context, req *txn.Request, partial *Context) *Result {
	ctx, span := traces.StartSpan(ctx, "authz.Authorize", traces.TransactionID(req.ID), traces.AgentID(req.AgentID))
	defer span.End()

	cfg := e.Config()
	actx := buildContext(partial)
	start := time.Now()

	result := &Result{
		ID:            idgen.WithPrefix("auth_"),
		TransactionID: req.ID,
		RiskTier:      actx.Risk.OverallRisk,
		CreatedAt:     start,
	}

	for _, name := range cfg.EnabledLayers {
		layer, ok := e.layers[name]
		if !ok {
			// Unknown layer in config: fail closed rather than silently skip.
			return e.finishRejected(result, start, cfg,
				fmt.Sprintf("unknown authorization layer %q", name), nil)
		}

		lr := e.runLayer(ctx, layer, req, actx)
		result.CheckedLayers = append(result.CheckedLayers, *lr)

		if lr.Decision == DecisionRejected {
			// Fail fast: no layer after a rejection is ever evaluated.
			return e.finishRejected(result, start, cfg, lr.Reason, nil)
		}

		if action := escalationFor(lr); action != nil {
			result.RequiredActions = append(result.RequiredActions, *action)
		}

		if time.Since(start) > cfg.MaxLatency {
			// Fail closed: the budget is spent, whatever we saw so far.
			return e.finishRejected(result, start, cfg,
				"authorization timed out", map[string]any{"timeout": true})
		}
	}

	// Global safety net, independent of any layer.
	if cfg.RequireMultiSigAbove > 0 && req.ValueTon() > cfg.RequireMultiSigAbove {
		result.RequiredActions = append(result.RequiredActions, RequiredAction{
			Kind:        ActionMultiSig,
			Priority:    "critical",
			Description: fmt.Sprintf("Transaction value %.2f TON exceeds multi-sig threshold %.2f TON", req.ValueTon(), cfg.RequireMultiSigAbove),
		})
	}

	result.Decision = aggregateDecision(result.RequiredActions)
	result.ValidUntil = time.Now().Add(cfg.ResultTTL)
	result.Metadata = map[string]any{"totalLatencyMs": time.Since(start).Milliseconds()}

	e.observe(result, start)
	if e.bus != nil {
		e.bus.Publish(events.EventTxAuthorized, map[string]any{
			"authorizationId": result.ID,
			"transactionId":   req.ID,
			"userId":          req.UserID,
			"agentId":         req.AgentID,
			"decision":        string(result.Decision),
			"riskTier":        string(result.RiskTier),
			"layersChecked":   len(result.CheckedLayers),
		})
	}
	span.SetAttributes(traces.Decision(string(result.Decision)))
	return result
}

// runLayer dispatches to a layer and stamps its latency.
func (e *Engine) runLayer(ctx context.Context, layer Layer, req *txn.Request, actx *Context) *LayerResult {
	start := time.Now()
	lr := layer.Check(ctx, req, actx)
	lr.LatencyUs = time.Since(start).Microseconds()
	metrics.LayerChecksTotal.WithLabelValues(string(lr.Layer), string(lr.Decision)).Inc()
	return lr
}

// finishRejected finalizes a rejection result. Rejections return directly
// and do not emit a completion event.
func (e *Engine) finishRejected(result *Result, start time.Time, cfg Config, reason string, extra map[string]any) *Result {
	result.Decision = DecisionRejected
	result.ValidUntil = time.Now().Add(cfg.ResultTTL)
	result.Metadata = map[string]any{
		"totalLatencyMs": time.Since(start).Milliseconds(),
		"reason":         reason,
	}
	for k, v := range extra {
		result.Metadata[k] = v
	}
	e.observe(result, start)
	return result
}

func (e *Engine) observe(result *Result, start time.Time) {
	metrics.AuthorizationsTotal.WithLabelValues(string(result.Decision)).Inc()
	metrics.AuthorizationDuration.Observe(time.Since(start).Seconds())
}

// escalationFor maps an escalating layer decision to its required action,
// or nil for a plain approval.
func escalationFor(lr *LayerResult) *RequiredAction {
	switch lr.Decision {
	case DecisionWithConfirmation:
		return &RequiredAction{
			Kind:        ActionUserConfirmation,
			Priority:    "medium",
			Description: fmt.Sprintf("Layer %s requires user confirmation: %s", lr.Layer, lr.Reason),
		}
	case DecisionPendingReview:
		return &RequiredAction{
			Kind:        ActionManualReview,
			Priority:    "high",
			Description: fmt.Sprintf("Layer %s requires manual review: %s", lr.Layer, lr.Reason),
		}
	case DecisionPendingMultiSig:
		return &RequiredAction{
			Kind:        ActionMultiSig,
			Priority:    "critical",
			Description: fmt.Sprintf("Layer %s requires multi-sig: %s", lr.Layer, lr.Reason),
		}
	}
	return nil
}

// aggregateDecision reduces accumulated actions to the final decision by
// strict precedence: multi_sig > manual_review > user_confirmation > approved.
func aggregateDecision(actions []RequiredAction) Decision {
	var hasReview, hasConfirm bool
	for _, a := range actions {
		switch a.Kind {
		case ActionMultiSig:
			return DecisionPendingMultiSig
		case ActionManualReview:
			hasReview = true
		case ActionUserConfirmation:
			hasConfirm = true
		}
	}
	if hasReview {
		return DecisionPendingReview
	}
	if hasConfirm {
		return DecisionWithConfirmation
	}
	return DecisionApproved
}

// buildContext merges caller-supplied parts over engine defaults. The
// returned context is never mutated after this point.
func buildContext(partial *Context) *Context {
	actx := &Context{
		Agent:   defaultAgentPermissions(),
		Limits:  defaultUserLimits(),
		Session: &SessionContext{SessionID: idgen.WithPrefix("sess_"), StartedAt: time.Now()},
		Risk:    &RiskContext{OverallRisk: RiskLow},
	}
	if partial == nil {
		return actx
	}
	if partial.Agent != nil {
		actx.Agent = partial.Agent
	}
	if partial.Limits != nil {
		actx.Limits = partial.Limits
	}
	if partial.Session != nil {
		actx.Session = partial.Session
	}
	if partial.Risk != nil {
		actx.Risk = partial.Risk
	}
	return actx
}

func defaultAgentPermissions() *AgentPermissions {
	return &AgentPermissions{
		TradingEnabled:    true,
		AllowedOperations: []string{"*"},
		TransfersEnabled:  true,
		AllowedTokens:     []string{"*"},
		AllowedProtocols:  []string{"*"},
	}
}

func defaultUserLimits() *UserLimits {
	return &UserLimits{
		SingleTransactionLimit:    10000,
		DailyLimit:                50000,
		WeeklyLimit:               200000,
		MonthlyLimit:              500000,
		LargeTransactionThreshold: 5000,
	}
}

// Single-layer probes for granular checks and tests. Each runs one layer
// against a context built the same way Authorize builds it.

func (e *Engine) ValidateIntent(ctx context.Context, req *txn.Request) *LayerResult {
	return e.probe(ctx, LayerIntentValidation, req, nil)
}

func (e *Engine) ValidateStrategy(ctx context.Context, req *txn.Request) *LayerResult {
	return e.probe(ctx, LayerStrategyValidation, req, nil)
}

func (e *Engine) CheckRisk(ctx context.Context, req *txn.Request, partial *Context) *LayerResult {
	return e.probe(ctx, LayerRiskEngine, req, partial)
}

func (e *Engine) CheckPolicy(ctx context.Context, req *txn.Request, partial *Context) *LayerResult {
	return e.probe(ctx, LayerPolicyEngine, req, partial)
}

func (e *Engine) CheckLimits(ctx context.Context, req *txn.Request, partial *Context) *LayerResult {
	return e.probe(ctx, LayerLimitCheck, req, partial)
}

func (e *Engine) CheckRateLimit(ctx context.Context, req *txn.Request) *LayerResult {
	return e.probe(ctx, LayerRateLimit, req, nil)
}

func (e *Engine) CheckAnomaly(ctx context.Context, req *txn.Request, partial *Context) *LayerResult {
	return e.probe(ctx, LayerAnomalyDetection, req, partial)
}

func (e *Engine) Simulate(ctx context.Context, req *txn.Request) *LayerResult {
	return e.probe(ctx, LayerSimulation, req, nil)
}

func (e *Engine) probe(ctx context.Context, name LayerName, req *txn.Request, partial *Context) *LayerResult {
	layer := e.layers[name]
	return e.runLayer(ctx, layer, req, buildContext(partial))
}

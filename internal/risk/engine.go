package risk

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/tonguard/tonguard/internal/authz"
	"github.com/tonguard/tonguard/internal/idgen"
	"github.com/tonguard/tonguard/internal/txn"
)

// windowEntry records a single transaction for sliding-window analysis.
type windowEntry struct {
	To        string
	ValueTon  float64
	Timestamp time.Time
}

const (
	maxWindowSize  = 1000
	windowDuration = 24 * time.Hour

	weightVelocity  = 0.35
	weightNovelty   = 0.25
	weightTimeOfDay = 0.20
	weightValue     = 0.20
)

// Engine scores transactions using in-memory sliding windows per agent.
type Engine struct {
	windows           sync.Map // map[string]*agentWindow
	store             Store
	criticalThreshold float64
	highThreshold     float64
	mediumThreshold   float64

	mu               sync.RWMutex
	marketVolatility float64
}

type agentWindow struct {
	mu      sync.Mutex
	entries []windowEntry
}

// NewEngine creates a risk scoring engine backed by the given audit store.
// A nil store disables persistence.
func NewEngine(store Store) *Engine {
	return &Engine{
		store:             store,
		criticalThreshold: DefaultCriticalThreshold,
		highThreshold:     DefaultHighThreshold,
		mediumThreshold:   DefaultMediumThreshold,
	}
}

// WithThresholds overrides the default tier thresholds.
func (e *Engine) WithThresholds(critical, high, medium float64) *Engine {
	e.criticalThreshold = critical
	e.highThreshold = high
	e.mediumThreshold = medium
	return e
}

// SetMarketVolatility feeds the current market volatility estimate in [0, 1].
func (e *Engine) SetMarketVolatility(v float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.marketVolatility = clamp(v)
}

// Assess evaluates a request and returns the risk context the authorization
// pipeline consumes. Pure in-memory computation.
func (e *Engine) Assess(ctx context.Context, req *txn.Request) *authz.RiskContext {
	w := e.getWindow(req.AgentID)
	w.mu.Lock()
	entries := e.snapshotEntries(w)
	w.mu.Unlock()

	value := req.ValueTon()
	dest := ""
	if req.Destination != nil {
		dest = req.Destination.Address
	}

	factors := map[string]float64{
		"velocity":    e.velocityFactor(entries, value),
		"novelty":     e.noveltyFactor(entries, dest),
		"time_of_day": e.timeOfDayFactor(entries),
		"value":       e.valueFactor(entries, value),
	}

	behavioral := factors["velocity"]*weightVelocity +
		factors["novelty"]*weightNovelty +
		factors["time_of_day"]*weightTimeOfDay +
		factors["value"]*weightValue
	behavioral = round3(clamp(behavioral))

	transactional, txFlags := e.transactionScore(req)
	e.mu.RLock()
	market := e.marketVolatility
	e.mu.RUnlock()

	overall := round3(clamp(0.5*behavioral + 0.35*transactional + 0.15*market))
	tier := e.tierFor(overall)

	rc := &authz.RiskContext{
		TransactionRisk: authz.TransactionRiskScore{
			Score: round3(transactional),
			Flags: txFlags,
		},
		BehavioralRisk: authz.BehavioralRiskScore{
			Score:               behavioral,
			AnomalyScore:        behavioral,
			DeviationFromNormal: e.deviationFromNormal(entries, value),
		},
		MarketRisk: authz.MarketRiskScore{Score: round3(market)},
		OverallRisk: tier,
	}

	if e.store != nil {
		assessment := &Assessment{
			ID:          idgen.WithPrefix("risk_"),
			AgentID:     req.AgentID,
			UserID:      req.UserID,
			Score:       overall,
			Factors:     factors,
			Tier:        tier,
			EvaluatedAt: time.Now(),
		}
		go func() {
			_ = e.store.Record(context.Background(), assessment)
		}()
	}
	return rc
}

// RecordTransaction appends a completed transaction to the agent's window.
func (e *Engine) RecordTransaction(req *txn.Request) {
	dest := ""
	if req.Destination != nil {
		dest = req.Destination.Address
	}
	w := e.getWindow(req.AgentID)
	w.mu.Lock()
	defer w.mu.Unlock()

	w.entries = append(w.entries, windowEntry{
		To:        dest,
		ValueTon:  req.ValueTon(),
		Timestamp: time.Now(),
	})
	e.pruneWindow(w)
}

func (e *Engine) tierFor(score float64) authz.RiskTier {
	switch {
	case score >= e.criticalThreshold:
		return authz.RiskCritical
	case score >= e.highThreshold:
		return authz.RiskHigh
	case score >= e.mediumThreshold:
		return authz.RiskMedium
	}
	return authz.RiskLow
}

// transactionScore rates the request itself, independent of history.
func (e *Engine) transactionScore(req *txn.Request) (float64, []string) {
	var score float64
	var flags []string

	value := req.ValueTon()
	switch {
	case value > 10000:
		score += 0.5
		flags = append(flags, "very_large_value")
	case value > 1000:
		score += 0.25
		flags = append(flags, "large_value")
	}
	if req.Destination != nil && req.Destination.IsNew {
		score += 0.3
		flags = append(flags, "new_destination")
	}
	if req.Type.IsComplex() && req.Metadata.Protocol == "" {
		score += 0.2
		flags = append(flags, "unknown_protocol")
	}
	return clamp(score), flags
}

func (e *Engine) getWindow(agentID string) *agentWindow {
	v, _ := e.windows.LoadOrStore(agentID, &agentWindow{})
	return v.(*agentWindow)
}

// snapshotEntries returns a copy of non-expired entries (caller holds lock).
func (e *Engine) snapshotEntries(w *agentWindow) []windowEntry {
	cutoff := time.Now().Add(-windowDuration)
	result := make([]windowEntry, 0, len(w.entries))
	for _, entry := range w.entries {
		if entry.Timestamp.After(cutoff) {
			result = append(result, entry)
		}
	}
	return result
}

// pruneWindow removes entries older than 24h and caps at maxWindowSize.
func (e *Engine) pruneWindow(w *agentWindow) {
	cutoff := time.Now().Add(-windowDuration)
	start := 0
	for start < len(w.entries) && w.entries[start].Timestamp.Before(cutoff) {
		start++
	}
	if start > 0 {
		w.entries = w.entries[start:]
	}
	if len(w.entries) > maxWindowSize {
		w.entries = w.entries[len(w.entries)-maxWindowSize:]
	}
}

// velocityFactor: 5-min spend rate vs 24h average.
// 10x spike = 0.5, 100x spike = 1.0, uses log10 scaling.
func (e *Engine) velocityFactor(entries []windowEntry, currentValue float64) float64 {
	if len(entries) < 2 {
		return 0.0 // not enough history
	}

	now := time.Now()
	fiveMinAgo := now.Add(-5 * time.Minute)

	var total24h, spent5min float64
	for _, entry := range entries {
		total24h += entry.ValueTon
		if entry.Timestamp.After(fiveMinAgo) {
			spent5min += entry.ValueTon
		}
	}
	spent5min += currentValue

	// 24h = 288 five-minute windows
	avg5minRate := total24h / 288.0
	if avg5minRate <= 0 {
		return 0.0
	}

	ratio := spent5min / avg5minRate
	if ratio <= 1.0 {
		return 0.0
	}
	score := math.Log10(ratio) / 2.0
	if score > 1.0 {
		score = 1.0
	}
	return round3(score)
}

// noveltyFactor: never seen = 0.6, seen 1-2x = 0.3, seen 3+ = 0.0.
func (e *Engine) noveltyFactor(entries []windowEntry, to string) float64 {
	if to == "" {
		return 0.0
	}
	count := 0
	for _, entry := range entries {
		if entry.To == to {
			count++
		}
	}
	switch {
	case count >= 3:
		return 0.0
	case count >= 1:
		return 0.3
	default:
		if len(entries) == 0 {
			// Cold start, treat as safe.
			return 0.0
		}
		return 0.6
	}
}

// timeOfDayFactor: unusual hour (< 2% of history) = 0.8; needs 10+ entries.
func (e *Engine) timeOfDayFactor(entries []windowEntry) float64 {
	if len(entries) < 10 {
		return 0.0
	}

	var histogram [24]int
	for _, entry := range entries {
		histogram[entry.Timestamp.Hour()]++
	}

	currentHour := time.Now().Hour()
	fraction := float64(histogram[currentHour]) / float64(len(entries))
	if fraction < 0.02 {
		return 0.8
	}
	return 0.0
}

// valueFactor: how far the proposed value sits above the window mean, in
// standard deviations, mapped onto [0, 1] at 5 sigma.
func (e *Engine) valueFactor(entries []windowEntry, value float64) float64 {
	dev := e.deviationFromNormal(entries, value)
	if dev <= 0 {
		return 0.0
	}
	if dev >= 5 {
		return 1.0
	}
	return round3(dev / 5.0)
}

// deviationFromNormal returns the value's distance from the window mean in
// standard deviations. Zero with fewer than 3 samples.
func (e *Engine) deviationFromNormal(entries []windowEntry, value float64) float64 {
	if len(entries) < 3 {
		return 0.0
	}
	var sum float64
	for _, entry := range entries {
		sum += entry.ValueTon
	}
	mean := sum / float64(len(entries))

	var variance float64
	for _, entry := range entries {
		d := entry.ValueTon - mean
		variance += d * d
	}
	variance /= float64(len(entries))
	stddev := math.Sqrt(variance)
	if stddev <= 0 {
		if value > mean {
			return 5.0
		}
		return 0.0
	}
	dev := (value - mean) / stddev
	if dev < 0 {
		return 0.0
	}
	return round3(dev)
}

func clamp(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	if v < 0.0 {
		return 0.0
	}
	return v
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

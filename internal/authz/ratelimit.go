package authz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tonguard/tonguard/internal/txn"
)

const (
	rateLimitWindow = time.Minute
	rateLimitMax    = 10
)

// RateLimitLayer caps authorization attempts per (userId, agentId) session
// key within a sliding 60-second window. A passing check spends a slot; a
// failing one does not. This is the only layer whose outcome depends on
// call history.
type RateLimitLayer struct {
	buckets sync.Map // session key -> *rateBucket
	now     func() time.Time
}

type rateBucket struct {
	mu    sync.Mutex
	calls []time.Time
}

func NewRateLimitLayer() *RateLimitLayer {
	return &RateLimitLayer{now: time.Now}
}

func (l *RateLimitLayer) Name() LayerName { return LayerRateLimit }

func (l *RateLimitLayer) Check(_ context.Context, req *txn.Request, _ *Context) *LayerResult {
	key := req.SessionKey()
	val, _ := l.buckets.LoadOrStore(key, &rateBucket{})
	bucket := val.(*rateBucket)

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-rateLimitWindow)
	kept := bucket.calls[:0]
	for _, t := range bucket.calls {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	bucket.calls = kept

	if len(bucket.calls) >= rateLimitMax {
		return &LayerResult{
			Layer:    LayerRateLimit,
			Decision: DecisionRejected,
			Reason:   fmt.Sprintf("rate limit of %d authorizations per minute exceeded", rateLimitMax),
			Metadata: map[string]any{"currentCount": len(bucket.calls), "limit": rateLimitMax},
		}
	}

	bucket.calls = append(bucket.calls, now)
	return pass(LayerRateLimit, map[string]any{
		"currentCount": len(bucket.calls),
		"limit":        rateLimitMax,
	})
}

package policy

import (
	"sync"
	"time"
)

// UsageTracker accumulates executed spend per user so that stored limits can
// be applied against rolling usage. Entries older than 31 days are pruned.
type UsageTracker struct {
	mu      sync.Mutex
	entries map[string][]usageEntry // by user ID
	now     func() time.Time
}

type usageEntry struct {
	at     time.Time
	amount float64 // TON-equivalent
}

// NewUsageTracker creates an empty usage tracker.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{
		entries: make(map[string][]usageEntry),
		now:     time.Now,
	}
}

// Record adds an executed transaction's value to the user's rolling usage.
func (t *UsageTracker) Record(userID string, amount float64) {
	if userID == "" || amount <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[userID] = append(t.pruned(userID), usageEntry{at: t.now(), amount: amount})
}

// Fill populates the usage fields of a limits snapshot.
func (t *UsageTracker) Fill(userID string, limits *UserUsage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := t.pruned(userID)
	t.entries[userID] = entries

	now := t.now()
	dayAgo := now.Add(-24 * time.Hour)
	weekAgo := now.Add(-7 * 24 * time.Hour)
	monthAgo := now.Add(-30 * 24 * time.Hour)

	limits.Today, limits.ThisWeek, limits.ThisMonth = 0, 0, 0
	for _, e := range entries {
		if e.at.After(monthAgo) {
			limits.ThisMonth += e.amount
		}
		if e.at.After(weekAgo) {
			limits.ThisWeek += e.amount
		}
		if e.at.After(dayAgo) {
			limits.Today += e.amount
		}
	}
}

// UserUsage is a snapshot of a user's rolling spend.
type UserUsage struct {
	Today     float64
	ThisWeek  float64
	ThisMonth float64
}

// pruned returns the user's entries with anything older than 31 days dropped.
// Caller must hold the lock.
func (t *UsageTracker) pruned(userID string) []usageEntry {
	cutoff := t.now().Add(-31 * 24 * time.Hour)
	entries := t.entries[userID]
	for len(entries) > 0 && entries[0].at.Before(cutoff) {
		entries = entries[1:]
	}
	return entries
}

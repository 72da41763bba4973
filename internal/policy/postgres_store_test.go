//go:build integration

package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tonguard/tonguard/internal/authz"
	"github.com/tonguard/tonguard/internal/testutil"
)

func pgPolicy(id, userID, agentID string) *Policy {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Policy{
		ID:      id,
		UserID:  userID,
		AgentID: agentID,
		Permissions: authz.AgentPermissions{
			TradingEnabled:    true,
			AllowedOperations: []string{"swap"},
			TransfersEnabled:  true,
			MaxPerTransfer:    100,
			AllowedTokens:     []string{"TON"},
			AllowedProtocols:  []string{"*"},
		},
		Limits: authz.UserLimits{
			SingleTransactionLimit: 500,
			DailyLimit:             2000,
		},
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPostgresPolicy_CRUD(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	p := pgPolicy("pol_pg001", "user_pg", "agent_pg")
	if err := store.Create(ctx, p); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "pol_pg001")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Permissions.MaxPerTransfer != 100 {
		t.Errorf("Expected maxPerTransfer 100, got %v", got.Permissions.MaxPerTransfer)
	}
	if got.Limits.DailyLimit != 2000 {
		t.Errorf("Expected dailyLimit 2000, got %v", got.Limits.DailyLimit)
	}

	got.Limits.DailyLimit = 3000
	got.UpdatedAt = time.Now().UTC()
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	updated, _ := store.Get(ctx, "pol_pg001")
	if updated.Limits.DailyLimit != 3000 {
		t.Errorf("Expected dailyLimit 3000 after update, got %v", updated.Limits.DailyLimit)
	}

	list, err := store.List(ctx, "user_pg")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("Expected 1 policy, got %d", len(list))
	}

	if err := store.Delete(ctx, "pol_pg001"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "pol_pg001"); !errors.Is(err, ErrPolicyNotFound) {
		t.Errorf("Expected ErrPolicyNotFound after delete, got %v", err)
	}
}

func TestPostgresPolicy_DuplicatePair(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, pgPolicy("pol_pg010", "user_pg", "agent_pg")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Create(ctx, pgPolicy("pol_pg011", "user_pg", "agent_pg")); !errors.Is(err, ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate, got %v", err)
	}
}

func TestPostgresPolicy_GetFor(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	wildcard := pgPolicy("pol_pg020", "user_pg", AnyAgent)
	specific := pgPolicy("pol_pg021", "user_pg", "agent_pg")
	disabled := pgPolicy("pol_pg022", "user_pg", "agent_off")
	disabled.Enabled = false

	for _, p := range []*Policy{wildcard, specific, disabled} {
		if err := store.Create(ctx, p); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	got, err := store.GetFor(ctx, "user_pg", "agent_pg")
	if err != nil {
		t.Fatalf("GetFor failed: %v", err)
	}
	if got.ID != "pol_pg021" {
		t.Errorf("Expected exact match pol_pg021, got %s", got.ID)
	}

	// Unknown agent falls back to the wildcard policy.
	got, err = store.GetFor(ctx, "user_pg", "agent_unknown")
	if err != nil {
		t.Fatalf("GetFor fallback failed: %v", err)
	}
	if got.ID != "pol_pg020" {
		t.Errorf("Expected wildcard pol_pg020, got %s", got.ID)
	}

	// A disabled exact match still resolves to the wildcard.
	got, err = store.GetFor(ctx, "user_pg", "agent_off")
	if err != nil {
		t.Fatalf("GetFor disabled failed: %v", err)
	}
	if got.ID != "pol_pg020" {
		t.Errorf("Expected wildcard for disabled agent policy, got %s", got.ID)
	}

	if _, err := store.GetFor(ctx, "user_nobody", "agent_pg"); !errors.Is(err, ErrPolicyNotFound) {
		t.Errorf("Expected ErrPolicyNotFound, got %v", err)
	}
}

//go:build integration

package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tonguard/tonguard/internal/testutil"
)

func TestPostgresStrategy_CRUD(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	s := &Strategy{
		ID:                "strat_pg001",
		Name:              "dca",
		OwnerID:           "user_pg",
		AllowedOperations: []string{"swap", "transfer"},
		AllowedTokens:     []string{"TON", "USDT"},
		MaxAmountPerTrade: 500,
		Enabled:           true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := store.Create(ctx, s); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "strat_pg001")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Name != "dca" || got.MaxAmountPerTrade != 500 {
		t.Errorf("Get returned wrong strategy: %+v", got)
	}
	if len(got.AllowedOperations) != 2 {
		t.Errorf("Expected 2 allowed operations, got %d", len(got.AllowedOperations))
	}

	got.MaxAmountPerTrade = 1000
	got.UpdatedAt = time.Now().UTC()
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	updated, err := store.Get(ctx, "strat_pg001")
	if err != nil {
		t.Fatalf("Get after update failed: %v", err)
	}
	if updated.MaxAmountPerTrade != 1000 {
		t.Errorf("Expected max 1000, got %v", updated.MaxAmountPerTrade)
	}

	list, err := store.List(ctx, "user_pg")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("Expected 1 strategy, got %d", len(list))
	}

	if err := store.Delete(ctx, "strat_pg001"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "strat_pg001"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
}

func TestPostgresStrategy_DuplicateName(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	first := &Strategy{
		ID: "strat_pg010", Name: "grid", OwnerID: "user_pg",
		AllowedOperations: []string{"swap"}, AllowedTokens: []string{"TON"},
		Enabled: true, CreatedAt: now, UpdatedAt: now,
	}
	if err := store.Create(ctx, first); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	dup := &Strategy{
		ID: "strat_pg011", Name: "grid", OwnerID: "user_pg",
		AllowedOperations: []string{"swap"}, AllowedTokens: []string{"TON"},
		Enabled: true, CreatedAt: now, UpdatedAt: now,
	}
	if err := store.Create(ctx, dup); !errors.Is(err, ErrNameTaken) {
		t.Errorf("Expected ErrNameTaken, got %v", err)
	}

	// Same name under another owner is allowed.
	other := &Strategy{
		ID: "strat_pg012", Name: "grid", OwnerID: "user_other",
		AllowedOperations: []string{"swap"}, AllowedTokens: []string{"TON"},
		Enabled: true, CreatedAt: now, UpdatedAt: now,
	}
	if err := store.Create(ctx, other); err != nil {
		t.Errorf("Create for other owner failed: %v", err)
	}
}

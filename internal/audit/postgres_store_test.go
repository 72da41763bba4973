//go:build integration

package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tonguard/tonguard/internal/authz"
	"github.com/tonguard/tonguard/internal/events"
	"github.com/tonguard/tonguard/internal/testutil"
)

func TestPostgresAudit_Authorizations(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	rec := &AuthorizationRecord{
		ID:            "auth_pg001",
		TransactionID: "tx_pg001",
		UserID:        "user_pg",
		AgentID:       "agent_pg",
		Decision:      authz.DecisionApproved,
		RiskTier:      authz.RiskLow,
		Layers: []authz.LayerResult{
			{Layer: authz.LayerIntentValidation, Passed: true, Decision: authz.DecisionApproved},
			{Layer: authz.LayerSimulation, Passed: true, Decision: authz.DecisionApproved},
		},
		CreatedAt: now,
	}
	if err := store.RecordAuthorization(ctx, rec); err != nil {
		t.Fatalf("RecordAuthorization failed: %v", err)
	}

	got, err := store.GetAuthorization(ctx, "auth_pg001")
	if err != nil {
		t.Fatalf("GetAuthorization failed: %v", err)
	}
	if got.Decision != authz.DecisionApproved {
		t.Errorf("Expected approved, got %v", got.Decision)
	}
	if len(got.Layers) != 2 {
		t.Errorf("Expected 2 layer results, got %d", len(got.Layers))
	}

	list, err := store.ListAuthorizations(ctx, "user_pg", 10)
	if err != nil {
		t.Fatalf("ListAuthorizations failed: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("Expected 1 record, got %d", len(list))
	}

	// Unknown user yields an empty list, not an error.
	empty, err := store.ListAuthorizations(ctx, "user_nobody", 10)
	if err != nil {
		t.Fatalf("ListAuthorizations for unknown user failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("Expected 0 records, got %d", len(empty))
	}

	if _, err := store.GetAuthorization(ctx, "auth_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestPostgresAudit_Events(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	for i, typ := range []events.Type{events.EventWalletCreated, events.EventTxSigned, events.EventTxSigned} {
		rec := &EventRecord{
			ID:        "ev_pg00" + string(rune('1'+i)),
			Type:      typ,
			Data:      map[string]any{"walletId": "w_pg001"},
			CreatedAt: now.Add(time.Duration(i) * time.Second),
		}
		if err := store.RecordEvent(ctx, rec); err != nil {
			t.Fatalf("RecordEvent failed: %v", err)
		}
	}

	all, err := store.ListEvents(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Expected 3 events, got %d", len(all))
	}

	signed, err := store.ListEvents(ctx, events.EventTxSigned, 10)
	if err != nil {
		t.Fatalf("ListEvents filtered failed: %v", err)
	}
	if len(signed) != 2 {
		t.Errorf("Expected 2 signed events, got %d", len(signed))
	}
}

package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonguard/tonguard/internal/authz"
	"github.com/tonguard/tonguard/internal/events"
)

func TestMemoryStoreAuthorizations(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	result := &authz.Result{
		ID:            "auth_1",
		TransactionID: "txn_1",
		Decision:      authz.DecisionApproved,
		RiskTier:      authz.RiskLow,
		CheckedLayers: []authz.LayerResult{
			{Layer: authz.LayerIntentValidation, Passed: true, Decision: authz.DecisionApproved},
		},
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.RecordAuthorization(ctx, NewAuthorizationRecord(result, "user_1", "agent_1")))

	got, err := store.GetAuthorization(ctx, "auth_1")
	require.NoError(t, err)
	assert.Equal(t, authz.DecisionApproved, got.Decision)
	assert.Len(t, got.Layers, 1)

	_, err = store.GetAuthorization(ctx, "auth_missing")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := store.ListAuthorizations(ctx, "user_1", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	other, err := store.ListAuthorizations(ctx, "user_other", 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec := &AuthorizationRecord{
		ID:       "auth_1",
		UserID:   "user_1",
		Decision: authz.DecisionApproved,
		Layers:   []authz.LayerResult{{Layer: authz.LayerIntentValidation}},
	}
	require.NoError(t, store.RecordAuthorization(ctx, rec))

	got, err := store.GetAuthorization(ctx, "auth_1")
	require.NoError(t, err)
	got.Decision = authz.DecisionRejected
	got.Layers[0].Layer = authz.LayerSimulation

	again, err := store.GetAuthorization(ctx, "auth_1")
	require.NoError(t, err)
	assert.Equal(t, authz.DecisionApproved, again.Decision)
	assert.Equal(t, authz.LayerIntentValidation, again.Layers[0].Layer)
}

func TestMemoryStoreEvents(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i, typ := range []events.Type{events.EventKeyGenerated, events.EventWalletCreated, events.EventKeyGenerated} {
		require.NoError(t, store.RecordEvent(ctx, &EventRecord{
			ID:        "evt_" + string(rune('a'+i)),
			Type:      typ,
			CreatedAt: time.Now(),
		}))
	}

	keyEvents, err := store.ListEvents(ctx, events.EventKeyGenerated, 10)
	require.NoError(t, err)
	assert.Len(t, keyEvents, 2)

	all, err := store.ListEvents(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	// Most recent first.
	assert.Equal(t, "evt_c", all[0].ID)
}

func TestRecorderPersistsBusEvents(t *testing.T) {
	bus := events.NewBus(nil)
	defer bus.Close()

	store := NewMemoryStore()
	rec := NewRecorder(bus, store, nil)
	defer rec.Close()

	bus.Publish(events.EventWalletCreated, map[string]any{"walletId": "cw_1"})

	require.Eventually(t, func() bool {
		list, err := store.ListEvents(context.Background(), events.EventWalletCreated, 10)
		return err == nil && len(list) == 1
	}, time.Second, 10*time.Millisecond)

	list, _ := store.ListEvents(context.Background(), events.EventWalletCreated, 10)
	assert.Equal(t, "cw_1", list[0].Data["walletId"])
}

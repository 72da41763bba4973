package custody

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonguard/tonguard/internal/keymgmt"
	"github.com/tonguard/tonguard/internal/txn"
)

func testRequest(valueTon float64) *txn.Request {
	return &txn.Request{
		ID:           "txn_test",
		Type:         txn.TypeTransfer,
		SourceWallet: "cw_ignored",
		Destination:  &txn.Destination{Address: "EQdest"},
		Amount: &txn.Amount{
			TokenID: "ton", Symbol: "TON", Amount: "1.0", ValueTon: valueTon,
		},
		UserID:    "user_1",
		AgentID:   "agent_1",
		CreatedAt: time.Now(),
	}
}

func TestNonCustodialCreateWallet(t *testing.T) {
	p := NewNonCustodial(nil, nil, nil)
	w, err := p.CreateWallet(context.Background(), "user_1", "agent_1")
	require.NoError(t, err)

	assert.Equal(t, WalletPending, w.Status)
	assert.Empty(t, w.Address)
	assert.Empty(t, w.KeyID)
	assert.Equal(t, ModeNonCustodial, w.Mode)
}

func TestNonCustodialLinkAddress(t *testing.T) {
	p := NewNonCustodial(nil, nil, nil)
	w, err := p.CreateWallet(context.Background(), "user_1", "agent_1")
	require.NoError(t, err)

	linked, err := p.LinkAddress(context.Background(), w.ID, "EQuser")
	require.NoError(t, err)
	assert.Equal(t, WalletActive, linked.Status)
	assert.Equal(t, "EQuser", linked.Address)
}

func TestNonCustodialPrepareAlwaysRequiresApproval(t *testing.T) {
	p := NewNonCustodial(nil, nil, nil)
	w, err := p.CreateWallet(context.Background(), "user_1", "agent_1")
	require.NoError(t, err)

	prepared, err := p.PrepareTransaction(context.Background(), w.ID, testRequest(10))
	require.NoError(t, err)

	assert.True(t, prepared.RequiresApproval)
	assert.Equal(t, ApprovalUserConfirmation, prepared.ApprovalType)
	assert.NotEmpty(t, prepared.PayloadHash)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), prepared.ExpiresAt, 5*time.Second)
}

func TestNonCustodialSignRequiresUserSignature(t *testing.T) {
	p := NewNonCustodial(nil, nil, nil)
	w, err := p.CreateWallet(context.Background(), "user_1", "agent_1")
	require.NoError(t, err)
	prepared, err := p.PrepareTransaction(context.Background(), w.ID, testRequest(10))
	require.NoError(t, err)

	_, err = p.SignTransaction(context.Background(), prepared.ID, nil)
	require.ErrorIs(t, err, ErrApprovalRequired)

	_, err = p.SignTransaction(context.Background(), prepared.ID, &Approval{Kind: ApprovalKindTimeout})
	require.ErrorIs(t, err, ErrApprovalRequired)

	signed, err := p.SignTransaction(context.Background(), prepared.ID, &Approval{
		Kind:      ApprovalKindUserSignature,
		Signature: "abc",
	})
	require.NoError(t, err)
	assert.True(t, signed.ReadyToBroadcast)
	assert.Equal(t, "abc", signed.Signature)
	assert.Equal(t, prepared.ID, signed.PreparedID)
}

func TestPreparedConsumedAtMostOnce(t *testing.T) {
	p := NewNonCustodial(nil, nil, nil)
	w, err := p.CreateWallet(context.Background(), "user_1", "agent_1")
	require.NoError(t, err)
	prepared, err := p.PrepareTransaction(context.Background(), w.ID, testRequest(10))
	require.NoError(t, err)

	approval := &Approval{Kind: ApprovalKindUserSignature, Signature: "abc"}
	_, err = p.SignTransaction(context.Background(), prepared.ID, approval)
	require.NoError(t, err)

	_, err = p.SignTransaction(context.Background(), prepared.ID, approval)
	assert.ErrorIs(t, err, ErrPreparedConsumed)
}

func TestNonCustodialRevokeLocksWallet(t *testing.T) {
	p := NewNonCustodial(nil, nil, nil)
	w, err := p.CreateWallet(context.Background(), "user_1", "agent_1")
	require.NoError(t, err)

	require.NoError(t, p.RevokeAgentAccess(context.Background(), w.ID))

	locked, err := p.GetWallet(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, WalletLocked, locked.Status)
	assert.Empty(t, locked.AgentID)

	_, err = p.PrepareTransaction(context.Background(), w.ID, testRequest(10))
	assert.ErrorIs(t, err, ErrWalletNotOperable)
}

func TestNonCustodialRecoveryUnsupported(t *testing.T) {
	p := NewNonCustodial(nil, nil, nil)
	w, err := p.CreateWallet(context.Background(), "user_1", "agent_1")
	require.NoError(t, err)

	_, err = p.InitiateRecovery(context.Background(), w.ID, "user_1")
	assert.ErrorIs(t, err, ErrRecoveryUnsupported)
	_, err = p.CompleteRecovery(context.Background(), "rec_x")
	assert.ErrorIs(t, err, ErrRecoveryUnsupported)
}

func TestSmartContractCreateWallet(t *testing.T) {
	p := NewSmartContract(nil, keymgmt.NewSimulated(nil), nil, nil)
	w, err := p.CreateWallet(context.Background(), "user_1", "agent_1")
	require.NoError(t, err)

	assert.Equal(t, WalletActive, w.Status)
	assert.NotEmpty(t, w.Address)
	assert.NotEmpty(t, w.KeyID)
}

func TestSmartContractPrepareWithinLimits(t *testing.T) {
	p := NewSmartContract(nil, keymgmt.NewSimulated(nil), nil, nil)
	w, err := p.CreateWallet(context.Background(), "user_1", "agent_1")
	require.NoError(t, err)

	prepared, err := p.PrepareTransaction(context.Background(), w.ID, testRequest(500))
	require.NoError(t, err)
	assert.False(t, prepared.RequiresApproval)

	over, err := p.PrepareTransaction(context.Background(), w.ID, testRequest(1500))
	require.NoError(t, err)
	assert.True(t, over.RequiresApproval)
	assert.Equal(t, ApprovalUserConfirmation, over.ApprovalType)
	assert.Contains(t, over.SimulationNote, "contract limit")
}

func TestSmartContractSignFlow(t *testing.T) {
	p := NewSmartContract(nil, keymgmt.NewSimulated(nil), nil, nil)
	w, err := p.CreateWallet(context.Background(), "user_1", "agent_1")
	require.NoError(t, err)

	prepared, err := p.PrepareTransaction(context.Background(), w.ID, testRequest(500))
	require.NoError(t, err)

	signed, err := p.SignTransaction(context.Background(), prepared.ID, nil)
	require.NoError(t, err)
	assert.True(t, signed.ReadyToBroadcast)
	assert.NotEmpty(t, signed.Signature)
	assert.NotEmpty(t, signed.PublicKey)
}

func TestSmartContractOverLimitSignNeedsApproval(t *testing.T) {
	p := NewSmartContract(nil, keymgmt.NewSimulated(nil), nil, nil)
	w, err := p.CreateWallet(context.Background(), "user_1", "agent_1")
	require.NoError(t, err)

	prepared, err := p.PrepareTransaction(context.Background(), w.ID, testRequest(1500))
	require.NoError(t, err)

	_, err = p.SignTransaction(context.Background(), prepared.ID, nil)
	require.ErrorIs(t, err, ErrApprovalRequired)

	signed, err := p.SignTransaction(context.Background(), prepared.ID, &Approval{
		Kind:      ApprovalKindUserSignature,
		Signature: "user-sig",
	})
	require.NoError(t, err)
	assert.True(t, signed.ReadyToBroadcast)
}

func TestSmartContractRevokeKeepsWalletActive(t *testing.T) {
	keys := keymgmt.NewSimulated(nil)
	p := NewSmartContract(nil, keys, nil, nil)
	w, err := p.CreateWallet(context.Background(), "user_1", "agent_1")
	require.NoError(t, err)

	require.NoError(t, p.RevokeAgentAccess(context.Background(), w.ID))

	got, err := p.GetWallet(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, WalletActive, got.Status)
	assert.Empty(t, got.AgentID)
	assert.Empty(t, got.KeyID)

	_, err = keys.GetKey(context.Background(), w.KeyID)
	assert.ErrorIs(t, err, keymgmt.ErrKeyRevoked)
}

func TestSmartContractRecoveryFlow(t *testing.T) {
	p := NewSmartContract(nil, keymgmt.NewSimulated(nil), nil, nil)
	w, err := p.CreateWallet(context.Background(), "user_1", "agent_1")
	require.NoError(t, err)
	oldKey := w.KeyID

	session, err := p.InitiateRecovery(context.Background(), w.ID, "user_1")
	require.NoError(t, err)
	assert.Equal(t, RecoveryVerifying, session.Status)

	recovering, err := p.GetWallet(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, WalletRecovering, recovering.Status)

	// Required steps incomplete.
	_, err = p.CompleteRecovery(context.Background(), session.ID)
	require.ErrorIs(t, err, ErrRecoveryIncomplete)

	_, err = p.CompleteVerificationStep(context.Background(), session.ID, "email")
	require.NoError(t, err)
	_, err = p.CompleteVerificationStep(context.Background(), session.ID, "guardian")
	require.NoError(t, err)

	recovered, err := p.CompleteRecovery(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, WalletActive, recovered.Status)
	assert.NotEqual(t, oldKey, recovered.KeyID)

	done, ok := p.store.Recovery(session.ID)
	require.True(t, ok)
	assert.Equal(t, RecoveryCompleted, done.Status)
	assert.Equal(t, recovered.KeyID, done.NewKeyID)
}

func TestSmartContractRecoveryRejectsUnknownStep(t *testing.T) {
	p := NewSmartContract(nil, keymgmt.NewSimulated(nil), nil, nil)
	w, err := p.CreateWallet(context.Background(), "user_1", "agent_1")
	require.NoError(t, err)

	session, err := p.InitiateRecovery(context.Background(), w.ID, "user_1")
	require.NoError(t, err)

	_, err = p.CompleteVerificationStep(context.Background(), session.ID, "sms")
	require.ErrorIs(t, err, ErrUnknownStep)

	// The session is untouched and still completable via the real steps.
	stored, ok := p.store.Recovery(session.ID)
	require.True(t, ok)
	for _, step := range stored.Steps {
		assert.False(t, step.Completed)
	}
}

func TestSmartContractRecoveryRequiresActiveWallet(t *testing.T) {
	p := NewSmartContract(nil, keymgmt.NewSimulated(nil), nil, nil)
	w, err := p.CreateWallet(context.Background(), "user_1", "agent_1")
	require.NoError(t, err)

	_, err = p.InitiateRecovery(context.Background(), w.ID, "user_1")
	require.NoError(t, err)

	// A second session cannot open while the first is in flight.
	_, err = p.InitiateRecovery(context.Background(), w.ID, "user_1")
	require.ErrorIs(t, err, ErrRecoveryNotActive)
}

func TestMPCCreateWallet(t *testing.T) {
	keys := keymgmt.NewSimulated(nil)
	p := NewMPC(nil, keys, nil, nil)
	w, err := p.CreateWallet(context.Background(), "user_1", "agent_1")
	require.NoError(t, err)

	assert.Equal(t, WalletActive, w.Status)
	assert.NotEmpty(t, w.Address)

	key, err := keys.GetKey(context.Background(), w.KeyID)
	require.NoError(t, err)
	assert.Equal(t, 2, key.Threshold)
	assert.Equal(t, 3, key.TotalShares)
}

func TestMPCPrepareEscalationTiers(t *testing.T) {
	p := NewMPC(nil, keymgmt.NewSimulated(nil), nil, nil)
	w, err := p.CreateWallet(context.Background(), "user_1", "agent_1")
	require.NoError(t, err)
	// maxTransactionAmount defaults to 1000.

	tests := []struct {
		name         string
		value        float64
		requires     bool
		approvalType ApprovalType
	}{
		{"below threshold", 500, false, ""},
		{"above threshold", 1500, true, ApprovalUserConfirmation},
		{"above ten times", 11000, true, ApprovalMultiSig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prepared, err := p.PrepareTransaction(context.Background(), w.ID, testRequest(tt.value))
			require.NoError(t, err)
			assert.Equal(t, tt.requires, prepared.RequiresApproval)
			assert.Equal(t, tt.approvalType, prepared.ApprovalType)
		})
	}
}

func TestMPCSignFailsClosedWithoutShares(t *testing.T) {
	keys := keymgmt.NewSimulated(nil)
	p := NewMPC(nil, keys, nil, nil)
	w, err := p.CreateWallet(context.Background(), "user_1", "agent_1")
	require.NoError(t, err)

	prepared, err := p.PrepareTransaction(context.Background(), w.ID, testRequest(100))
	require.NoError(t, err)

	keys.SetAvailableShares(w.KeyID, 1)
	_, err = p.SignTransaction(context.Background(), prepared.ID, nil)
	require.ErrorIs(t, err, ErrSharesUnavailable)

	// Fail-closed sign must not consume the prepared transaction.
	keys.SetAvailableShares(w.KeyID, 2)
	signed, err := p.SignTransaction(context.Background(), prepared.ID, nil)
	require.NoError(t, err)
	assert.True(t, signed.ReadyToBroadcast)
}

func TestMPCMultiSigApproval(t *testing.T) {
	p := NewMPC(nil, keymgmt.NewSimulated(nil), nil, nil)
	w, err := p.CreateWallet(context.Background(), "user_1", "agent_1")
	require.NoError(t, err)

	prepared, err := p.PrepareTransaction(context.Background(), w.ID, testRequest(11000))
	require.NoError(t, err)
	require.Equal(t, ApprovalMultiSig, prepared.ApprovalType)

	_, err = p.SignTransaction(context.Background(), prepared.ID, &Approval{
		Kind:       ApprovalKindMultiSig,
		Signatures: []string{"sig1"},
	})
	require.ErrorIs(t, err, ErrApprovalInvalid)

	signed, err := p.SignTransaction(context.Background(), prepared.ID, &Approval{
		Kind:       ApprovalKindMultiSig,
		Signatures: []string{"sig1", "sig2"},
	})
	require.NoError(t, err)
	assert.True(t, signed.ReadyToBroadcast)
}

func TestMPCRevokeRotatesKey(t *testing.T) {
	p := NewMPC(nil, keymgmt.NewSimulated(nil), nil, nil)
	w, err := p.CreateWallet(context.Background(), "user_1", "agent_1")
	require.NoError(t, err)
	oldKey := w.KeyID

	require.NoError(t, p.RevokeAgentAccess(context.Background(), w.ID))

	got, err := p.GetWallet(context.Background(), w.ID)
	require.NoError(t, err)
	assert.NotEqual(t, oldKey, got.KeyID)
	assert.NotEmpty(t, got.KeyID)
	assert.Empty(t, got.AgentID)
	assert.Equal(t, WalletActive, got.Status)
}

func TestMPCRecoveryRotatesKey(t *testing.T) {
	p := NewMPC(nil, keymgmt.NewSimulated(nil), nil, nil)
	w, err := p.CreateWallet(context.Background(), "user_1", "agent_1")
	require.NoError(t, err)
	oldKey := w.KeyID

	session, err := p.InitiateRecovery(context.Background(), w.ID, "user_1")
	require.NoError(t, err)
	_, err = p.CompleteVerificationStep(context.Background(), session.ID, "identity")
	require.NoError(t, err)
	_, err = p.CompleteVerificationStep(context.Background(), session.ID, "recovery_service")
	require.NoError(t, err)

	recovered, err := p.CompleteRecovery(context.Background(), session.ID)
	require.NoError(t, err)
	assert.NotEqual(t, oldKey, recovered.KeyID)
	assert.Equal(t, WalletActive, recovered.Status)
}

func TestMPCRecoveryGuards(t *testing.T) {
	p := NewMPC(nil, keymgmt.NewSimulated(nil), nil, nil)
	w, err := p.CreateWallet(context.Background(), "user_1", "agent_1")
	require.NoError(t, err)

	session, err := p.InitiateRecovery(context.Background(), w.ID, "user_1")
	require.NoError(t, err)

	_, err = p.CompleteVerificationStep(context.Background(), session.ID, "guardian")
	require.ErrorIs(t, err, ErrUnknownStep)

	// The wallet is recovering, so no overlapping session can start.
	_, err = p.InitiateRecovery(context.Background(), w.ID, "user_1")
	require.ErrorIs(t, err, ErrRecoveryNotActive)
}

func TestPreparedExpiryIsLazy(t *testing.T) {
	p := NewNonCustodial(nil, nil, nil)
	w, err := p.CreateWallet(context.Background(), "user_1", "agent_1")
	require.NoError(t, err)
	prepared, err := p.PrepareTransaction(context.Background(), w.ID, testRequest(10))
	require.NoError(t, err)

	// Force the stored record past its expiry.
	stored, ok := p.store.Prepared(prepared.ID)
	require.True(t, ok)
	stored.ExpiresAt = time.Now().Add(-time.Minute)
	p.store.PutPrepared(stored)

	_, err = p.SignTransaction(context.Background(), prepared.ID, &Approval{
		Kind: ApprovalKindUserSignature, Signature: "abc",
	})
	require.ErrorIs(t, err, ErrPreparedExpired)

	expired, ok := p.store.Prepared(prepared.ID)
	require.True(t, ok)
	assert.Equal(t, PreparedExpired, expired.Status)
}

func TestFactoryRouting(t *testing.T) {
	f := NewFactory(keymgmt.NewSimulated(nil), nil, nil)

	nc, err := f.Provider(ModeNonCustodial)
	require.NoError(t, err)
	mpc, err := f.Provider(ModeMPC)
	require.NoError(t, err)

	_, err = f.Provider(Mode("vault"))
	require.Error(t, err)

	w, err := mpc.CreateWallet(context.Background(), "user_1", "agent_1")
	require.NoError(t, err)

	routed, got, err := f.ForWallet(w.ID)
	require.NoError(t, err)
	assert.Equal(t, ModeMPC, routed.Mode())
	assert.Equal(t, w.ID, got.ID)

	// A wallet created by one provider is invisible to another mode's API.
	_, err = nc.GetWallet(context.Background(), w.ID)
	assert.ErrorIs(t, err, ErrWrongMode)
}

func TestOperationErrorUnwraps(t *testing.T) {
	err := opErr("sign transaction for", "cw_1", ErrApprovalRequired)
	assert.ErrorIs(t, err, ErrApprovalRequired)

	var opE *OperationError
	require.True(t, errors.As(err, &opE))
	assert.Equal(t, "cw_1", opE.WalletID)
}

func TestListWalletsFiltersByModeAndUser(t *testing.T) {
	f := NewFactory(keymgmt.NewSimulated(nil), nil, nil)
	nc, _ := f.Provider(ModeNonCustodial)
	mpc, _ := f.Provider(ModeMPC)

	_, err := nc.CreateWallet(context.Background(), "user_1", "agent_1")
	require.NoError(t, err)
	_, err = mpc.CreateWallet(context.Background(), "user_1", "agent_1")
	require.NoError(t, err)
	_, err = mpc.CreateWallet(context.Background(), "user_2", "agent_2")
	require.NoError(t, err)

	ncList, err := nc.ListWallets(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Len(t, ncList, 1)

	mpcList, err := mpc.ListWallets(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Len(t, mpcList, 1)
}

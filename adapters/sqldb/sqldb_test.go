package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/layer-3/edupass/core"
	"github.com/layer-3/edupass/ports"
	"github.com/shopspring/decimal"
	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func randomAddress(t *testing.T) string {
	t.Helper()
	kp, err := keypair.Random()
	require.NoError(t, err)
	return kp.Address()
}

func testPending(t *testing.T, id string) *core.PendingTransaction {
	t.Helper()
	now := time.UnixMilli(1_700_000_000_000).UTC()
	issuer := randomAddress(t)
	return &core.PendingTransaction{
		ID:    id,
		Class: core.ClassMedium,
		Payload: core.OperationPayload{Operations: []core.Operation{core.IssueCredits{
			Issuer: issuer, Beneficiary: randomAddress(t), Amount: decimal.NewFromInt(10), Purpose: "books",
		}}},
		AuthorizingAccount: issuer,
		Envelope:           "ZW52ZWxvcGU=",
		CreatedBy:          issuer,
		CreatedAt:          now,
		UpdatedAt:          now,
		Status:             core.StatusPending,
	}
}

func TestPendingRepositoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewPendingRepository(openTestDB(t))

	p := testPending(t, "p-1")
	require.NoError(t, repo.Create(ctx, p))

	got, err := repo.Get(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, p.AuthorizingAccount, got.AuthorizingAccount)
	assert.Equal(t, core.StatusPending, got.Status)
	assert.True(t, p.CreatedAt.Equal(got.CreatedAt))
	require.Len(t, got.Payload.Operations, 1)
	assert.Equal(t, core.OpIssueCredits, got.Payload.Operations[0].Type())
	assert.Empty(t, got.Approvals)

	_, err = repo.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ports.ErrPendingNotFound))
}

func TestPendingRepositoryApprovalsAreUnique(t *testing.T) {
	ctx := context.Background()
	repo := NewPendingRepository(openTestDB(t))
	require.NoError(t, repo.Create(ctx, testPending(t, "p-1")))

	signedAt := time.UnixMilli(1_700_000_001_000).UTC()
	a := core.Approval{Signer: "GSIGNER1", Signature: []byte{1, 2, 3}, SignedAt: signedAt}
	require.NoError(t, repo.AddApproval(ctx, "p-1", a))
	require.NoError(t, repo.AddApproval(ctx, "p-1", a))
	require.NoError(t, repo.AddApproval(ctx, "p-1", core.Approval{Signer: "GSIGNER2", Signature: []byte{4}, SignedAt: signedAt.Add(time.Second)}))

	got, err := repo.Get(ctx, "p-1")
	require.NoError(t, err)
	require.Len(t, got.Approvals, 2)
	assert.Equal(t, []string{"GSIGNER1", "GSIGNER2"}, got.Signers())
	assert.Equal(t, []byte{1, 2, 3}, got.Approvals[0].Signature)

	err = repo.AddApproval(ctx, "missing", a)
	assert.True(t, errors.Is(err, ports.ErrPendingNotFound))
}

func TestPendingRepositoryTransition(t *testing.T) {
	ctx := context.Background()
	repo := NewPendingRepository(openTestDB(t))
	require.NoError(t, repo.Create(ctx, testPending(t, "p-1")))

	require.NoError(t, repo.Transition(ctx, "p-1", core.StatusPending, core.StatusSubmitted, "", ""))

	err := repo.Transition(ctx, "p-1", core.StatusPending, core.StatusSubmitted, "", "")
	assert.True(t, errors.Is(err, ports.ErrStatusConflict))

	require.NoError(t, repo.Transition(ctx, "p-1", core.StatusSubmitted, core.StatusSettled, "hash-1", ""))
	got, err := repo.Get(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusSettled, got.Status)
	assert.Equal(t, "hash-1", got.LedgerHash)

	err = repo.Transition(ctx, "missing", core.StatusPending, core.StatusSubmitted, "", "")
	assert.True(t, errors.Is(err, ports.ErrPendingNotFound))
}

func TestPendingRepositoryAttempts(t *testing.T) {
	ctx := context.Background()
	repo := NewPendingRepository(openTestDB(t))
	require.NoError(t, repo.Create(ctx, testPending(t, "p-1")))

	start := time.UnixMilli(1_700_000_000_000).UTC()
	for i, outcome := range []core.AttemptOutcome{core.AttemptRetryableFailure, core.AttemptRetryableFailure, core.AttemptSuccess} {
		require.NoError(t, repo.AppendAttempt(ctx, core.SubmissionAttempt{
			PendingID: "p-1", AttemptNumber: i + 1, StartedAt: start.Add(time.Duration(i) * time.Second), Outcome: outcome,
		}))
	}

	attempts, err := repo.Attempts(ctx, "p-1")
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	assert.Equal(t, core.AttemptSuccess, attempts[2].Outcome)
	assert.Equal(t, 3, attempts[2].AttemptNumber)

	// Attempt numbers are unique per transaction.
	assert.Error(t, repo.AppendAttempt(ctx, core.SubmissionAttempt{PendingID: "p-1", AttemptNumber: 1, Outcome: core.AttemptSuccess}))
}

func TestProfileStore(t *testing.T) {
	ctx := context.Background()
	store := NewProfileStore(openTestDB(t))

	_, err := store.ProfileOf(ctx, "GUNKNOWN")
	assert.True(t, errors.Is(err, ports.ErrProfileNotFound))

	require.NoError(t, store.PutProfile(ctx, core.Profile{Identity: "GA", Role: core.RoleIssuer, UserID: 7}))
	require.NoError(t, store.PutProfile(ctx, core.Profile{Identity: "GA", Role: core.RoleAdmin, UserID: 7}))

	p, err := store.ProfileOf(ctx, "GA")
	require.NoError(t, err)
	assert.Equal(t, core.RoleAdmin, p.Role)
	assert.Equal(t, int64(7), p.UserID)
}

func TestSettlementRecorderIsIdempotent(t *testing.T) {
	ctx := context.Background()
	rec := NewSettlementRecorder(openTestDB(t))

	issuer, student, school := randomAddress(t), randomAddress(t), randomAddress(t)
	outcome := core.Outcome{
		PendingID:  "p-1",
		Status:     core.StatusSettled,
		LedgerHash: "hash-1",
		Attempts:   1,
		RecordedAt: time.UnixMilli(1_700_000_000_000),
		Payload: core.OperationPayload{Operations: []core.Operation{
			core.IssueCredits{Issuer: issuer, Beneficiary: student, Amount: decimal.NewFromInt(100)},
			core.TransferCredits{From: student, To: school, Amount: decimal.NewFromInt(40)},
			core.BurnCredits{Account: school, Amount: decimal.NewFromInt(15)},
		}},
	}

	first, err := rec.Record(ctx, outcome)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := rec.Record(ctx, outcome)
	require.NoError(t, err)
	assert.False(t, again)

	bal, err := rec.CreditBalance(ctx, student)
	require.NoError(t, err)
	assert.Equal(t, int64(60_0000000), bal)

	bal, err = rec.CreditBalance(ctx, school)
	require.NoError(t, err)
	assert.Equal(t, int64(25_0000000), bal)

	total, err := rec.TotalIssued(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100_0000000), total)

	got, err := rec.Outcome(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusSettled, got.Status)
	assert.Equal(t, "hash-1", got.LedgerHash)
}

func TestSettlementRecorderFailedOutcomeHasNoEffects(t *testing.T) {
	ctx := context.Background()
	rec := NewSettlementRecorder(openTestDB(t))
	student := randomAddress(t)

	ok, err := rec.Record(ctx, core.Outcome{
		PendingID: "p-2",
		Status:    core.StatusFailed,
		Reason:    "tx_insufficient_balance",
		Payload: core.OperationPayload{Operations: []core.Operation{
			core.IssueCredits{Issuer: randomAddress(t), Beneficiary: student, Amount: decimal.NewFromInt(5)},
		}},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	bal, err := rec.CreditBalance(ctx, student)
	require.NoError(t, err)
	assert.Zero(t, bal)
}

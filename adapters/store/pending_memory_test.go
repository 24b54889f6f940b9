package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/layer-3/edupass/core"
	"github.com/layer-3/edupass/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPendingRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryPendingRepository()

	require.NoError(t, repo.Create(ctx, &core.PendingTransaction{ID: "p-1", Status: core.StatusPending}))
	assert.Error(t, repo.Create(ctx, &core.PendingTransaction{ID: "p-1"}))

	a := core.Approval{Signer: "GA", SignedAt: time.Now()}
	require.NoError(t, repo.AddApproval(ctx, "p-1", a))
	require.NoError(t, repo.AddApproval(ctx, "p-1", a))

	got, err := repo.Get(ctx, "p-1")
	require.NoError(t, err)
	assert.Len(t, got.Approvals, 1)

	// Returned copies do not alias stored state.
	got.Approvals = append(got.Approvals, core.Approval{Signer: "GB"})
	again, err := repo.Get(ctx, "p-1")
	require.NoError(t, err)
	assert.Len(t, again.Approvals, 1)

	require.NoError(t, repo.Transition(ctx, "p-1", core.StatusPending, core.StatusSubmitted, "", ""))
	err = repo.Transition(ctx, "p-1", core.StatusPending, core.StatusSubmitted, "", "")
	assert.True(t, errors.Is(err, ports.ErrStatusConflict))

	_, err = repo.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ports.ErrPendingNotFound))
}

func TestMemorySettlementRecorder(t *testing.T) {
	ctx := context.Background()
	rec := NewMemorySettlementRecorder()

	ok, err := rec.Record(ctx, core.Outcome{PendingID: "p-1", Status: core.StatusSettled})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = rec.Record(ctx, core.Outcome{PendingID: "p-1", Status: core.StatusSettled})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, rec.Outcomes(), 1)
}

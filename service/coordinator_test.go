package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/layer-3/edupass/core"
	"github.com/layer-3/edupass/ports"
	"github.com/shopspring/decimal"
	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThresholdCrossingSubmitsOnce(t *testing.T) {
	h := newHarness(t, fastPipeline(), "org", "s1", "s2")
	h.multisig(t, "org", "s1", "s2")
	ctx := context.Background()

	pt := h.create(t, h.payment("org", "s1", 10), "s1")
	assert.Equal(t, core.StatusPending, pt.Status)
	assert.Equal(t, h.addr("org"), pt.AuthorizingAccount)

	res, err := h.coord.SignTransaction(ctx, pt.ID, h.addr("s1"), h.sign(t, "s1", pt.Envelope))
	require.NoError(t, err)
	assert.Equal(t, SignResult{Status: core.StatusPending, CurrentWeight: 2, RequiredWeight: 3}, *res)
	assert.Zero(t, h.ledger.submitCount())

	res, err = h.coord.SignTransaction(ctx, pt.ID, h.addr("s2"), h.sign(t, "s2", pt.Envelope))
	require.NoError(t, err)
	assert.Equal(t, uint32(4), res.CurrentWeight)
	assert.Equal(t, core.StatusSettled, res.Status)
	assert.Equal(t, 1, h.ledger.submitCount())

	report := h.status(t, pt.ID)
	assert.Equal(t, core.StatusSettled, report.Transaction.Status)
	assert.NotEmpty(t, report.Transaction.LedgerHash)
	assert.Len(t, report.Attempts, 1)
	assert.Equal(t, []string{h.addr("s1"), h.addr("s2")}, report.Transaction.Signers())
	assert.EqualValues(t, 1, h.recorder.calls.Load())

	bal, err := h.pipeline.BalanceOf(ctx, h.addr("s1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1010_0000000), bal["native"])
}

func TestSigningTwiceKeepsWeight(t *testing.T) {
	h := newHarness(t, fastPipeline(), "org", "s1", "s2")
	h.multisig(t, "org", "s1", "s2")
	ctx := context.Background()
	pt := h.create(t, h.payment("org", "s1", 1), "s1")
	sig := h.sign(t, "s1", pt.Envelope)

	for i := 0; i < 3; i++ {
		res, err := h.coord.SignTransaction(ctx, pt.ID, h.addr("s1"), sig)
		require.NoError(t, err)
		assert.Equal(t, uint32(2), res.CurrentWeight)
		assert.Equal(t, core.StatusPending, res.Status)
	}
	assert.Len(t, h.status(t, pt.ID).Transaction.Approvals, 1)
}

func TestConcurrentSigningSubmitsExactlyOnce(t *testing.T) {
	h := newHarness(t, fastPipeline(), "org", "s1", "s2", "s3", "s4")
	h.multisig(t, "org", "s1", "s2", "s3", "s4")
	pt := h.create(t, h.payment("org", "s1", 1), "s1")

	signers := []string{"s1", "s2", "s3", "s4"}
	sigs := make(map[string][]byte)
	for _, s := range signers {
		sigs[s] = h.sign(t, s, pt.Envelope)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(signers))
	for _, s := range signers {
		wg.Add(1)
		go func(s string) {
			defer wg.Done()
			_, err := h.coord.SignTransaction(context.Background(), pt.ID, h.addr(s), sigs[s])
			errs <- err
		}(s)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			assert.True(t, errors.Is(err, core.ErrNotFound), "got %v", err)
		}
	}
	assert.Equal(t, 1, h.ledger.submitCount())
	assert.EqualValues(t, 1, h.recorder.calls.Load())
	assert.Equal(t, core.StatusSettled, h.status(t, pt.ID).Transaction.Status)
}

func TestSignRejections(t *testing.T) {
	h := newHarness(t, fastPipeline(), "org", "s1", "s2")
	h.multisig(t, "org", "s1", "s2")
	ctx := context.Background()
	pt := h.create(t, h.payment("org", "s1", 1), "s1")

	_, err := h.coord.SignTransaction(ctx, pt.ID, h.addr("s1"), h.sign(t, "s1", pt.Envelope))
	require.NoError(t, err)

	stranger, err := keypair.Random()
	require.NoError(t, err)
	res, err := h.coord.SignTransaction(ctx, pt.ID, stranger.Address(), []byte("sig"))
	assert.True(t, errors.Is(err, core.ErrUnknownSigner))
	assert.Equal(t, uint32(2), res.CurrentWeight)
	assert.Equal(t, uint32(3), res.RequiredWeight)
	e, ok := core.AsError(err)
	require.True(t, ok)
	assert.Equal(t, uint32(2), e.CurrentWeight)

	_, err = h.coord.SignTransaction(ctx, pt.ID, h.addr("s2"), h.sign(t, "s1", pt.Envelope))
	assert.True(t, errors.Is(err, core.ErrInvalidSignature))

	_, err = h.coord.SignTransaction(ctx, pt.ID, "not-a-key", nil)
	assert.True(t, errors.Is(err, core.ErrInvalidIdentity))

	_, err = h.coord.SignTransaction(ctx, "missing", h.addr("s2"), nil)
	assert.True(t, errors.Is(err, core.ErrNotFound))

	assert.Zero(t, h.ledger.submitCount())
}

func TestCreatePendingTransactionValidation(t *testing.T) {
	h := newHarness(t, fastPipeline(), "org", "s1")
	ctx := context.Background()

	_, err := h.coord.CreatePendingTransaction(ctx, "urgent", h.payment("org", "s1", 1), h.addr("org"))
	assert.True(t, errors.Is(err, core.ErrInvalidOperationClass))

	_, err = h.coord.CreatePendingTransaction(ctx, "low", core.OperationPayload{}, h.addr("org"))
	assert.True(t, errors.Is(err, core.ErrInvalidPayload))

	_, err = h.coord.CreatePendingTransaction(ctx, "low", h.payment("org", "s1", 1), "bogus")
	assert.True(t, errors.Is(err, core.ErrInvalidIdentity))

	stranger, err := keypair.Random()
	require.NoError(t, err)
	payload := core.OperationPayload{Operations: []core.Operation{core.Payment{Destination: h.addr("s1"), Amount: decimal.NewFromInt(1)}}}
	_, err = h.coord.CreatePendingTransaction(ctx, "low", payload, stranger.Address())
	assert.True(t, errors.Is(err, core.ErrNotFound))

	w := uint8(2)
	pt, err := h.coord.CreatePendingTransaction(ctx, "low", core.OperationPayload{Operations: []core.Operation{
		core.ChangeOptions{MasterWeight: &w},
	}}, h.addr("org"))
	require.NoError(t, err)
	assert.Equal(t, core.ClassHigh, pt.Class)
}

func TestSimulationFailureKeepsPending(t *testing.T) {
	h := newHarness(t, fastPipeline(), "school")
	ctx := context.Background()

	burn := core.OperationPayload{Operations: []core.Operation{core.BurnCredits{
		Account: h.addr("school"), Amount: decimal.NewFromInt(5),
	}}}
	pt := h.create(t, burn, "school")

	res, err := h.coord.SignTransaction(ctx, pt.ID, h.addr("school"), h.sign(t, "school", pt.Envelope))
	assert.True(t, errors.Is(err, core.ErrSimulationFailed), "got %v", err)
	assert.Contains(t, err.Error(), "Insufficient balance to burn")
	assert.Equal(t, core.StatusPending, res.Status)
	assert.Equal(t, core.StatusPending, h.status(t, pt.ID).Transaction.Status)
	assert.Zero(t, h.ledger.submitCount())
	assert.Zero(t, h.recorder.calls.Load())
}

func TestTransientFailuresThenSettle(t *testing.T) {
	h := newHarness(t, fastPipeline(), "org", "dest")
	h.ledger.failNext(errors.New("connection reset by peer"), errors.New("connection reset by peer"))
	ctx := context.Background()
	pt := h.create(t, h.payment("org", "dest", 1), "org")

	res, err := h.coord.SignTransaction(ctx, pt.ID, h.addr("org"), h.sign(t, "org", pt.Envelope))
	require.NoError(t, err)
	assert.Equal(t, core.StatusSettled, res.Status)

	report := h.status(t, pt.ID)
	assert.Equal(t, core.StatusSettled, report.Transaction.Status)
	require.Len(t, report.Attempts, 3)
	assert.Equal(t, core.AttemptRetryableFailure, report.Attempts[0].Outcome)
	assert.Equal(t, core.AttemptRetryableFailure, report.Attempts[1].Outcome)
	assert.Equal(t, core.AttemptSuccess, report.Attempts[2].Outcome)
	assert.Equal(t, 3, report.Attempts[2].AttemptNumber)
	assert.EqualValues(t, 1, h.recorder.calls.Load())
	assert.Equal(t, 3, h.ledger.submitCount())
}

func TestFatalFailureFailsImmediately(t *testing.T) {
	h := newHarness(t, fastPipeline(), "org", "dest")
	h.ledger.failNext(&ports.SubmitError{Code: ports.CodeInsufficientBalance, Message: "insufficient balance"})
	ctx := context.Background()
	pt := h.create(t, h.payment("org", "dest", 1), "org")

	res, err := h.coord.SignTransaction(ctx, pt.ID, h.addr("org"), h.sign(t, "org", pt.Envelope))
	assert.True(t, errors.Is(err, core.ErrSubmissionRejected), "got %v", err)
	assert.Equal(t, core.StatusFailed, res.Status)
	assert.Equal(t, 1, h.ledger.submitCount())

	report := h.status(t, pt.ID)
	assert.Equal(t, core.StatusFailed, report.Transaction.Status)
	assert.Contains(t, report.Transaction.FailureReason, "tx_insufficient_balance")
	require.Len(t, report.Attempts, 1)
	assert.Equal(t, core.AttemptFatalFailure, report.Attempts[0].Outcome)

	outcomes := h.recorder.Outcomes()
	require.Len(t, outcomes, 1)
	assert.Equal(t, core.StatusFailed, outcomes[0].Status)
}

func TestRetriesExhausted(t *testing.T) {
	h := newHarness(t, fastPipeline(), "org", "dest")
	bad := &ports.SubmitError{Code: ports.CodeBadSeq}
	h.ledger.failNext(bad, bad, bad, bad)
	ctx := context.Background()
	pt := h.create(t, h.payment("org", "dest", 1), "org")

	_, err := h.coord.SignTransaction(ctx, pt.ID, h.addr("org"), h.sign(t, "org", pt.Envelope))
	assert.True(t, errors.Is(err, core.ErrSubmissionExhausted), "got %v", err)
	e, ok := core.AsError(err)
	require.True(t, ok)
	assert.Equal(t, 3, e.Attempts)
	assert.Equal(t, 3, h.ledger.submitCount())
	assert.Equal(t, core.StatusFailed, h.status(t, pt.ID).Transaction.Status)
}

func TestConfirmationTimeoutStaysSubmitted(t *testing.T) {
	cfg := fastPipeline()
	cfg.ConfirmTimeout = 30 * cfg.PollInterval
	h := newHarness(t, cfg, "org", "dest")
	h.ledger.setNeverSettle(true)
	ctx := context.Background()
	pt := h.create(t, h.payment("org", "dest", 1), "org")

	res, err := h.coord.SignTransaction(ctx, pt.ID, h.addr("org"), h.sign(t, "org", pt.Envelope))
	assert.True(t, errors.Is(err, core.ErrConfirmationTimeout), "got %v", err)
	assert.True(t, core.OutcomeUnknown(err))
	assert.Equal(t, core.StatusSubmitted, res.Status)

	report := h.status(t, pt.ID)
	assert.Equal(t, core.StatusSubmitted, report.Transaction.Status)
	assert.NotEmpty(t, report.Transaction.LedgerHash)
	assert.Zero(t, h.recorder.calls.Load())

	h.ledger.setNeverSettle(false)
	report, err = h.coord.Reconcile(ctx, pt.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusSettled, report.Transaction.Status)
	assert.EqualValues(t, 1, h.recorder.calls.Load())

	// Reconciling a settled transaction again changes nothing.
	report, err = h.coord.Reconcile(ctx, pt.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusSettled, report.Transaction.Status)
	assert.Len(t, h.recorder.Outcomes(), 1)
	assert.Equal(t, 1, h.ledger.submitCount())
}

func TestReconcileRecordsAfterRecorderFailure(t *testing.T) {
	h := newHarness(t, fastPipeline(), "org", "dest")
	h.recorder.failures.Store(1)
	ctx := context.Background()
	pt := h.create(t, h.payment("org", "dest", 1), "org")

	_, err := h.coord.SignTransaction(ctx, pt.ID, h.addr("org"), h.sign(t, "org", pt.Envelope))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.Equal(t, core.StatusSettled, h.status(t, pt.ID).Transaction.Status)
	assert.Empty(t, h.recorder.Outcomes())

	report, err := h.coord.Reconcile(ctx, pt.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusSettled, report.Transaction.Status)
	outcomes := h.recorder.Outcomes()
	require.Len(t, outcomes, 1)
	assert.Equal(t, core.StatusSettled, outcomes[0].Status)
	assert.Equal(t, report.Transaction.LedgerHash, outcomes[0].LedgerHash)
	assert.Equal(t, 1, outcomes[0].Attempts)

	_, err = h.coord.Reconcile(ctx, pt.ID)
	require.NoError(t, err)
	assert.Len(t, h.recorder.Outcomes(), 1)
	assert.Equal(t, 1, h.ledger.submitCount())
}

func TestResignAfterSimulationFailureResubmits(t *testing.T) {
	h := newHarness(t, fastPipeline(), "org", "dest", "bank")
	ctx := context.Background()
	pt := h.create(t, h.payment("org", "dest", 1500), "org")
	sig := h.sign(t, "org", pt.Envelope)

	res, err := h.coord.SignTransaction(ctx, pt.ID, h.addr("org"), sig)
	assert.True(t, errors.Is(err, core.ErrSimulationFailed), "got %v", err)
	assert.Equal(t, core.StatusPending, res.Status)
	assert.Equal(t, res.RequiredWeight, res.CurrentWeight)
	assert.Zero(t, h.ledger.submitCount())

	h.submitDirect(t, "bank", h.payment("bank", "org", 1000))

	res, err = h.coord.SignTransaction(ctx, pt.ID, h.addr("org"), sig)
	require.NoError(t, err)
	assert.Equal(t, core.StatusSettled, res.Status)
	assert.Equal(t, 1, h.ledger.submitCount())
	assert.Len(t, h.status(t, pt.ID).Transaction.Approvals, 1)
	assert.Len(t, h.recorder.Outcomes(), 1)
}

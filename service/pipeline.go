package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/layer-3/edupass/clock"
	"github.com/layer-3/edupass/core"
	"github.com/layer-3/edupass/ports"
	"go.uber.org/zap"
)

const (
	defaultMaxRetries     = 3
	defaultSubmitBackoff  = 2000 * time.Millisecond
	defaultConfirmTimeout = 30 * time.Second
	defaultPollInterval   = time.Second

	totalIssuedKey = "total-issued"
)

// PipelineConfig tunes submission and confirmation.
type PipelineConfig struct {
	// MaxRetries bounds the total number of submission attempts.
	MaxRetries     int
	Backoff        time.Duration
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	Cache          CacheConfig
}

// Pipeline drives an approved envelope through simulate, submit, confirm
// and record. It also serves the cached ledger queries.
type Pipeline struct {
	ledger   ports.LedgerClient
	querier  ports.LedgerQuerier
	repo     ports.PendingRepository
	recorder ports.SettlementRecorder
	events   ports.EventPublisher

	balances    *Cache[map[string]int64]
	allocations *Cache[[]ports.Allocation]
	totals      *Cache[int64]

	cfg     PipelineConfig
	clock   *clock.Clock
	metrics *Metrics
	log     *zap.Logger
}

// NewPipeline creates a submission pipeline. querier and events may be nil.
func NewPipeline(
	ledger ports.LedgerClient,
	querier ports.LedgerQuerier,
	repo ports.PendingRepository,
	recorder ports.SettlementRecorder,
	events ports.EventPublisher,
	cfg PipelineConfig,
	clk *clock.Clock,
	metrics *Metrics,
	log *zap.Logger,
) *Pipeline {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultSubmitBackoff
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if clk == nil {
		clk = &clock.Clock{}
	}
	if metrics == nil {
		metrics = noopMetrics()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		ledger:      ledger,
		querier:     querier,
		repo:        repo,
		recorder:    recorder,
		events:      events,
		balances:    NewCache[map[string]int64](cfg.Cache, clk, metrics),
		allocations: NewCache[[]ports.Allocation](cfg.Cache, clk, metrics),
		totals:      NewCache[int64](cfg.Cache, clk, metrics),
		cfg:         cfg,
		clock:       clk,
		metrics:     metrics,
		log:         log,
	}
}

// Simulate dry-runs env and fails with SimulationFailed when the ledger
// would reject it.
func (p *Pipeline) Simulate(ctx context.Context, env string) error {
	res, err := p.ledger.Simulate(ctx, env)
	if err != nil {
		return core.Wrap(core.KindSimulationFailed, err, "simulation unavailable")
	}
	if !res.Success {
		return core.Errorf(core.KindSimulationFailed, "%s", res.Detail)
	}
	return nil
}

// SubmitWithRetry submits env with a fixed backoff between attempts and
// records one SubmissionAttempt per try. It returns the ledger hash and the
// number of attempts made.
func (p *Pipeline) SubmitWithRetry(ctx context.Context, pendingID, env string) (string, int, error) {
	attempt := 0
	fatal := false

	op := func() (string, error) {
		attempt++
		rec := core.SubmissionAttempt{
			PendingID:     pendingID,
			AttemptNumber: attempt,
			StartedAt:     p.clock.Now(),
		}

		hash, err := p.ledger.Submit(ctx, env)
		switch {
		case err == nil:
			rec.Outcome = core.AttemptSuccess
			rec.LedgerHash = hash
		case retryable(err):
			rec.Outcome = core.AttemptRetryableFailure
			rec.Detail = err.Error()
		default:
			rec.Outcome = core.AttemptFatalFailure
			rec.Detail = err.Error()
			fatal = true
		}

		p.metrics.submissions.WithLabelValues(string(rec.Outcome)).Inc()
		if aerr := p.repo.AppendAttempt(ctx, rec); aerr != nil {
			p.log.Error("failed to record submission attempt", zap.String("pending_id", pendingID), zap.Int("attempt", attempt), zap.Error(aerr))
		}
		p.log.Info("submission attempt",
			zap.String("pending_id", pendingID),
			zap.Int("attempt", attempt),
			zap.String("outcome", string(rec.Outcome)),
			zap.String("ledger_hash", hash),
		)

		if fatal {
			return "", backoff.Permanent(err)
		}
		return hash, err
	}

	hash, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(p.cfg.Backoff)),
		backoff.WithMaxTries(uint(p.cfg.MaxRetries)),
	)
	if err == nil {
		return hash, attempt, nil
	}

	var cerr *core.Error
	if fatal {
		cerr = core.Wrap(core.KindSubmissionRejected, err, "ledger rejected transaction")
	} else {
		cerr = core.Wrap(core.KindSubmissionExhausted, err, fmt.Sprintf("gave up after %d attempts", attempt))
	}
	cerr.Attempts = attempt
	return "", attempt, cerr
}

// retryable reports whether a submission failure may succeed on another
// attempt. Transport errors without a result code are retried.
func retryable(err error) bool {
	var se *ports.SubmitError
	if !errors.As(err, &se) {
		return true
	}
	switch se.Code {
	case ports.CodeBadSeq, ports.CodeTooLate, ports.CodeTimeout:
		return true
	}
	return false
}

// WaitForConfirmation polls the ledger until hash reaches a terminal status
// or the confirmation timeout elapses.
func (p *Pipeline) WaitForConfirmation(ctx context.Context, hash string) (core.Confirmation, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		conf, err := p.ledger.TransactionStatus(ctx, hash)
		switch {
		case errors.Is(err, ports.ErrTransactionNotFound):
		case err != nil:
			p.log.Debug("status poll failed", zap.String("ledger_hash", hash), zap.Error(err))
		case conf.Status == core.LedgerSuccess:
			p.metrics.confirmation.Observe(time.Since(start).Seconds())
			return conf, nil
		case conf.Status == core.LedgerFailure:
			p.metrics.confirmation.Observe(time.Since(start).Seconds())
			e := core.Errorf(core.KindSettlementFailed, "%s", conf.Reason)
			e.LedgerHash = hash
			return conf, e
		}

		select {
		case <-ctx.Done():
			e := core.Errorf(core.KindConfirmationTimeout, "%s not confirmed within %s", hash, p.cfg.ConfirmTimeout)
			e.LedgerHash = hash
			return core.Confirmation{}, e
		case <-ticker.C:
		}
	}
}

// Execute runs the whole pipeline for pt, which must already be in the
// submitted status, using the fully signed env.
func (p *Pipeline) Execute(ctx context.Context, pt *core.PendingTransaction, env string) error {
	err := p.execute(ctx, pt, env)
	p.metrics.pipelineResults.WithLabelValues(resultOf(err)).Inc()
	return err
}

func (p *Pipeline) execute(ctx context.Context, pt *core.PendingTransaction, env string) error {
	log := p.log.With(zap.String("pending_id", pt.ID))

	if err := p.Simulate(ctx, env); err != nil {
		log.Info("simulation failed", zap.Error(err))
		if terr := p.repo.Transition(ctx, pt.ID, core.StatusSubmitted, core.StatusPending, "", err.Error()); terr != nil {
			return fmt.Errorf("failed to reopen after simulation: %w", terr)
		}
		return asError(err).WithStatus(core.StatusPending)
	}

	hash, attempts, err := p.SubmitWithRetry(ctx, pt.ID, env)
	if err != nil {
		log.Warn("submission failed", zap.Int("attempts", attempts), zap.Error(err))
		if ferr := p.finish(ctx, pt, core.StatusFailed, "", err.Error(), attempts); ferr != nil {
			return ferr
		}
		return asError(err).WithStatus(core.StatusFailed)
	}

	if err := p.repo.Transition(ctx, pt.ID, core.StatusSubmitted, core.StatusSubmitted, hash, ""); err != nil {
		return fmt.Errorf("failed to store ledger hash: %w", err)
	}
	return p.confirm(ctx, pt, hash, attempts)
}

// Reconcile polls again for a transaction that stayed submitted after a
// confirmation timeout and records the outcome once it is terminal. For a
// transaction that is already settled or failed it records the outcome again,
// which the recorder ignores when it already has it.
func (p *Pipeline) Reconcile(ctx context.Context, pt *core.PendingTransaction) error {
	terminal := pt.Status.Terminal()
	if !terminal && (pt.Status != core.StatusSubmitted || pt.LedgerHash == "") {
		return core.Errorf(core.KindNotFound, "transaction %s is not awaiting confirmation", pt.ID).WithStatus(pt.Status)
	}
	attempts, err := p.repo.Attempts(ctx, pt.ID)
	if err != nil {
		return fmt.Errorf("failed to load attempts: %w", err)
	}
	if terminal {
		return p.record(ctx, pt, pt.Status, pt.LedgerHash, pt.FailureReason, len(attempts))
	}
	return p.confirm(ctx, pt, pt.LedgerHash, len(attempts))
}

func (p *Pipeline) confirm(ctx context.Context, pt *core.PendingTransaction, hash string, attempts int) error {
	_, err := p.WaitForConfirmation(ctx, hash)
	switch {
	case core.OutcomeUnknown(err):
		p.log.Warn("confirmation timed out", zap.String("pending_id", pt.ID), zap.String("ledger_hash", hash))
		e := asError(err).WithStatus(core.StatusSubmitted)
		e.Attempts = attempts
		return e
	case err != nil:
		if ferr := p.finish(ctx, pt, core.StatusFailed, hash, err.Error(), attempts); ferr != nil {
			return ferr
		}
		e := asError(err).WithStatus(core.StatusFailed)
		e.Attempts = attempts
		return e
	}
	return p.finish(ctx, pt, core.StatusSettled, hash, "", attempts)
}

// finish moves pt out of submitted and records the outcome. Only the caller
// that wins the transition records it; a failed record is repaired by
// Reconcile.
func (p *Pipeline) finish(ctx context.Context, pt *core.PendingTransaction, status core.TxStatus, hash, reason string, attempts int) error {
	err := p.repo.Transition(ctx, pt.ID, core.StatusSubmitted, status, hash, reason)
	if errors.Is(err, ports.ErrStatusConflict) {
		p.log.Info("outcome already finalized", zap.String("pending_id", pt.ID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to finalize %s: %w", pt.ID, err)
	}
	return p.record(ctx, pt, status, hash, reason, attempts)
}

// record stores the outcome of a finalized transaction. Effects and the
// settlement event happen on the first record only.
func (p *Pipeline) record(ctx context.Context, pt *core.PendingTransaction, status core.TxStatus, hash, reason string, attempts int) error {
	outcome := core.Outcome{
		PendingID:  pt.ID,
		Status:     status,
		LedgerHash: hash,
		Reason:     reason,
		Attempts:   attempts,
		Payload:    pt.Payload,
		RecordedAt: p.clock.Now(),
	}
	first, err := p.recorder.Record(ctx, outcome)
	if err != nil {
		return fmt.Errorf("failed to record outcome of %s: %w", pt.ID, err)
	}
	if status == core.StatusSettled {
		p.invalidate(pt.Payload)
	}
	if !first {
		return nil
	}

	p.log.Info("outcome recorded",
		zap.String("pending_id", pt.ID),
		zap.String("status", string(status)),
		zap.String("ledger_hash", hash),
	)
	if p.events != nil {
		if err := p.events.PublishSettlement(ctx, outcome); err != nil {
			p.log.Error("failed to publish settlement", zap.String("pending_id", pt.ID), zap.Error(err))
		}
	}
	return nil
}

func (p *Pipeline) invalidate(payload core.OperationPayload) {
	accounts := payload.Accounts()
	p.balances.Invalidate(accounts...)
	p.allocations.Invalidate(accounts...)
	for _, op := range payload.Operations {
		if _, ok := op.(core.IssueCredits); ok {
			p.totals.Invalidate(totalIssuedKey)
			return
		}
	}
}

// BalanceOf returns the cached balances of account.
func (p *Pipeline) BalanceOf(ctx context.Context, account string) (map[string]int64, error) {
	if err := p.queryable(account); err != nil {
		return nil, err
	}
	return p.balances.GetCached(ctx, account, func(ctx context.Context) (map[string]int64, error) {
		b, err := p.querier.BalanceOf(ctx, account)
		if errors.Is(err, ports.ErrAccountNotFound) {
			return nil, core.Wrap(core.KindNotFound, err, "no such account")
		}
		return b, err
	})
}

// AllocationsOf returns the cached credit issuances to beneficiary.
func (p *Pipeline) AllocationsOf(ctx context.Context, beneficiary string) ([]ports.Allocation, error) {
	if err := p.queryable(beneficiary); err != nil {
		return nil, err
	}
	return p.allocations.GetCached(ctx, beneficiary, func(ctx context.Context) ([]ports.Allocation, error) {
		return p.querier.AllocationsOf(ctx, beneficiary)
	})
}

// TotalIssued returns the cached total of issued credits.
func (p *Pipeline) TotalIssued(ctx context.Context) (int64, error) {
	if p.querier == nil {
		return 0, errors.New("ledger queries are not configured")
	}
	return p.totals.GetCached(ctx, totalIssuedKey, p.querier.TotalIssued)
}

func (p *Pipeline) queryable(account string) error {
	if p.querier == nil {
		return errors.New("ledger queries are not configured")
	}
	return core.ValidateIdentity(account)
}

func asError(err error) *core.Error {
	if e, ok := core.AsError(err); ok {
		return e
	}
	return &core.Error{Err: err}
}

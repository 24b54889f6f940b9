package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/edupass/clock"
	"github.com/layer-3/edupass/core"
	"github.com/layer-3/edupass/ports"
	"go.uber.org/zap"
)

const (
	defaultBaseFee   = 100
	defaultTxTimeout = time.Hour
)

// CoordinatorConfig sets how pending envelopes are built.
type CoordinatorConfig struct {
	BaseFee   uint32
	TxTimeout time.Duration
}

// SignResult reports the approval state after a signature was applied.
type SignResult struct {
	Status         core.TxStatus
	CurrentWeight  uint32
	RequiredWeight uint32
}

// StatusReport is the externally visible state of a pending transaction.
type StatusReport struct {
	Transaction *core.PendingTransaction
	Attempts    []core.SubmissionAttempt
}

// Coordinator collects approvals for pending transactions and hands each
// one to the pipeline once its weight reaches the threshold.
type Coordinator struct {
	ledger   ports.LedgerClient
	signers  ports.SignerRegistry
	repo     ports.PendingRepository
	pipeline *Pipeline
	locks    *keyedMutex

	cfg     CoordinatorConfig
	clock   *clock.Clock
	metrics *Metrics
	log     *zap.Logger
}

// NewCoordinator creates a threshold signature coordinator
func NewCoordinator(
	ledger ports.LedgerClient,
	signers ports.SignerRegistry,
	repo ports.PendingRepository,
	pipeline *Pipeline,
	cfg CoordinatorConfig,
	clk *clock.Clock,
	metrics *Metrics,
	log *zap.Logger,
) *Coordinator {
	if cfg.BaseFee == 0 {
		cfg.BaseFee = defaultBaseFee
	}
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = defaultTxTimeout
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
	return &Coordinator{
		ledger:   ledger,
		signers:  signers,
		repo:     repo,
		pipeline: pipeline,
		locks:    newKeyedMutex(),
		cfg:      cfg,
		clock:    clk,
		metrics:  metrics,
		log:      log,
	}
}

// CreatePendingTransaction builds the unsigned envelope for payload and
// stores it with no approvals. The authorizing account is the payload's
// source account, or creator when it has none.
func (c *Coordinator) CreatePendingTransaction(ctx context.Context, class string, payload core.OperationPayload, creator string) (*core.PendingTransaction, error) {
	opClass, err := core.ParseOperationClass(class)
	if err != nil {
		return nil, err
	}
	if err := core.ValidateIdentity(creator); err != nil {
		return nil, err
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	opClass = effectiveClass(opClass, payload)

	authorizing := payload.SourceAccount
	if authorizing == "" {
		authorizing = creator
	}
	acc, err := c.ledger.LoadAccount(ctx, authorizing)
	if errors.Is(err, ports.ErrAccountNotFound) {
		return nil, core.Wrap(core.KindNotFound, err, "authorizing account")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", authorizing, err)
	}

	now := c.clock.Now()
	env, err := c.ledger.BuildTransaction(ctx, acc, payload, ports.BuildParams{
		Fee:     c.cfg.BaseFee * uint32(len(payload.Operations)),
		MinTime: now,
		MaxTime: now.Add(c.cfg.TxTimeout),
	})
	if err != nil {
		return nil, core.Wrap(core.KindInvalidPayload, err, "build transaction")
	}

	pt := &core.PendingTransaction{
		ID:                 uuid.New().String(),
		Class:              opClass,
		Payload:            payload,
		AuthorizingAccount: authorizing,
		Envelope:           env,
		CreatedBy:          creator,
		CreatedAt:          now,
		UpdatedAt:          now,
		Status:             core.StatusPending,
	}
	if err := c.repo.Create(ctx, pt); err != nil {
		return nil, fmt.Errorf("failed to store pending transaction: %w", err)
	}

	c.log.Info("pending transaction created",
		zap.String("pending_id", pt.ID),
		zap.String("class", string(opClass)),
		zap.String("account", authorizing),
		zap.String("creator", creator),
	)
	return pt, nil
}

// effectiveClass raises class to the highest class any operation needs, so
// the collected weight is enough for the ledger to accept the envelope.
func effectiveClass(class core.OperationClass, payload core.OperationPayload) core.OperationClass {
	rank := map[core.OperationClass]int{core.ClassLow: 0, core.ClassMedium: 1, core.ClassHigh: 2}
	for _, op := range payload.Operations {
		if rank[op.Class()] > rank[class] {
			class = op.Class()
		}
	}
	return class
}

// SignTransaction applies one approval. When the accumulated weight reaches
// the required threshold the transaction is submitted exactly once and the
// pipeline runs before SignTransaction returns. Weights are reported with
// every result, errors included.
func (c *Coordinator) SignTransaction(ctx context.Context, id, signer string, signature []byte) (*SignResult, error) {
	unlock := c.locks.Lock(id)
	res, pt, env, err := c.applySignature(ctx, id, signer, signature)
	unlock()
	if err != nil || pt == nil {
		return res, err
	}

	// The request may go away while the ledger is still confirming.
	err = c.pipeline.Execute(context.WithoutCancel(ctx), pt, env)
	if err != nil {
		e := asError(err)
		if e.Status != "" {
			res.Status = e.Status
		}
		return res, e.WithWeights(res.CurrentWeight, res.RequiredWeight)
	}
	res.Status = core.StatusSettled
	return res, nil
}

// applySignature records the approval under the per-transaction lock. It
// returns the transaction and its fully signed envelope when this call moved
// it to submitted.
func (c *Coordinator) applySignature(ctx context.Context, id, signer string, signature []byte) (*SignResult, *core.PendingTransaction, string, error) {
	pt, err := c.get(ctx, id)
	if err != nil {
		return nil, nil, "", err
	}

	res := &SignResult{Status: pt.Status}
	if res.CurrentWeight, res.RequiredWeight, err = c.weights(ctx, pt); err != nil {
		return res, nil, "", err
	}
	fail := func(e *core.Error) (*SignResult, *core.PendingTransaction, string, error) {
		return res, nil, "", e.WithStatus(pt.Status).WithWeights(res.CurrentWeight, res.RequiredWeight)
	}

	if pt.Status != core.StatusPending {
		return fail(core.Errorf(core.KindNotFound, "transaction %s is %s, not pending", id, pt.Status))
	}
	if err := core.ValidateIdentity(signer); err != nil {
		e, _ := core.AsError(err)
		return fail(e)
	}
	// A repeated signer adds no weight, but it re-triggers submission of a
	// transaction that went back to pending after a failed simulation.
	if !pt.HasSigned(signer) {
		weight, err := c.signers.WeightOf(ctx, pt.AuthorizingAccount, signer)
		if err != nil {
			return res, nil, "", fmt.Errorf("failed to load signer weight: %w", err)
		}
		if weight == 0 {
			return fail(core.Errorf(core.KindUnknownSigner, "%s is not a signer of %s", signer, pt.AuthorizingAccount))
		}
		if _, err := c.ledger.AddSignature(pt.Envelope, signer, signature); err != nil {
			return fail(core.Wrap(core.KindInvalidSignature, err, "signature does not verify"))
		}

		approval := core.Approval{Signer: signer, Signature: signature, SignedAt: c.clock.Now()}
		if err := c.repo.AddApproval(ctx, id, approval); err != nil {
			return res, nil, "", fmt.Errorf("failed to store approval: %w", err)
		}
		pt.Approvals = append(pt.Approvals, approval)
		res.CurrentWeight += uint32(weight)
		c.metrics.signaturesApplied.Inc()

		c.log.Info("signature applied",
			zap.String("pending_id", id),
			zap.String("signer", signer),
			zap.Uint32("current_weight", res.CurrentWeight),
			zap.Uint32("required_weight", res.RequiredWeight),
		)
	}

	if res.CurrentWeight < res.RequiredWeight {
		return res, nil, "", nil
	}

	env, err := c.signedEnvelope(pt)
	if err != nil {
		return res, nil, "", err
	}
	err = c.repo.Transition(ctx, id, core.StatusPending, core.StatusSubmitted, "", "")
	if errors.Is(err, ports.ErrStatusConflict) {
		return res, nil, "", nil
	}
	if err != nil {
		return res, nil, "", fmt.Errorf("failed to mark submitted: %w", err)
	}
	pt.Status = core.StatusSubmitted
	res.Status = core.StatusSubmitted
	return res, pt, env, nil
}

// weights returns the approved weight and the weight the class requires.
func (c *Coordinator) weights(ctx context.Context, pt *core.PendingTransaction) (uint32, uint32, error) {
	thresholds, err := c.signers.ThresholdsOf(ctx, pt.AuthorizingAccount)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load thresholds: %w", err)
	}
	var current uint32
	for _, signer := range pt.Signers() {
		w, err := c.signers.WeightOf(ctx, pt.AuthorizingAccount, signer)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to load signer weight: %w", err)
		}
		current += uint32(w)
	}
	return current, thresholds.For(pt.Class), nil
}

func (c *Coordinator) signedEnvelope(pt *core.PendingTransaction) (string, error) {
	env := pt.Envelope
	for _, a := range pt.Approvals {
		var err error
		if env, err = c.ledger.AddSignature(env, a.Signer, a.Signature); err != nil {
			return "", fmt.Errorf("failed to attach signature of %s: %w", a.Signer, err)
		}
	}
	return env, nil
}

// Status returns the transaction with its submission attempts.
func (c *Coordinator) Status(ctx context.Context, id string) (*StatusReport, error) {
	pt, err := c.get(ctx, id)
	if err != nil {
		return nil, err
	}
	attempts, err := c.repo.Attempts(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load attempts: %w", err)
	}
	return &StatusReport{Transaction: pt, Attempts: attempts}, nil
}

// Reconcile polls the ledger again for a transaction left submitted by a
// confirmation timeout, or records the outcome of a finished one whose
// record failed.
func (c *Coordinator) Reconcile(ctx context.Context, id string) (*StatusReport, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	pt, err := c.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.pipeline.Reconcile(context.WithoutCancel(ctx), pt); err != nil {
		return nil, err
	}
	return c.Status(ctx, id)
}

func (c *Coordinator) get(ctx context.Context, id string) (*core.PendingTransaction, error) {
	pt, err := c.repo.Get(ctx, id)
	if errors.Is(err, ports.ErrPendingNotFound) {
		return nil, core.Wrap(core.KindNotFound, err, "pending transaction")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pending transaction: %w", err)
	}
	return pt, nil
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock locks key and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

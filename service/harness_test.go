package service

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/layer-3/edupass/adapters/ledger/memory"
	"github.com/layer-3/edupass/adapters/store"
	"github.com/layer-3/edupass/clock"
	"github.com/layer-3/edupass/core"
	"github.com/layer-3/edupass/ports"
	"github.com/shopspring/decimal"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	"github.com/stretchr/testify/require"
)

// scriptedLedger is a memory ledger whose submissions and status polls can
// be made to fail.
type scriptedLedger struct {
	*memory.Ledger

	mu          sync.Mutex
	submitErrs  []error
	submits     int
	neverSettle bool
}

func (s *scriptedLedger) Submit(ctx context.Context, env string) (string, error) {
	s.mu.Lock()
	s.submits++
	if len(s.submitErrs) > 0 {
		err := s.submitErrs[0]
		s.submitErrs = s.submitErrs[1:]
		s.mu.Unlock()
		return "", err
	}
	s.mu.Unlock()
	return s.Ledger.Submit(ctx, env)
}

func (s *scriptedLedger) TransactionStatus(ctx context.Context, hash string) (core.Confirmation, error) {
	s.mu.Lock()
	never := s.neverSettle
	s.mu.Unlock()
	if never {
		return core.Confirmation{}, ports.ErrTransactionNotFound
	}
	return s.Ledger.TransactionStatus(ctx, hash)
}

func (s *scriptedLedger) failNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitErrs = append(s.submitErrs, errs...)
}

func (s *scriptedLedger) setNeverSettle(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.neverSettle = v
}

func (s *scriptedLedger) submitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submits
}

// countingRecorder counts Record calls and fails the next failures of them.
type countingRecorder struct {
	*store.MemorySettlementRecorder
	calls    atomic.Int32
	failures atomic.Int32
}

func (r *countingRecorder) Record(ctx context.Context, o core.Outcome) (bool, error) {
	r.calls.Add(1)
	if r.failures.Add(-1) >= 0 {
		return false, errors.New("database is locked")
	}
	r.failures.Store(0)
	return r.MemorySettlementRecorder.Record(ctx, o)
}

type harness struct {
	clock    *clock.Clock
	ledger   *scriptedLedger
	keys     map[string]*keypair.Full
	repo     ports.PendingRepository
	recorder *countingRecorder
	pipeline *Pipeline
	coord    *Coordinator
}

func fastPipeline() PipelineConfig {
	return PipelineConfig{
		MaxRetries:     3,
		Backoff:        time.Millisecond,
		ConfirmTimeout: 200 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	}
}

func newHarness(t *testing.T, cfg PipelineConfig, names ...string) *harness {
	t.Helper()
	clk := &clock.Clock{}
	clk.Set(time.Unix(1_700_000_000, 0))

	h := &harness{
		clock:    clk,
		ledger:   &scriptedLedger{Ledger: memory.New(memory.Config{Passphrase: network.TestNetworkPassphrase, Clock: clk})},
		keys:     make(map[string]*keypair.Full),
		repo:     store.NewMemoryPendingRepository(),
		recorder: &countingRecorder{MemorySettlementRecorder: store.NewMemorySettlementRecorder()},
	}
	for _, name := range names {
		kp, err := keypair.Random()
		require.NoError(t, err)
		h.keys[name] = kp
		require.NoError(t, h.ledger.OpenAccount(kp.Address(), 1000_0000000))
	}

	h.pipeline = NewPipeline(h.ledger, h.ledger, h.repo, h.recorder, nil, cfg, clk, nil, nil)
	h.coord = NewCoordinator(h.ledger, h.ledger, h.repo, h.pipeline, CoordinatorConfig{}, clk, nil, nil)
	return h
}

func (h *harness) addr(name string) string {
	return h.keys[name].Address()
}

// multisig turns org into a medium=3 account co-controlled by the given
// signers, each with weight 2.
func (h *harness) multisig(t *testing.T, org string, signers ...string) {
	t.Helper()
	three := uint8(3)
	ops := make([]core.Operation, 0, len(signers)+1)
	for _, s := range signers {
		ops = append(ops, core.ChangeOptions{Signer: &core.SignerRecord{Identity: h.addr(s), Weight: 2}})
	}
	ops = append(ops, core.ChangeOptions{MediumThreshold: &three, HighThreshold: &three})
	h.submitDirect(t, org, core.OperationPayload{Operations: ops})
}

// submitDirect applies payload signed by name alone, bypassing the
// coordinator.
func (h *harness) submitDirect(t *testing.T, name string, payload core.OperationPayload) {
	t.Helper()
	ctx := context.Background()
	acc, err := h.ledger.LoadAccount(ctx, h.addr(name))
	require.NoError(t, err)
	env, err := h.ledger.BuildTransaction(ctx, acc, payload, ports.BuildParams{Fee: 100})
	require.NoError(t, err)
	env, err = h.ledger.AddSignature(env, h.addr(name), h.sign(t, name, env))
	require.NoError(t, err)
	_, err = h.ledger.Ledger.Submit(ctx, env)
	require.NoError(t, err)
}

// sign returns name's detached signature over env.
func (h *harness) sign(t *testing.T, name, env string) []byte {
	t.Helper()
	hexHash, err := h.ledger.Hash(env)
	require.NoError(t, err)
	hash, err := hex.DecodeString(hexHash)
	require.NoError(t, err)
	sig, err := h.keys[name].Sign(hash)
	require.NoError(t, err)
	return sig
}

func (h *harness) payment(from, to string, amount int64) core.OperationPayload {
	return core.OperationPayload{
		SourceAccount: h.addr(from),
		Operations: []core.Operation{core.Payment{
			Destination: h.addr(to),
			Amount:      decimal.NewFromInt(amount),
		}},
	}
}

func (h *harness) create(t *testing.T, payload core.OperationPayload, creator string) *core.PendingTransaction {
	t.Helper()
	pt, err := h.coord.CreatePendingTransaction(context.Background(), "medium", payload, h.addr(creator))
	require.NoError(t, err)
	return pt
}

func (h *harness) status(t *testing.T, id string) *StatusReport {
	t.Helper()
	report, err := h.coord.Status(context.Background(), id)
	require.NoError(t, err)
	return report
}

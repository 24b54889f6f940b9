// Package memory is an in-process ledger. It keeps accounts with sequence
// numbers, weighted signer sets, thresholds, asset balances and the credit
// book, and it applies submitted envelopes with the same result codes a
// network would report. Submitted transactions only become visible to
// status polls after a configurable number of polls.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/layer-3/edupass/clock"
	"github.com/layer-3/edupass/core"
	"github.com/layer-3/edupass/envelope"
	"github.com/layer-3/edupass/ports"
)

// Result codes specific to this ledger. The shared ones live in ports.
const (
	CodeTooEarly      = "tx_too_early"
	CodeNoAccount     = "tx_no_source_account"
	CodeNoDestination = "op_no_destination"
	CodeLineFull      = "op_line_full"
	CodeNoTrust       = "op_no_trust"
	CodeInvalidLimit  = "op_invalid_limit"
	CodeOpMalformed   = "op_malformed"
)

// Config tunes a Ledger.
type Config struct {
	Passphrase string
	// VisibleAfter is the number of status polls that report a submitted
	// transaction as not found before it becomes visible.
	VisibleAfter int
	Clock        *clock.Clock
}

type account struct {
	id           string
	seq          int64
	masterWeight uint8
	signers      map[string]uint8
	thresholds   core.ThresholdSet
	balances     map[string]int64 // asset key -> stroops
	limits       map[string]int64 // trustlines
	data         map[string][]byte
}

func (a *account) clone() *account {
	c := *a
	c.signers = copyMap(a.signers)
	c.balances = copyMap(a.balances)
	c.limits = copyMap(a.limits)
	c.data = copyMap(a.data)
	return &c
}

type txRecord struct {
	hash     string
	status   core.LedgerStatus
	ledger   uint32
	reason   *ports.SubmitError
	polls    int
	closedAt time.Time
}

// Ledger implements ports.LedgerClient, ports.SignerRegistry and
// ports.LedgerQuerier.
type Ledger struct {
	mu           sync.Mutex
	passphrase   string
	visibleAfter int
	clock        *clock.Clock

	accounts    map[string]*account
	credits     map[string]int64
	allocations map[string][]ports.Allocation
	totalIssued int64
	ledgerSeq   uint32
	txs         map[string]*txRecord
}

var (
	_ ports.LedgerClient   = (*Ledger)(nil)
	_ ports.SignerRegistry = (*Ledger)(nil)
	_ ports.LedgerQuerier  = (*Ledger)(nil)
)

// New returns an empty ledger.
func New(cfg Config) *Ledger {
	clk := cfg.Clock
	if clk == nil {
		clk = &clock.Clock{}
	}
	return &Ledger{
		passphrase:   cfg.Passphrase,
		visibleAfter: cfg.VisibleAfter,
		clock:        clk,
		accounts:     make(map[string]*account),
		credits:      make(map[string]int64),
		allocations:  make(map[string][]ports.Allocation),
		txs:          make(map[string]*txRecord),
		ledgerSeq:    1,
	}
}

// OpenAccount creates id with a master key of weight 1, zero thresholds and
// the given native balance. Opening an existing account is a no-op.
func (l *Ledger) OpenAccount(id string, native int64) error {
	if err := core.ValidateIdentity(id); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.accounts[id]; ok {
		return nil
	}
	l.accounts[id] = &account{
		id:           id,
		seq:          int64(l.ledgerSeq) << 32,
		masterWeight: 1,
		signers:      make(map[string]uint8),
		balances:     map[string]int64{nativeKey: native},
		limits:       make(map[string]int64),
		data:         make(map[string][]byte),
	}
	return nil
}

// NetworkPassphrase returns the passphrase all hashes are scoped to.
func (l *Ledger) NetworkPassphrase() string {
	return l.passphrase
}

// LoadAccount returns the current sequence, thresholds and signers of id.
func (l *Ledger) LoadAccount(ctx context.Context, id string) (*ports.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ports.ErrAccountNotFound)
	}
	out := &ports.Account{ID: id, Sequence: acc.seq, Thresholds: acc.thresholds}
	if acc.masterWeight > 0 {
		out.Signers = append(out.Signers, core.SignerRecord{Identity: id, Weight: acc.masterWeight})
	}
	keys := make([]string, 0, len(acc.signers))
	for k := range acc.signers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out.Signers = append(out.Signers, core.SignerRecord{Identity: k, Weight: acc.signers[k]})
	}
	return out, nil
}

// BuildTransaction returns the unsigned envelope for payload with the next
// sequence number of source.
func (l *Ledger) BuildTransaction(ctx context.Context, source *ports.Account, payload core.OperationPayload, params ports.BuildParams) (string, error) {
	ops, err := envelope.FromPayload(payload)
	if err != nil {
		return "", err
	}
	tx := envelope.Transaction{
		Source:     source.ID,
		Fee:        params.Fee,
		Sequence:   source.Sequence + 1,
		Operations: ops,
	}
	if !params.MinTime.IsZero() || !params.MaxTime.IsZero() {
		tb := &envelope.TimeBounds{}
		if !params.MinTime.IsZero() {
			tb.MinTime = params.MinTime.Unix()
		}
		if !params.MaxTime.IsZero() {
			tb.MaxTime = params.MaxTime.Unix()
		}
		tx.TimeBounds = tb
	}
	return envelope.Encode(&envelope.Envelope{Tx: tx})
}

// Hash returns the hex hash of the envelope's transaction.
func (l *Ledger) Hash(env string) (string, error) {
	e, err := envelope.Decode(env)
	if err != nil {
		return "", err
	}
	return e.Tx.HashHex(l.passphrase)
}

// AddSignature verifies signature by signer and attaches it.
func (l *Ledger) AddSignature(env, signer string, signature []byte) (string, error) {
	e, err := envelope.Decode(env)
	if err != nil {
		return "", err
	}
	if err := e.AddSignature(l.passphrase, signer, signature); err != nil {
		return "", err
	}
	return envelope.Encode(e)
}

// Simulate applies env to a scratch copy of the ledger.
func (l *Ledger) Simulate(ctx context.Context, env string) (core.SimulationResult, error) {
	e, err := envelope.Decode(env)
	if err != nil {
		return core.SimulationResult{Detail: fmt.Sprintf("%s: %v", ports.CodeMalformed, err)}, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.stage()
	hash, err := e.Tx.Hash(l.passphrase)
	if err != nil {
		return core.SimulationResult{}, err
	}
	if serr := st.validate(e, hash, l.clock.Now()); serr != nil {
		return core.SimulationResult{Detail: serr.Error()}, nil
	}
	st.chargeFee(e)
	if serr := st.apply(e); serr != nil {
		return core.SimulationResult{Detail: serr.Error()}, nil
	}
	return core.SimulationResult{Success: true, Fee: int64(e.Tx.Fee)}, nil
}

// Submit validates and applies env. Envelope-level failures leave the ledger
// untouched. Operation failures consume the sequence number and the fee, and
// the failed transaction is recorded under its hash.
func (l *Ledger) Submit(ctx context.Context, env string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e, err := envelope.Decode(env)
	if err != nil {
		return "", &ports.SubmitError{Code: ports.CodeMalformed, Message: err.Error()}
	}
	h, err := e.Tx.Hash(l.passphrase)
	if err != nil {
		return "", err
	}
	hash := fmt.Sprintf("%x", h)

	l.mu.Lock()
	defer l.mu.Unlock()

	if rec, ok := l.txs[hash]; ok {
		if rec.reason != nil {
			return "", rec.reason
		}
		return hash, nil
	}

	now := l.clock.Now()
	st := l.stage()
	if serr := st.validate(e, h, now); serr != nil {
		return "", serr
	}
	st.chargeFee(e)
	fees := l.stage()
	fees.chargeFee(e)

	l.ledgerSeq++
	rec := &txRecord{hash: hash, ledger: l.ledgerSeq, closedAt: now}
	l.txs[hash] = rec

	if serr := st.apply(e); serr != nil {
		fees.commit()
		rec.status = core.LedgerFailure
		rec.reason = serr
		return "", serr
	}
	st.commit()
	rec.status = core.LedgerSuccess
	return hash, nil
}

// TransactionStatus reports the outcome of a submitted transaction once it
// became visible.
func (l *Ledger) TransactionStatus(ctx context.Context, hash string) (core.Confirmation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.txs[hash]
	if !ok {
		return core.Confirmation{}, ports.ErrTransactionNotFound
	}
	rec.polls++
	if rec.polls <= l.visibleAfter {
		return core.Confirmation{}, ports.ErrTransactionNotFound
	}
	c := core.Confirmation{Hash: hash, Status: rec.status, Ledger: rec.ledger, ConfirmedAt: rec.closedAt}
	if rec.reason != nil {
		c.Reason = rec.reason.Error()
	}
	return c, nil
}

// WeightOf returns the weight of signer on account, 0 when absent.
func (l *Ledger) WeightOf(ctx context.Context, accountID, signer string) (uint8, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[accountID]
	if !ok {
		return 0, fmt.Errorf("%s: %w", accountID, ports.ErrAccountNotFound)
	}
	return acc.weightOf(signer), nil
}

// ThresholdsOf returns the thresholds of account.
func (l *Ledger) ThresholdsOf(ctx context.Context, accountID string) (core.ThresholdSet, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[accountID]
	if !ok {
		return core.ThresholdSet{}, fmt.Errorf("%s: %w", accountID, ports.ErrAccountNotFound)
	}
	return acc.thresholds, nil
}

// BalanceOf returns the asset balances of account plus its credits under
// the "credits" key.
func (l *Ledger) BalanceOf(ctx context.Context, accountID string) (map[string]int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := map[string]int64{creditsKey: l.credits[accountID]}
	acc, ok := l.accounts[accountID]
	if !ok {
		if out[creditsKey] == 0 {
			return nil, fmt.Errorf("%s: %w", accountID, ports.ErrAccountNotFound)
		}
		return out, nil
	}
	for k, v := range acc.balances {
		out[k] = v
	}
	return out, nil
}

// AllocationsOf returns the issuances to beneficiary, oldest first.
func (l *Ledger) AllocationsOf(ctx context.Context, beneficiary string) ([]ports.Allocation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ports.Allocation(nil), l.allocations[beneficiary]...), nil
}

// TotalIssued returns the credits issued so far. Burns do not reduce it.
func (l *Ledger) TotalIssued(ctx context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalIssued, nil
}

func (a *account) weightOf(signer string) uint8 {
	if signer == a.id {
		return a.masterWeight
	}
	return a.signers[signer]
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

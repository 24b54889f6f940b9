package memory

import (
	"fmt"
	"time"

	"github.com/layer-3/edupass/core"
	"github.com/layer-3/edupass/envelope"
	"github.com/layer-3/edupass/ports"
)

const (
	nativeKey  = "native"
	creditsKey = "credits"
)

// stage is a copy-on-write view of the ledger. Nothing is visible to the
// ledger until commit.
type stage struct {
	l           *Ledger
	accounts    map[string]*account
	credits     map[string]int64
	allocations map[string][]ports.Allocation
	totalIssued int64
	ledger      uint32
	closedAt    time.Time
}

// stage opens a view; callers hold l.mu.
func (l *Ledger) stage() *stage {
	return &stage{
		l:           l,
		accounts:    make(map[string]*account),
		credits:     make(map[string]int64),
		allocations: make(map[string][]ports.Allocation),
		totalIssued: l.totalIssued,
		ledger:      l.ledgerSeq + 1,
		closedAt:    l.clock.Now(),
	}
}

func (s *stage) account(id string) (*account, bool) {
	if acc, ok := s.accounts[id]; ok {
		return acc, true
	}
	acc, ok := s.l.accounts[id]
	if !ok {
		return nil, false
	}
	acc = acc.clone()
	s.accounts[id] = acc
	return acc, true
}

func (s *stage) creditOf(id string) int64 {
	if v, ok := s.credits[id]; ok {
		return v
	}
	return s.l.credits[id]
}

func (s *stage) commit() {
	for id, acc := range s.accounts {
		s.l.accounts[id] = acc
	}
	for id, v := range s.credits {
		s.l.credits[id] = v
	}
	for id, list := range s.allocations {
		s.l.allocations[id] = append(s.l.allocations[id], list...)
	}
	s.l.totalIssued = s.totalIssued
}

func fail(code, format string, args ...interface{}) *ports.SubmitError {
	return &ports.SubmitError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// validate runs the envelope-level checks: time bounds, source account,
// sequence, fee and signature weights.
func (s *stage) validate(e *envelope.Envelope, hash [32]byte, now time.Time) *ports.SubmitError {
	tx := e.Tx
	if tb := tx.TimeBounds; tb != nil {
		if now.Unix() < tb.MinTime {
			return fail(CodeTooEarly, "valid from %d", tb.MinTime)
		}
		if tb.MaxTime != 0 && now.Unix() > tb.MaxTime {
			return fail(ports.CodeTooLate, "valid until %d", tb.MaxTime)
		}
	}
	if len(tx.Operations) == 0 {
		return fail(ports.CodeMalformed, "no operations")
	}
	src, ok := s.account(tx.Source)
	if !ok {
		return fail(CodeNoAccount, "%s", tx.Source)
	}
	if tx.Sequence != src.seq+1 {
		return fail(ports.CodeBadSeq, "expected sequence %d, got %d", src.seq+1, tx.Sequence)
	}
	if src.balances[nativeKey] < int64(tx.Fee) {
		return fail(ports.CodeInsufficientBalance, "fee %d exceeds native balance", tx.Fee)
	}
	if w := signedWeight(src, e, hash); w < src.thresholds.For(core.ClassLow) {
		return fail(ports.CodeBadAuth, "signature weight %d below low threshold %d", w, src.thresholds.For(core.ClassLow))
	}
	for i, op := range tx.Operations {
		id := op.Source
		if id == "" {
			id = tx.Source
		}
		acc, ok := s.account(id)
		if !ok {
			return fail(ports.CodeBadAuth, "operation %d: source %s does not exist", i, id)
		}
		need := acc.thresholds.For(operationClass(op))
		if w := signedWeight(acc, e, hash); w < need {
			return fail(ports.CodeBadAuth, "operation %d: signature weight %d below threshold %d", i, w, need)
		}
	}
	return nil
}

func signedWeight(acc *account, e *envelope.Envelope, hash [32]byte) uint32 {
	var w uint32
	if acc.masterWeight > 0 && e.HasSignature(hash, acc.id) {
		w += uint32(acc.masterWeight)
	}
	for key, weight := range acc.signers {
		if e.HasSignature(hash, key) {
			w += uint32(weight)
		}
	}
	return w
}

func operationClass(op envelope.Operation) core.OperationClass {
	if op.Type == envelope.OpSetOptions {
		return core.ClassHigh
	}
	return core.ClassMedium
}

// chargeFee takes the fee and consumes the sequence number.
func (s *stage) chargeFee(e *envelope.Envelope) {
	src, ok := s.account(e.Tx.Source)
	if !ok {
		return
	}
	src.balances[nativeKey] -= int64(e.Tx.Fee)
	src.seq = e.Tx.Sequence
}

// apply runs every operation in order; the first failure aborts.
func (s *stage) apply(e *envelope.Envelope) *ports.SubmitError {
	for i, op := range e.Tx.Operations {
		src := op.Source
		if src == "" {
			src = e.Tx.Source
		}
		if err := s.applyOne(src, op); err != nil {
			err.Message = fmt.Sprintf("operation %d (%s): %s", i, op.Type, err.Message)
			return err
		}
	}
	return nil
}

func (s *stage) applyOne(srcID string, op envelope.Operation) *ports.SubmitError {
	src, ok := s.account(srcID)
	if !ok {
		return fail(CodeNoAccount, "%s", srcID)
	}
	switch op.Type {
	case envelope.OpManageData:
		if op.ManageData.Value == nil {
			delete(src.data, op.ManageData.Name)
		} else {
			src.data[op.ManageData.Name] = op.ManageData.Value
		}
	case envelope.OpPayment:
		return s.pay(src, op.Payment)
	case envelope.OpSetOptions:
		o := op.SetOptions
		if o.Signer != nil {
			if o.Signer.Weight == 0 {
				delete(src.signers, o.Signer.Key)
			} else {
				src.signers[o.Signer.Key] = o.Signer.Weight
			}
		}
		if o.MasterWeight != nil {
			src.masterWeight = *o.MasterWeight
		}
		if o.LowThreshold != nil {
			src.thresholds.Low = *o.LowThreshold
		}
		if o.MediumThreshold != nil {
			src.thresholds.Medium = *o.MediumThreshold
		}
		if o.HighThreshold != nil {
			src.thresholds.High = *o.HighThreshold
		}
	case envelope.OpChangeTrust:
		o := op.ChangeTrust
		if o.Asset.Code == "" || o.Asset.Issuer == src.id {
			return fail(CodeOpMalformed, "cannot trust %s", o.Asset.Key())
		}
		key := o.Asset.Key()
		bal := src.balances[key]
		if o.Limit == 0 {
			if bal != 0 {
				return fail(CodeInvalidLimit, "trustline still holds %d", bal)
			}
			delete(src.limits, key)
			delete(src.balances, key)
			return nil
		}
		if o.Limit < bal {
			return fail(CodeInvalidLimit, "limit %d below balance %d", o.Limit, bal)
		}
		src.limits[key] = o.Limit
	case envelope.OpIssueCredits:
		o := op.IssueCredits
		if o.Amount <= 0 {
			return fail(CodeOpMalformed, "Amount must be positive")
		}
		s.credits[o.Beneficiary] = s.creditOf(o.Beneficiary) + o.Amount
		s.totalIssued += o.Amount
		alloc := ports.Allocation{Issuer: src.id, Amount: o.Amount, Purpose: o.Purpose, LedgerSeq: s.ledger}
		if o.ExpiresAt > 0 {
			alloc.ExpiresAt = time.Unix(o.ExpiresAt, 0).UTC()
		}
		s.allocations[o.Beneficiary] = append(s.allocations[o.Beneficiary], alloc)
	case envelope.OpTransferCredits:
		o := op.TransferCredits
		if o.Amount <= 0 {
			return fail(CodeOpMalformed, "Amount must be positive")
		}
		bal := s.creditOf(src.id)
		if bal < o.Amount {
			return fail(ports.CodeInsufficientBalance, "Insufficient balance")
		}
		s.credits[src.id] = bal - o.Amount
		s.credits[o.To] = s.creditOf(o.To) + o.Amount
	case envelope.OpBurnCredits:
		o := op.BurnCredits
		if o.Amount <= 0 {
			return fail(CodeOpMalformed, "Amount must be positive")
		}
		bal := s.creditOf(src.id)
		if bal < o.Amount {
			return fail(ports.CodeInsufficientBalance, "Insufficient balance to burn")
		}
		s.credits[src.id] = bal - o.Amount
	default:
		return fail(CodeOpMalformed, "unsupported operation %s", op.Type)
	}
	return nil
}

func (s *stage) pay(src *account, p *envelope.Payment) *ports.SubmitError {
	if p.Amount <= 0 {
		return fail(CodeOpMalformed, "Amount must be positive")
	}
	dst, ok := s.account(p.Destination)
	if !ok {
		return fail(CodeNoDestination, "%s", p.Destination)
	}
	key := p.Asset.Key()
	native := p.Asset.Code == ""

	if native || src.id != p.Asset.Issuer {
		if src.balances[key] < p.Amount {
			return fail(ports.CodeUnderfunded, "balance %d below %d", src.balances[key], p.Amount)
		}
		src.balances[key] -= p.Amount
	}
	if !native && dst.id == p.Asset.Issuer {
		return nil
	}
	if !native {
		limit, trusted := dst.limits[key]
		if !trusted {
			return fail(CodeNoTrust, "%s does not trust %s", dst.id, key)
		}
		if dst.balances[key]+p.Amount > limit {
			return fail(CodeLineFull, "limit %d", limit)
		}
	}
	dst.balances[key] += p.Amount
	return nil
}

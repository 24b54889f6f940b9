package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/layer-3/edupass/core"
	"github.com/layer-3/edupass/ports"
)

// MemoryPendingRepository is an in-memory implementation of PendingRepository
type MemoryPendingRepository struct {
	mu       sync.RWMutex
	pending  map[string]*core.PendingTransaction
	attempts map[string][]core.SubmissionAttempt
}

// NewMemoryPendingRepository creates a new in-memory pending repository
func NewMemoryPendingRepository() ports.PendingRepository {
	return &MemoryPendingRepository{
		pending:  make(map[string]*core.PendingTransaction),
		attempts: make(map[string][]core.SubmissionAttempt),
	}
}

func (r *MemoryPendingRepository) Create(ctx context.Context, p *core.PendingTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pending[p.ID]; exists {
		return fmt.Errorf("pending transaction %s already exists", p.ID)
	}
	r.pending[p.ID] = clonePending(p)
	return nil
}

func (r *MemoryPendingRepository) Get(ctx context.Context, id string) (*core.PendingTransaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pending[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ports.ErrPendingNotFound)
	}
	return clonePending(p), nil
}

func (r *MemoryPendingRepository) AddApproval(ctx context.Context, id string, a core.Approval) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ports.ErrPendingNotFound)
	}
	if p.HasSigned(a.Signer) {
		return nil
	}
	p.Approvals = append(p.Approvals, a)
	p.UpdatedAt = a.SignedAt
	return nil
}

func (r *MemoryPendingRepository) Transition(ctx context.Context, id string, from, to core.TxStatus, ledgerHash, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ports.ErrPendingNotFound)
	}
	if p.Status != from {
		return fmt.Errorf("%s is %s, not %s: %w", id, p.Status, from, ports.ErrStatusConflict)
	}
	p.Status = to
	if ledgerHash != "" {
		p.LedgerHash = ledgerHash
	}
	p.FailureReason = reason
	p.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryPendingRepository) AppendAttempt(ctx context.Context, a core.SubmissionAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.attempts[a.PendingID] {
		if existing.AttemptNumber == a.AttemptNumber {
			return fmt.Errorf("attempt %d of %s already recorded", a.AttemptNumber, a.PendingID)
		}
	}
	r.attempts[a.PendingID] = append(r.attempts[a.PendingID], a)
	return nil
}

func (r *MemoryPendingRepository) Attempts(ctx context.Context, id string) ([]core.SubmissionAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]core.SubmissionAttempt(nil), r.attempts[id]...), nil
}

func clonePending(p *core.PendingTransaction) *core.PendingTransaction {
	c := *p
	c.Approvals = append([]core.Approval(nil), p.Approvals...)
	return &c
}

// MemoryProfileStore is an in-memory implementation of IdentityProfileStore
type MemoryProfileStore struct {
	mu       sync.RWMutex
	profiles map[string]core.Profile
}

// NewMemoryProfileStore creates a store holding profiles
func NewMemoryProfileStore(profiles ...core.Profile) ports.IdentityProfileStore {
	s := &MemoryProfileStore{profiles: make(map[string]core.Profile)}
	for _, p := range profiles {
		s.profiles[p.Identity] = p
	}
	return s
}

func (s *MemoryProfileStore) ProfileOf(ctx context.Context, identity string) (*core.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[identity]
	if !ok {
		return nil, fmt.Errorf("%s: %w", identity, ports.ErrProfileNotFound)
	}
	return &p, nil
}

func (s *MemoryProfileStore) PutProfile(ctx context.Context, p core.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.Identity] = p
	return nil
}

// MemorySettlementRecorder is an in-memory implementation of SettlementRecorder
type MemorySettlementRecorder struct {
	mu       sync.Mutex
	outcomes map[string]core.Outcome
	order    []string
}

// NewMemorySettlementRecorder creates an empty recorder
func NewMemorySettlementRecorder() *MemorySettlementRecorder {
	return &MemorySettlementRecorder{outcomes: make(map[string]core.Outcome)}
}

func (r *MemorySettlementRecorder) Record(ctx context.Context, o core.Outcome) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.outcomes[o.PendingID]; exists {
		return false, nil
	}
	r.outcomes[o.PendingID] = o
	r.order = append(r.order, o.PendingID)
	return true, nil
}

// Outcomes returns the recorded outcomes in recording order
func (r *MemorySettlementRecorder) Outcomes() []core.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.Outcome, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.outcomes[id])
	}
	return out
}

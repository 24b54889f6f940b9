package ports

import (
	"context"
	"errors"

	"github.com/layer-3/edupass/core"
)

var (
	// ErrPendingNotFound is returned for an unknown pending transaction id.
	ErrPendingNotFound = errors.New("pending transaction not found")

	// ErrProfileNotFound is returned when no local profile exists.
	ErrProfileNotFound = errors.New("profile not found")

	// ErrStatusConflict is returned when a status transition finds the
	// transaction in another state than expected.
	ErrStatusConflict = errors.New("status conflict")
)

// PendingRepository persists pending transactions, approvals and the
// submission audit trail
type PendingRepository interface {
	Create(ctx context.Context, tx *core.PendingTransaction) error
	Get(ctx context.Context, id string) (*core.PendingTransaction, error)
	AddApproval(ctx context.Context, id string, approval core.Approval) error
	// Transition moves id from status from to to. It fails with
	// ErrStatusConflict when the stored status is not from.
	Transition(ctx context.Context, id string, from, to core.TxStatus, ledgerHash, reason string) error
	AppendAttempt(ctx context.Context, attempt core.SubmissionAttempt) error
	Attempts(ctx context.Context, id string) ([]core.SubmissionAttempt, error)
}

// IdentityProfileStore looks up local profiles of ledger identities
type IdentityProfileStore interface {
	ProfileOf(ctx context.Context, identity string) (*core.Profile, error)
	PutProfile(ctx context.Context, profile core.Profile) error
}

// SettlementRecorder records final outcomes. Record is idempotent per
// pending transaction id: it reports false when the outcome was already
// recorded and applies no effects a second time.
type SettlementRecorder interface {
	Record(ctx context.Context, outcome core.Outcome) (bool, error)
}

package sqldb

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/layer-3/edupass/core"
	"github.com/layer-3/edupass/ports"
)

// PendingRepository handles pending transaction persistence.
type PendingRepository struct {
	db *sql.DB
}

func NewPendingRepository(db *sql.DB) ports.PendingRepository {
	return &PendingRepository{db: db}
}

// Create inserts a new pending transaction with its approvals.
func (r *PendingRepository) Create(ctx context.Context, p *core.PendingTransaction) error {
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	const q = `
		INSERT INTO pending_transactions
			(id, operation_class, payload, authorizing_account, envelope, created_by, status, ledger_hash, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	if _, err := tx.ExecContext(ctx, q,
		p.ID, string(p.Class), string(payload), p.AuthorizingAccount, p.Envelope, p.CreatedBy,
		string(p.Status), p.LedgerHash, p.FailureReason, millis(p.CreatedAt), millis(p.UpdatedAt),
	); err != nil {
		return fmt.Errorf("insert pending transaction: %w", err)
	}
	for _, a := range p.Approvals {
		if err := insertApproval(ctx, tx, p.ID, a); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Get returns a pending transaction with approvals in signing order.
func (r *PendingRepository) Get(ctx context.Context, id string) (*core.PendingTransaction, error) {
	const q = `
		SELECT id, operation_class, payload, authorizing_account, envelope, created_by, status, ledger_hash, failure_reason, created_at, updated_at
		FROM pending_transactions
		WHERE id = $1
	`
	var (
		p                    core.PendingTransaction
		class, status        string
		payload              string
		createdAt, updatedAt int64
	)
	err := r.db.QueryRowContext(ctx, q, id).Scan(
		&p.ID, &class, &payload, &p.AuthorizingAccount, &p.Envelope, &p.CreatedBy,
		&status, &p.LedgerHash, &p.FailureReason, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ports.ErrPendingNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan pending transaction: %w", err)
	}
	p.Class = core.OperationClass(class)
	p.Status = core.TxStatus(status)
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	if err := json.Unmarshal([]byte(payload), &p.Payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT signer, signature, signed_at
		FROM approvals
		WHERE pending_id = $1
		ORDER BY signed_at, signer
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			a        core.Approval
			sig      string
			signedAt int64
		)
		if err := rows.Scan(&a.Signer, &sig, &signedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		if a.Signature, err = hex.DecodeString(sig); err != nil {
			return nil, fmt.Errorf("decode approval signature: %w", err)
		}
		a.SignedAt = fromMillis(signedAt)
		p.Approvals = append(p.Approvals, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return &p, nil
}

// AddApproval records a signer's approval. A repeated signer is ignored.
func (r *PendingRepository) AddApproval(ctx context.Context, id string, a core.Approval) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE pending_transactions SET updated_at = $1 WHERE id = $2`, millis(a.SignedAt), id)
	if err != nil {
		return fmt.Errorf("touch pending transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", id, ports.ErrPendingNotFound)
	}
	if err := insertApproval(ctx, tx, id, a); err != nil {
		return err
	}
	return tx.Commit()
}

func insertApproval(ctx context.Context, tx *sql.Tx, id string, a core.Approval) error {
	const q = `
		INSERT INTO approvals (pending_id, signer, signature, signed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (pending_id, signer) DO NOTHING
	`
	if _, err := tx.ExecContext(ctx, q, id, a.Signer, hex.EncodeToString(a.Signature), millis(a.SignedAt)); err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

// Transition moves a pending transaction from one status to another. An
// empty ledgerHash keeps the stored one.
func (r *PendingRepository) Transition(ctx context.Context, id string, from, to core.TxStatus, ledgerHash, reason string) error {
	const q = `
		UPDATE pending_transactions
		SET status = $1, ledger_hash = COALESCE(NULLIF($2, ''), ledger_hash), failure_reason = $3, updated_at = $4
		WHERE id = $5 AND status = $6
	`
	res, err := r.db.ExecContext(ctx, q, string(to), ledgerHash, reason, millis(time.Now()), id, string(from))
	if err != nil {
		return fmt.Errorf("update pending transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var status string
	err = r.db.QueryRowContext(ctx, `SELECT status FROM pending_transactions WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", id, ports.ErrPendingNotFound)
	}
	if err != nil {
		return fmt.Errorf("scan status: %w", err)
	}
	return fmt.Errorf("%s is %s, not %s: %w", id, status, from, ports.ErrStatusConflict)
}

// AppendAttempt adds one submission attempt to the audit trail.
func (r *PendingRepository) AppendAttempt(ctx context.Context, a core.SubmissionAttempt) error {
	const q = `
		INSERT INTO submission_attempts (pending_id, attempt_number, started_at, outcome, ledger_hash, detail)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := r.db.ExecContext(ctx, q, a.PendingID, a.AttemptNumber, millis(a.StartedAt), string(a.Outcome), a.LedgerHash, a.Detail); err != nil {
		return fmt.Errorf("insert submission attempt: %w", err)
	}
	return nil
}

// Attempts returns the audit trail ordered by attempt number.
func (r *PendingRepository) Attempts(ctx context.Context, id string) ([]core.SubmissionAttempt, error) {
	const q = `
		SELECT pending_id, attempt_number, started_at, outcome, ledger_hash, detail
		FROM submission_attempts
		WHERE pending_id = $1
		ORDER BY attempt_number
	`
	rows, err := r.db.QueryContext(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("query submission attempts: %w", err)
	}
	defer rows.Close()

	var out []core.SubmissionAttempt
	for rows.Next() {
		var (
			a         core.SubmissionAttempt
			outcome   string
			startedAt int64
		)
		if err := rows.Scan(&a.PendingID, &a.AttemptNumber, &startedAt, &outcome, &a.LedgerHash, &a.Detail); err != nil {
			return nil, fmt.Errorf("scan submission attempt: %w", err)
		}
		a.Outcome = core.AttemptOutcome(outcome)
		a.StartedAt = fromMillis(startedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

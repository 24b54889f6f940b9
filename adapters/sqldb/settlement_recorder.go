package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/layer-3/edupass/core"
	"github.com/layer-3/edupass/ports"
)

// SettlementRecorder stores final outcomes and keeps a credit projection of
// settled credit operations. Both happen in one database transaction, keyed
// by pending transaction id.
type SettlementRecorder struct {
	db *sql.DB
}

func NewSettlementRecorder(db *sql.DB) *SettlementRecorder {
	return &SettlementRecorder{db: db}
}

var _ ports.SettlementRecorder = (*SettlementRecorder)(nil)

// Record stores outcome once. It reports false when an outcome for the same
// pending transaction was already recorded.
func (r *SettlementRecorder) Record(ctx context.Context, o core.Outcome) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	const q = `
		INSERT INTO settlements (pending_id, status, ledger_hash, reason, attempts, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (pending_id) DO NOTHING
	`
	res, err := tx.ExecContext(ctx, q, o.PendingID, string(o.Status), o.LedgerHash, o.Reason, o.Attempts, millis(o.RecordedAt))
	if err != nil {
		return false, fmt.Errorf("insert settlement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if o.Status == core.StatusSettled {
		if err := project(ctx, tx, o.Payload); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit settlement: %w", err)
	}
	return true, nil
}

func project(ctx context.Context, tx *sql.Tx, p core.OperationPayload) error {
	for _, op := range p.Operations {
		switch o := op.(type) {
		case core.IssueCredits:
			amount, err := core.ToStroops(o.Amount)
			if err != nil {
				return err
			}
			if err := addCredits(ctx, tx, o.Beneficiary, amount); err != nil {
				return err
			}
			if err := addIssued(ctx, tx, amount); err != nil {
				return err
			}
		case core.TransferCredits:
			amount, err := core.ToStroops(o.Amount)
			if err != nil {
				return err
			}
			if err := addCredits(ctx, tx, o.From, -amount); err != nil {
				return err
			}
			if err := addCredits(ctx, tx, o.To, amount); err != nil {
				return err
			}
		case core.BurnCredits:
			amount, err := core.ToStroops(o.Amount)
			if err != nil {
				return err
			}
			if err := addCredits(ctx, tx, o.Account, -amount); err != nil {
				return err
			}
		}
	}
	return nil
}

func addCredits(ctx context.Context, tx *sql.Tx, account string, delta int64) error {
	const q = `
		INSERT INTO credit_balances (account, balance)
		VALUES ($1, $2)
		ON CONFLICT (account) DO UPDATE SET balance = credit_balances.balance + excluded.balance
	`
	if _, err := tx.ExecContext(ctx, q, account, delta); err != nil {
		return fmt.Errorf("update credit balance: %w", err)
	}
	return nil
}

func addIssued(ctx context.Context, tx *sql.Tx, amount int64) error {
	const q = `
		INSERT INTO credit_totals (id, total_issued)
		VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET total_issued = credit_totals.total_issued + excluded.total_issued
	`
	if _, err := tx.ExecContext(ctx, q, amount); err != nil {
		return fmt.Errorf("update total issued: %w", err)
	}
	return nil
}

// Outcome returns the recorded outcome of a pending transaction.
func (r *SettlementRecorder) Outcome(ctx context.Context, pendingID string) (*core.Outcome, error) {
	const q = `
		SELECT pending_id, status, ledger_hash, reason, attempts, recorded_at
		FROM settlements
		WHERE pending_id = $1
	`
	var (
		o          core.Outcome
		status     string
		recordedAt int64
	)
	err := r.db.QueryRowContext(ctx, q, pendingID).Scan(&o.PendingID, &status, &o.LedgerHash, &o.Reason, &o.Attempts, &recordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", pendingID, ports.ErrPendingNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan settlement: %w", err)
	}
	o.Status = core.TxStatus(status)
	o.RecordedAt = fromMillis(recordedAt)
	return &o, nil
}

// CreditBalance returns the projected credit balance of account.
func (r *SettlementRecorder) CreditBalance(ctx context.Context, account string) (int64, error) {
	var v int64
	err := r.db.QueryRowContext(ctx, `SELECT balance FROM credit_balances WHERE account = $1`, account).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("scan credit balance: %w", err)
	}
	return v, nil
}

// TotalIssued returns the projected total of issued credits.
func (r *SettlementRecorder) TotalIssued(ctx context.Context) (int64, error) {
	var v int64
	err := r.db.QueryRowContext(ctx, `SELECT total_issued FROM credit_totals WHERE id = 1`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("scan total issued: %w", err)
	}
	return v, nil
}

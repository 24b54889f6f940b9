package ports

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/layer-3/edupass/core"
)

var (
	// ErrAccountNotFound is returned when the ledger has no such account.
	ErrAccountNotFound = errors.New("account not found")

	// ErrTransactionNotFound is returned while a submitted transaction is not
	// yet visible on the ledger.
	ErrTransactionNotFound = errors.New("transaction not found")
)

// Result codes reported by the ledger on submission.
const (
	CodeBadSeq              = "tx_bad_seq"
	CodeTooLate             = "tx_too_late"
	CodeTimeout             = "timeout"
	CodeInsufficientBalance = "tx_insufficient_balance"
	CodeUnderfunded         = "op_underfunded"
	CodeBadAuth             = "tx_bad_auth"
	CodeNotAuthorized       = "op_not_authorized"
	CodeMalformed           = "tx_malformed"
	CodeInsufficientFee     = "tx_insufficient_fee"
)

// SubmitError is a submission rejected by the ledger with a result code.
type SubmitError struct {
	Code    string
	Message string
}

func (e *SubmitError) Error() string {
	if e.Message == "" {
		return "ledger rejected transaction: " + e.Code
	}
	return fmt.Sprintf("ledger rejected transaction: %s: %s", e.Code, e.Message)
}

// Account is the ledger state needed to build and authorize a transaction.
type Account struct {
	ID         string
	Sequence   int64
	Thresholds core.ThresholdSet
	Signers    []core.SignerRecord
}

// BuildParams carries the envelope parameters chosen by the caller.
type BuildParams struct {
	Fee     uint32
	MinTime time.Time
	MaxTime time.Time
}

// LedgerClient wraps account loading, transaction construction, signing,
// simulation, submission and status polling against the ledger network.
// Envelopes are opaque strings to callers.
type LedgerClient interface {
	NetworkPassphrase() string
	LoadAccount(ctx context.Context, id string) (*Account, error)
	BuildTransaction(ctx context.Context, source *Account, payload core.OperationPayload, params BuildParams) (string, error)
	// Hash returns the hex hash signers sign.
	Hash(envelope string) (string, error)
	// AddSignature verifies a detached signature by signer and attaches it.
	AddSignature(envelope, signer string, signature []byte) (string, error)
	Simulate(ctx context.Context, envelope string) (core.SimulationResult, error)
	// Submit returns the ledger hash or a *SubmitError.
	Submit(ctx context.Context, envelope string) (string, error)
	// TransactionStatus returns ErrTransactionNotFound while the hash is not
	// yet visible.
	TransactionStatus(ctx context.Context, hash string) (core.Confirmation, error)
}

// SignerRegistry reports signer weights and thresholds of ledger accounts
type SignerRegistry interface {
	// WeightOf returns 0 when signer is not in the account's signer set.
	WeightOf(ctx context.Context, account, signer string) (uint8, error)
	ThresholdsOf(ctx context.Context, account string) (core.ThresholdSet, error)
}

// LedgerQuerier serves the read-only credit queries
type LedgerQuerier interface {
	BalanceOf(ctx context.Context, account string) (map[string]int64, error)
	AllocationsOf(ctx context.Context, beneficiary string) ([]Allocation, error)
	TotalIssued(ctx context.Context) (int64, error)
}

// Allocation is one issuance of credits to a beneficiary.
type Allocation struct {
	Issuer    string    `json:"issuer"`
	Amount    int64     `json:"amount"`
	Purpose   string    `json:"purpose"`
	ExpiresAt time.Time `json:"expires_at"`
	LedgerSeq uint32    `json:"ledger"`
}

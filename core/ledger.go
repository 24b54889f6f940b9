package core

import (
	"strings"
	"time"
)

// OperationClass selects which threshold of the authorizing account applies.
type OperationClass string

const (
	ClassLow    OperationClass = "low"
	ClassMedium OperationClass = "medium"
	ClassHigh   OperationClass = "high"
)

// ParseOperationClass validates s as an operation class.
func ParseOperationClass(s string) (OperationClass, error) {
	switch c := OperationClass(strings.ToLower(strings.TrimSpace(s))); c {
	case ClassLow, ClassMedium, ClassHigh:
		return c, nil
	}
	return "", Errorf(KindInvalidOperationClass, "operation class %q is not one of low, medium, high", s)
}

// ThresholdSet holds the weight required per operation class.
type ThresholdSet struct {
	Low    uint8
	Medium uint8
	High   uint8
}

// For returns the threshold for class c. A zero threshold still requires one
// signature, as on the ledger.
func (t ThresholdSet) For(c OperationClass) uint32 {
	var v uint8
	switch c {
	case ClassLow:
		v = t.Low
	case ClassMedium:
		v = t.Medium
	case ClassHigh:
		v = t.High
	}
	if v == 0 {
		return 1
	}
	return uint32(v)
}

// SignerRecord is one member of an account's signer set.
type SignerRecord struct {
	Identity string `json:"identity"`
	Weight   uint8  `json:"weight"`
}

// TxStatus is the lifecycle state of a pending transaction.
type TxStatus string

const (
	StatusPending   TxStatus = "pending"
	StatusSubmitted TxStatus = "submitted"
	StatusSettled   TxStatus = "settled"
	StatusFailed    TxStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s TxStatus) Terminal() bool {
	return s == StatusSettled || s == StatusFailed
}

// Approval is one recorded signature on a pending transaction.
type Approval struct {
	Signer    string
	Signature []byte
	SignedAt  time.Time
}

// PendingTransaction is a logical transaction collecting approvals.
type PendingTransaction struct {
	ID                 string
	Class              OperationClass
	Payload            OperationPayload
	AuthorizingAccount string
	Envelope           string // unsigned envelope as built by the ledger client
	CreatedBy          string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	Approvals          []Approval
	Status             TxStatus
	LedgerHash         string
	FailureReason      string
}

// HasSigned reports whether signer already approved the transaction.
func (p *PendingTransaction) HasSigned(signer string) bool {
	for _, a := range p.Approvals {
		if a.Signer == signer {
			return true
		}
	}
	return false
}

// Signers returns the distinct signer identities in approval order.
func (p *PendingTransaction) Signers() []string {
	out := make([]string, 0, len(p.Approvals))
	for _, a := range p.Approvals {
		out = append(out, a.Signer)
	}
	return out
}

// AttemptOutcome is the result of one submission attempt.
type AttemptOutcome string

const (
	AttemptSuccess          AttemptOutcome = "success"
	AttemptRetryableFailure AttemptOutcome = "retryableFailure"
	AttemptFatalFailure     AttemptOutcome = "fatalFailure"
)

// SubmissionAttempt is an append-only audit record of one submission.
type SubmissionAttempt struct {
	PendingID     string
	AttemptNumber int
	StartedAt     time.Time
	Outcome       AttemptOutcome
	LedgerHash    string
	Detail        string
}

// SimulationResult is the ledger's dry-run verdict.
type SimulationResult struct {
	Success bool
	Fee     int64
	Detail  string
}

// LedgerStatus is the network's view of a submitted transaction.
type LedgerStatus string

const (
	LedgerPending LedgerStatus = "pending"
	LedgerSuccess LedgerStatus = "success"
	LedgerFailure LedgerStatus = "failure"
)

// Confirmation is the terminal status observed while polling.
type Confirmation struct {
	Hash        string
	Status      LedgerStatus
	Ledger      uint32
	Reason      string
	ConfirmedAt time.Time
}

// Outcome is what gets recorded once a submission completes.
type Outcome struct {
	PendingID  string
	Status     TxStatus // settled or failed
	LedgerHash string
	Reason     string
	Attempts   int
	Payload    OperationPayload
	RecordedAt time.Time
}

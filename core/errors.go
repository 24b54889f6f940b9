package core

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure so callers can tell "try again" from "this
// cannot succeed" from "outcome unknown, check back".
type Kind string

const (
	KindInvalidIdentity        Kind = "InvalidIdentity"
	KindMalformedChallenge     Kind = "MalformedChallenge"
	KindChallengeExpired       Kind = "ChallengeExpired"
	KindChallengeReplayed      Kind = "ChallengeReplayed"
	KindMissingServerSignature Kind = "MissingServerSignature"
	KindMissingClientSignature Kind = "MissingClientSignature"
	KindUnknownIdentity        Kind = "UnknownIdentity"
	KindInvalidCredential      Kind = "InvalidCredential"
	KindUnknownSigner          Kind = "UnknownSigner"
	KindInvalidSignature       Kind = "InvalidSignature"
	KindInvalidOperationClass  Kind = "InvalidOperationClass"
	KindInvalidPayload         Kind = "InvalidPayload"
	KindNotFound               Kind = "NotFound"
	KindSimulationFailed       Kind = "SimulationFailed"
	KindSubmissionExhausted    Kind = "SubmissionExhausted"
	KindSubmissionRejected     Kind = "SubmissionRejected"
	KindConfirmationTimeout    Kind = "ConfirmationTimeout"
	KindSettlementFailed       Kind = "SettlementFailed"
)

var (
	ErrInvalidIdentity        = &Error{Kind: KindInvalidIdentity}
	ErrMalformedChallenge     = &Error{Kind: KindMalformedChallenge}
	ErrChallengeExpired       = &Error{Kind: KindChallengeExpired}
	ErrChallengeReplayed      = &Error{Kind: KindChallengeReplayed}
	ErrMissingServerSignature = &Error{Kind: KindMissingServerSignature}
	ErrMissingClientSignature = &Error{Kind: KindMissingClientSignature}
	ErrUnknownIdentity        = &Error{Kind: KindUnknownIdentity}
	ErrInvalidCredential      = &Error{Kind: KindInvalidCredential}
	ErrUnknownSigner          = &Error{Kind: KindUnknownSigner}
	ErrInvalidSignature       = &Error{Kind: KindInvalidSignature}
	ErrInvalidOperationClass  = &Error{Kind: KindInvalidOperationClass}
	ErrInvalidPayload         = &Error{Kind: KindInvalidPayload}
	ErrNotFound               = &Error{Kind: KindNotFound}
	ErrSimulationFailed       = &Error{Kind: KindSimulationFailed}
	ErrSubmissionExhausted    = &Error{Kind: KindSubmissionExhausted}
	ErrSubmissionRejected     = &Error{Kind: KindSubmissionRejected}
	ErrConfirmationTimeout    = &Error{Kind: KindConfirmationTimeout}
	ErrSettlementFailed       = &Error{Kind: KindSettlementFailed}
)

// Error is the domain error returned by the services. Two errors match under
// errors.Is when their kinds are equal, so the Err* values above work as
// sentinels while concrete errors carry context.
type Error struct {
	Kind Kind
	Msg  string
	Err  error

	// Context reported back to the caller. Zero values are omitted.
	Status         TxStatus
	CurrentWeight  uint32
	RequiredWeight uint32
	Attempts       int
	LedgerHash     string
}

// Errorf returns a new error of the given kind.
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns a new error of the given kind wrapping err.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	parts := make([]string, 0, 3)
	if e.Kind != "" {
		parts = append(parts, string(e.Kind))
	}
	if e.Msg != "" {
		parts = append(parts, e.Msg)
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// WithStatus sets the pending transaction status reported with the error.
func (e *Error) WithStatus(s TxStatus) *Error {
	e.Status = s
	return e
}

// WithWeights sets the current and required approval weights.
func (e *Error) WithWeights(current, required uint32) *Error {
	e.CurrentWeight = current
	e.RequiredWeight = required
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there
// is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// AsError returns the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// OutcomeUnknown reports whether the failure leaves the ledger outcome
// undetermined, i.e. the transaction may still settle later.
func OutcomeUnknown(err error) bool {
	return KindOf(err) == KindConfirmationTimeout
}

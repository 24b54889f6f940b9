package core

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// OperationType tags an operation variant.
type OperationType string

const (
	OpPayment         OperationType = "payment"
	OpChangeOptions   OperationType = "change_options"
	OpTrustlineChange OperationType = "change_trust"
	OpIssueCredits    OperationType = "issue_credits"
	OpTransferCredits OperationType = "transfer_credits"
	OpBurnCredits     OperationType = "burn_credits"
)

// MaxOperations bounds the operations carried by one transaction.
const MaxOperations = 100

// AmountPrecision is the number of decimal places the ledger keeps.
const AmountPrecision = 7

// Operation is the closed set of ledger operations a pending transaction may
// authorize. Only the types in this file implement it.
type Operation interface {
	Type() OperationType
	// Source is the operation-level source account; empty means the
	// transaction source.
	Source() string
	// Class is the ledger threshold class the operation is checked against.
	Class() OperationClass
	// Accounts lists the accounts whose balances the operation may change.
	Accounts() []string
	Validate() error
	isOperation()
}

// Asset identifies a classic asset. The zero value is the native asset.
type Asset struct {
	Code   string `json:"code,omitempty"`
	Issuer string `json:"issuer,omitempty"`
}

var assetCode = regexp.MustCompile(`^[a-zA-Z0-9]{1,12}$`)

// IsNative reports whether a is the native asset.
func (a Asset) IsNative() bool {
	return a.Code == ""
}

func (a Asset) String() string {
	if a.IsNative() {
		return "native"
	}
	return a.Code + ":" + a.Issuer
}

func (a Asset) validate() error {
	if a.IsNative() {
		if a.Issuer != "" {
			return Errorf(KindInvalidPayload, "native asset must not have an issuer")
		}
		return nil
	}
	if !assetCode.MatchString(a.Code) {
		return Errorf(KindInvalidPayload, "asset code %q is invalid", a.Code)
	}
	return validateAccount("asset issuer", a.Issuer)
}

// Payment moves an asset between accounts.
type Payment struct {
	SourceAccount string          `json:"source_account,omitempty"`
	Destination   string          `json:"destination"`
	Asset         Asset           `json:"asset"`
	Amount        decimal.Decimal `json:"amount"`
}

// ChangeOptions edits the signer set or the thresholds of the source account.
// A signer weight of zero removes the signer.
type ChangeOptions struct {
	SourceAccount   string        `json:"source_account,omitempty"`
	Signer          *SignerRecord `json:"signer,omitempty"`
	MasterWeight    *uint8        `json:"master_weight,omitempty"`
	LowThreshold    *uint8        `json:"low_threshold,omitempty"`
	MediumThreshold *uint8        `json:"medium_threshold,omitempty"`
	HighThreshold   *uint8        `json:"high_threshold,omitempty"`
}

// TrustlineChange creates, updates or (with a zero limit) removes a trustline.
type TrustlineChange struct {
	SourceAccount string          `json:"source_account,omitempty"`
	Asset         Asset           `json:"asset"`
	Limit         decimal.Decimal `json:"limit"`
}

// IssueCredits credits a beneficiary on behalf of an issuer.
type IssueCredits struct {
	Issuer      string          `json:"issuer"`
	Beneficiary string          `json:"beneficiary"`
	Amount      decimal.Decimal `json:"amount"`
	Purpose     string          `json:"purpose"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// TransferCredits moves credits, typically from a beneficiary to an institution.
type TransferCredits struct {
	From   string          `json:"from"`
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

// BurnCredits redeems credits held by an account.
type BurnCredits struct {
	Account string          `json:"account"`
	Amount  decimal.Decimal `json:"amount"`
}

func (Payment) Type() OperationType         { return OpPayment }
func (ChangeOptions) Type() OperationType   { return OpChangeOptions }
func (TrustlineChange) Type() OperationType { return OpTrustlineChange }
func (IssueCredits) Type() OperationType    { return OpIssueCredits }
func (TransferCredits) Type() OperationType { return OpTransferCredits }
func (BurnCredits) Type() OperationType     { return OpBurnCredits }

func (o Payment) Source() string         { return o.SourceAccount }
func (o ChangeOptions) Source() string   { return o.SourceAccount }
func (o TrustlineChange) Source() string { return o.SourceAccount }
func (o IssueCredits) Source() string    { return o.Issuer }
func (o TransferCredits) Source() string { return o.From }
func (o BurnCredits) Source() string     { return o.Account }

func (Payment) Class() OperationClass         { return ClassMedium }
func (TrustlineChange) Class() OperationClass { return ClassMedium }
func (IssueCredits) Class() OperationClass    { return ClassMedium }
func (TransferCredits) Class() OperationClass { return ClassMedium }
func (BurnCredits) Class() OperationClass     { return ClassMedium }

// Class is high whenever the signer set or thresholds change.
func (o ChangeOptions) Class() OperationClass {
	if o.Signer != nil || o.MasterWeight != nil || o.LowThreshold != nil || o.MediumThreshold != nil || o.HighThreshold != nil {
		return ClassHigh
	}
	return ClassMedium
}

func (o Payment) Accounts() []string         { return nonEmpty(o.SourceAccount, o.Destination) }
func (o ChangeOptions) Accounts() []string   { return nonEmpty(o.SourceAccount) }
func (o TrustlineChange) Accounts() []string { return nonEmpty(o.SourceAccount) }
func (o IssueCredits) Accounts() []string    { return nonEmpty(o.Issuer, o.Beneficiary) }
func (o TransferCredits) Accounts() []string { return nonEmpty(o.From, o.To) }
func (o BurnCredits) Accounts() []string     { return nonEmpty(o.Account) }

func (Payment) isOperation()         {}
func (ChangeOptions) isOperation()   {}
func (TrustlineChange) isOperation() {}
func (IssueCredits) isOperation()    {}
func (TransferCredits) isOperation() {}
func (BurnCredits) isOperation()     {}

func (o Payment) Validate() error {
	if err := validateOptionalAccount("source account", o.SourceAccount); err != nil {
		return err
	}
	if err := validateAccount("destination", o.Destination); err != nil {
		return err
	}
	if err := o.Asset.validate(); err != nil {
		return err
	}
	return validateAmount(o.Amount)
}

func (o ChangeOptions) Validate() error {
	if err := validateOptionalAccount("source account", o.SourceAccount); err != nil {
		return err
	}
	if o.Signer == nil && o.MasterWeight == nil && o.LowThreshold == nil && o.MediumThreshold == nil && o.HighThreshold == nil {
		return Errorf(KindInvalidPayload, "change_options changes nothing")
	}
	if o.Signer != nil {
		if err := validateAccount("signer", o.Signer.Identity); err != nil {
			return err
		}
	}
	return nil
}

func (o TrustlineChange) Validate() error {
	if err := validateOptionalAccount("source account", o.SourceAccount); err != nil {
		return err
	}
	if o.Asset.IsNative() {
		return Errorf(KindInvalidPayload, "trustline asset must not be native")
	}
	if err := o.Asset.validate(); err != nil {
		return err
	}
	if o.Limit.IsNegative() {
		return Errorf(KindInvalidPayload, "trustline limit must not be negative")
	}
	if !o.Limit.Equal(o.Limit.Truncate(AmountPrecision)) {
		return Errorf(KindInvalidPayload, "limit %s has more than %d decimal places", o.Limit, AmountPrecision)
	}
	return nil
}

func (o IssueCredits) Validate() error {
	if err := validateAccount("issuer", o.Issuer); err != nil {
		return err
	}
	if err := validateAccount("beneficiary", o.Beneficiary); err != nil {
		return err
	}
	return validateAmount(o.Amount)
}

func (o TransferCredits) Validate() error {
	if err := validateAccount("from", o.From); err != nil {
		return err
	}
	if err := validateAccount("to", o.To); err != nil {
		return err
	}
	return validateAmount(o.Amount)
}

func (o BurnCredits) Validate() error {
	if err := validateAccount("account", o.Account); err != nil {
		return err
	}
	return validateAmount(o.Amount)
}

// OperationPayload is the tagged description of what a pending transaction
// authorizes.
type OperationPayload struct {
	SourceAccount string
	Operations    []Operation
}

// Validate checks the payload and every operation in it.
func (p OperationPayload) Validate() error {
	if err := validateOptionalAccount("source account", p.SourceAccount); err != nil {
		return err
	}
	if len(p.Operations) == 0 {
		return Errorf(KindInvalidPayload, "payload has no operations")
	}
	if len(p.Operations) > MaxOperations {
		return Errorf(KindInvalidPayload, "payload has %d operations, at most %d allowed", len(p.Operations), MaxOperations)
	}
	for i, op := range p.Operations {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("operation %d (%s): %w", i, op.Type(), err)
		}
	}
	return nil
}

// Accounts returns the distinct accounts the payload may change.
func (p OperationPayload) Accounts() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(a string) {
		if _, ok := seen[a]; ok || a == "" {
			return
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	add(p.SourceAccount)
	for _, op := range p.Operations {
		for _, a := range op.Accounts() {
			add(a)
		}
	}
	return out
}

type payloadJSON struct {
	SourceAccount string            `json:"source_account,omitempty"`
	Operations    []json.RawMessage `json:"operations"`
}

func (p OperationPayload) MarshalJSON() ([]byte, error) {
	out := payloadJSON{SourceAccount: p.SourceAccount, Operations: make([]json.RawMessage, 0, len(p.Operations))}
	for _, op := range p.Operations {
		raw, err := MarshalOperation(op)
		if err != nil {
			return nil, err
		}
		out.Operations = append(out.Operations, raw)
	}
	return json.Marshal(out)
}

func (p *OperationPayload) UnmarshalJSON(data []byte) error {
	var in payloadJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return Wrap(KindInvalidPayload, err, "decode payload")
	}
	p.SourceAccount = in.SourceAccount
	p.Operations = make([]Operation, 0, len(in.Operations))
	for i, raw := range in.Operations {
		op, err := UnmarshalOperation(raw)
		if err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
		p.Operations = append(p.Operations, op)
	}
	return nil
}

// MarshalOperation encodes op with its "type" tag.
func MarshalOperation(op Operation) ([]byte, error) {
	type tag struct {
		Type OperationType `json:"type"`
	}
	switch o := op.(type) {
	case Payment:
		return json.Marshal(struct {
			tag
			Payment
		}{tag{o.Type()}, o})
	case ChangeOptions:
		return json.Marshal(struct {
			tag
			ChangeOptions
		}{tag{o.Type()}, o})
	case TrustlineChange:
		return json.Marshal(struct {
			tag
			TrustlineChange
		}{tag{o.Type()}, o})
	case IssueCredits:
		return json.Marshal(struct {
			tag
			IssueCredits
		}{tag{o.Type()}, o})
	case TransferCredits:
		return json.Marshal(struct {
			tag
			TransferCredits
		}{tag{o.Type()}, o})
	case BurnCredits:
		return json.Marshal(struct {
			tag
			BurnCredits
		}{tag{o.Type()}, o})
	}
	return nil, Errorf(KindInvalidPayload, "unsupported operation %T", op)
}

// UnmarshalOperation decodes a tagged operation.
func UnmarshalOperation(raw []byte) (Operation, error) {
	var t struct {
		Type OperationType `json:"type"`
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, Wrap(KindInvalidPayload, err, "decode operation type")
	}
	var (
		op  Operation
		err error
	)
	switch t.Type {
	case OpPayment:
		var o Payment
		err = json.Unmarshal(raw, &o)
		op = o
	case OpChangeOptions:
		var o ChangeOptions
		err = json.Unmarshal(raw, &o)
		op = o
	case OpTrustlineChange:
		var o TrustlineChange
		err = json.Unmarshal(raw, &o)
		op = o
	case OpIssueCredits:
		var o IssueCredits
		err = json.Unmarshal(raw, &o)
		op = o
	case OpTransferCredits:
		var o TransferCredits
		err = json.Unmarshal(raw, &o)
		op = o
	case OpBurnCredits:
		var o BurnCredits
		err = json.Unmarshal(raw, &o)
		op = o
	default:
		return nil, Errorf(KindInvalidPayload, "unknown operation type %q", t.Type)
	}
	if err != nil {
		return nil, Wrap(KindInvalidPayload, err, "decode "+string(t.Type))
	}
	return op, nil
}

// ToStroops converts an amount to the ledger's integer unit.
func ToStroops(amount decimal.Decimal) (int64, error) {
	if !amount.Equal(amount.Truncate(AmountPrecision)) {
		return 0, Errorf(KindInvalidPayload, "amount %s has more than %d decimal places", amount, AmountPrecision)
	}
	scaled := amount.Shift(AmountPrecision)
	if !scaled.IsInteger() || scaled.GreaterThan(decimal.NewFromInt(1<<62)) || scaled.LessThan(decimal.NewFromInt(-(1 << 62))) {
		return 0, Errorf(KindInvalidPayload, "amount %s is out of range", amount)
	}
	return scaled.IntPart(), nil
}

// FromStroops converts a ledger integer amount back to a decimal.
func FromStroops(v int64) decimal.Decimal {
	return decimal.New(v, -AmountPrecision)
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return Errorf(KindInvalidPayload, "amount must be positive")
	}
	_, err := ToStroops(amount)
	return err
}

func validateAccount(field, id string) error {
	if err := ValidateIdentity(id); err != nil {
		return Wrap(KindInvalidPayload, err, field)
	}
	return nil
}

func validateOptionalAccount(field, id string) error {
	if id == "" {
		return nil
	}
	return validateAccount(field, id)
}

func nonEmpty(ids ...string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

package envelope

import (
	"errors"
	"fmt"
)

// OperationType is the wire tag of an operation arm.
type OperationType uint8

const (
	OpManageData OperationType = iota + 1
	OpPayment
	OpSetOptions
	OpChangeTrust
	OpIssueCredits
	OpTransferCredits
	OpBurnCredits
)

func (t OperationType) String() string {
	switch t {
	case OpManageData:
		return "manage_data"
	case OpPayment:
		return "payment"
	case OpSetOptions:
		return "set_options"
	case OpChangeTrust:
		return "change_trust"
	case OpIssueCredits:
		return "issue_credits"
	case OpTransferCredits:
		return "transfer_credits"
	case OpBurnCredits:
		return "burn_credits"
	}
	return fmt.Sprintf("operation(%d)", uint8(t))
}

// Operation is a tagged union: exactly the arm selected by Type is set.
type Operation struct {
	Type   OperationType `cbor:"1,keyasint"`
	Source string        `cbor:"2,keyasint,omitempty"`

	ManageData      *ManageData      `cbor:"3,keyasint,omitempty"`
	Payment         *Payment         `cbor:"4,keyasint,omitempty"`
	SetOptions      *SetOptions      `cbor:"5,keyasint,omitempty"`
	ChangeTrust     *ChangeTrust     `cbor:"6,keyasint,omitempty"`
	IssueCredits    *IssueCredits    `cbor:"7,keyasint,omitempty"`
	TransferCredits *TransferCredits `cbor:"8,keyasint,omitempty"`
	BurnCredits     *BurnCredits     `cbor:"9,keyasint,omitempty"`
}

type ManageData struct {
	Name  string `cbor:"1,keyasint"`
	Value []byte `cbor:"2,keyasint,omitempty"`
}

type Asset struct {
	Code   string `cbor:"1,keyasint,omitempty"`
	Issuer string `cbor:"2,keyasint,omitempty"`
}

// Key returns the balance key of the asset.
func (a Asset) Key() string {
	if a.Code == "" {
		return "native"
	}
	return a.Code + ":" + a.Issuer
}

type Payment struct {
	Destination string `cbor:"1,keyasint"`
	Asset       Asset  `cbor:"2,keyasint"`
	Amount      int64  `cbor:"3,keyasint"`
}

type Signer struct {
	Key    string `cbor:"1,keyasint"`
	Weight uint8  `cbor:"2,keyasint"`
}

type SetOptions struct {
	Signer          *Signer `cbor:"1,keyasint,omitempty"`
	MasterWeight    *uint8  `cbor:"2,keyasint,omitempty"`
	LowThreshold    *uint8  `cbor:"3,keyasint,omitempty"`
	MediumThreshold *uint8  `cbor:"4,keyasint,omitempty"`
	HighThreshold   *uint8  `cbor:"5,keyasint,omitempty"`
}

type ChangeTrust struct {
	Asset Asset `cbor:"1,keyasint"`
	Limit int64 `cbor:"2,keyasint"`
}

type IssueCredits struct {
	Beneficiary string `cbor:"1,keyasint"`
	Amount      int64  `cbor:"2,keyasint"`
	Purpose     string `cbor:"3,keyasint,omitempty"`
	ExpiresAt   int64  `cbor:"4,keyasint,omitempty"`
}

type TransferCredits struct {
	To     string `cbor:"1,keyasint"`
	Amount int64  `cbor:"2,keyasint"`
}

type BurnCredits struct {
	Amount int64 `cbor:"1,keyasint"`
}

// check verifies that exactly the arm named by Type is present.
func (o Operation) check() error {
	arms := 0
	for _, set := range []bool{
		o.ManageData != nil, o.Payment != nil, o.SetOptions != nil, o.ChangeTrust != nil,
		o.IssueCredits != nil, o.TransferCredits != nil, o.BurnCredits != nil,
	} {
		if set {
			arms++
		}
	}
	if arms != 1 {
		return fmt.Errorf("%s: %d arms set", o.Type, arms)
	}
	var ok bool
	switch o.Type {
	case OpManageData:
		ok = o.ManageData != nil
	case OpPayment:
		ok = o.Payment != nil
	case OpSetOptions:
		ok = o.SetOptions != nil
	case OpChangeTrust:
		ok = o.ChangeTrust != nil
	case OpIssueCredits:
		ok = o.IssueCredits != nil
	case OpTransferCredits:
		ok = o.TransferCredits != nil
	case OpBurnCredits:
		ok = o.BurnCredits != nil
	default:
		return errors.New("unknown operation type")
	}
	if !ok {
		return fmt.Errorf("%s: arm does not match type", o.Type)
	}
	return nil
}

package envelope

import (
	"fmt"

	"github.com/layer-3/edupass/core"
)

// FromPayload converts validated domain operations to their wire form.
func FromPayload(p core.OperationPayload) ([]Operation, error) {
	ops := make([]Operation, 0, len(p.Operations))
	for i, op := range p.Operations {
		w, err := fromOperation(op)
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		ops = append(ops, w)
	}
	return ops, nil
}

func fromOperation(op core.Operation) (Operation, error) {
	switch o := op.(type) {
	case core.Payment:
		amount, err := core.ToStroops(o.Amount)
		if err != nil {
			return Operation{}, err
		}
		return Operation{Type: OpPayment, Source: o.SourceAccount, Payment: &Payment{
			Destination: o.Destination,
			Asset:       Asset{Code: o.Asset.Code, Issuer: o.Asset.Issuer},
			Amount:      amount,
		}}, nil
	case core.ChangeOptions:
		set := &SetOptions{
			MasterWeight:    o.MasterWeight,
			LowThreshold:    o.LowThreshold,
			MediumThreshold: o.MediumThreshold,
			HighThreshold:   o.HighThreshold,
		}
		if o.Signer != nil {
			set.Signer = &Signer{Key: o.Signer.Identity, Weight: o.Signer.Weight}
		}
		return Operation{Type: OpSetOptions, Source: o.SourceAccount, SetOptions: set}, nil
	case core.TrustlineChange:
		limit, err := core.ToStroops(o.Limit)
		if err != nil {
			return Operation{}, err
		}
		return Operation{Type: OpChangeTrust, Source: o.SourceAccount, ChangeTrust: &ChangeTrust{
			Asset: Asset{Code: o.Asset.Code, Issuer: o.Asset.Issuer},
			Limit: limit,
		}}, nil
	case core.IssueCredits:
		amount, err := core.ToStroops(o.Amount)
		if err != nil {
			return Operation{}, err
		}
		var expires int64
		if !o.ExpiresAt.IsZero() {
			expires = o.ExpiresAt.Unix()
		}
		return Operation{Type: OpIssueCredits, Source: o.Issuer, IssueCredits: &IssueCredits{
			Beneficiary: o.Beneficiary,
			Amount:      amount,
			Purpose:     o.Purpose,
			ExpiresAt:   expires,
		}}, nil
	case core.TransferCredits:
		amount, err := core.ToStroops(o.Amount)
		if err != nil {
			return Operation{}, err
		}
		return Operation{Type: OpTransferCredits, Source: o.From, TransferCredits: &TransferCredits{
			To:     o.To,
			Amount: amount,
		}}, nil
	case core.BurnCredits:
		amount, err := core.ToStroops(o.Amount)
		if err != nil {
			return Operation{}, err
		}
		return Operation{Type: OpBurnCredits, Source: o.Account, BurnCredits: &BurnCredits{Amount: amount}}, nil
	}
	return Operation{}, core.Errorf(core.KindInvalidPayload, "unsupported operation %T", op)
}

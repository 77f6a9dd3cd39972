package movement

import (
	"fmt"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-pe/internal/ledger"
	"github.com/odyssey-erp/odyssey-pe/internal/shared"
)

// SubmitInput is a movement intent as submitted by a requester.
type SubmitInput struct {
	Owner          ledger.Key
	Kind           ledger.Kind
	Quantity       ledger.Quantity
	Counterpart    string
	Remark         string
	RequestedBy    shared.Identity
	IdempotencyKey string
}

// Validate rejects malformed intents before anything is persisted.
func (in SubmitInput) Validate() error {
	if in.Owner.CompanyID <= 0 || strings.TrimSpace(in.Owner.CostCenter) == "" {
		return fmt.Errorf("movement: %w: company and cost center required", shared.ErrValidation)
	}
	if !in.Owner.Period.Valid() {
		return ledger.ErrInvalidPeriod
	}
	if !in.Kind.Valid() {
		return fmt.Errorf("%w: %q", ledger.ErrInvalidKind, in.Kind)
	}
	if in.RequestedBy.IsZero() {
		return ErrRequesterRequired
	}
	if !in.Quantity.IsPositive() {
		return ErrNonPositiveQuantity
	}
	counterpart := strings.TrimSpace(in.Counterpart)
	switch {
	case in.Kind.IsTransfer() && counterpart == "":
		return ErrCounterpartRequired
	case in.Kind.IsTransfer() && counterpart == in.Owner.CostCenter:
		return ErrCounterpartIsOwner
	case !in.Kind.IsTransfer() && counterpart != "":
		return ErrUnexpectedCounterpart
	}
	if in.Kind == ledger.KindAdditional && strings.TrimSpace(in.Remark) == "" {
		return ErrRemarkRequired
	}
	return nil
}

// NewRecord builds the record persisted for a validated intent.
func NewRecord(in SubmitInput, ledgerID int64, status Status, approver shared.Identity, now time.Time) Record {
	rec := Record{
		LedgerID:    ledgerID,
		Owner:       in.Owner,
		Kind:        in.Kind,
		Quantity:    in.Quantity,
		Remark:      strings.TrimSpace(in.Remark),
		Status:      status,
		RequestedBy: in.RequestedBy,
		RequestedAt: now,
	}
	if cp := strings.TrimSpace(in.Counterpart); cp != "" {
		rec.Counterpart = &cp
	}
	if status == StatusPending && !approver.IsZero() {
		rec.PendingApprover = &approver
	}
	return rec
}

package approval

import (
	"context"
	"fmt"

	"github.com/odyssey-erp/odyssey-pe/internal/access"
	"github.com/odyssey-erp/odyssey-pe/internal/ledger"
	"github.com/odyssey-erp/odyssey-pe/internal/shared"
)

// Requirement is the outcome of a policy check.
type Requirement struct {
	Required bool
	// Approver is the identity that must decide; empty when not required.
	Approver shared.Identity
	// CostCenter is the cost center whose approver decides.
	CostCenter string
}

// Policy decides whether a movement needs approval and who approves it.
type Policy interface {
	RequiresApproval(ctx context.Context, f access.Filter, kind ledger.Kind, owner ledger.Key, counterpart string) (Requirement, error)
}

// OwnershipPolicy is the default policy:
//
//	Additional        always, decided by the owner's approver
//	MoveIn / MoveOut  when the two cost centers have different approvers,
//	                  decided by the counterpart's approver
//	Cut               never
type OwnershipPolicy struct{}

// RequiresApproval implements Policy.
func (OwnershipPolicy) RequiresApproval(ctx context.Context, f access.Filter, kind ledger.Kind, owner ledger.Key, counterpart string) (Requirement, error) {
	switch kind {
	case ledger.KindAdditional:
		approver, err := f.ResolveApprover(ctx, owner.CompanyID, owner.CostCenter)
		if err != nil {
			return Requirement{}, err
		}
		return Requirement{Required: true, Approver: approver, CostCenter: owner.CostCenter}, nil
	case ledger.KindMoveIn, ledger.KindMoveOut:
		ownerApprover, err := f.ResolveApprover(ctx, owner.CompanyID, owner.CostCenter)
		if err != nil {
			return Requirement{}, err
		}
		counterApprover, err := f.ResolveApprover(ctx, owner.CompanyID, counterpart)
		if err != nil {
			return Requirement{}, err
		}
		if ownerApprover == counterApprover {
			return Requirement{}, nil
		}
		return Requirement{Required: true, Approver: counterApprover, CostCenter: counterpart}, nil
	case ledger.KindCut:
		return Requirement{}, nil
	}
	return Requirement{}, fmt.Errorf("%w: %q", ledger.ErrInvalidKind, kind)
}

// approvalCostCenter returns the cost center whose approver decides a
// pending movement of kind.
func approvalCostCenter(kind ledger.Kind, owner ledger.Key, counterpart *string) string {
	if kind.IsTransfer() && counterpart != nil {
		return *counterpart
	}
	return owner.CostCenter
}

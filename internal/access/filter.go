package access

import (
	"context"
	"fmt"

	"github.com/odyssey-erp/odyssey-pe/internal/ledger"
	"github.com/odyssey-erp/odyssey-pe/internal/shared"
)

// ErrUnknownCostCenter indicates a cost center missing from master data.
var ErrUnknownCostCenter = fmt.Errorf("access: %w: unknown cost center", shared.ErrNotFound)

// Filter answers who may act on which cost center and whether a period
// still accepts movements.
type Filter interface {
	ResolveApprover(ctx context.Context, companyID int64, costCenter string) (shared.Identity, error)
	IsAuthorized(ctx context.Context, id shared.Identity, companyID int64, costCenter string) (bool, error)
	PeriodOpen(ctx context.Context, companyID int64, period ledger.Period) (bool, error)
	Permissions(ctx context.Context, id shared.Identity) ([]string, error)
}

// Authorize returns shared.ErrUnauthorized unless id may act on the cost center.
func Authorize(ctx context.Context, f Filter, id shared.Identity, companyID int64, costCenter string) error {
	if id.IsZero() {
		return fmt.Errorf("access: %w: anonymous caller", shared.ErrUnauthorized)
	}
	ok, err := f.IsAuthorized(ctx, id, companyID, costCenter)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("access: %w: %s may not act on %d/%s", shared.ErrUnauthorized, id, companyID, costCenter)
	}
	return nil
}

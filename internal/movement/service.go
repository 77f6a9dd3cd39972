package movement

import (
	"context"
	"fmt"

	"github.com/odyssey-erp/odyssey-pe/internal/ledger"
	"github.com/odyssey-erp/odyssey-pe/internal/shared"
)

// Service answers movement queries. Writes go through the approval engine.
type Service struct {
	repo Repository
}

// NewService constructs the query service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Get returns a single movement.
func (s *Service) Get(ctx context.Context, id int64) (Record, error) {
	if id <= 0 {
		return Record{}, ErrNotFound
	}
	return s.repo.Get(ctx, id)
}

// ListByLedger returns the movements of a ledger entry, newest first.
func (s *Service) ListByLedger(ctx context.Context, key ledger.Key) ([]Record, error) {
	if key.CompanyID <= 0 || key.CostCenter == "" || !key.Period.Valid() {
		return nil, fmt.Errorf("movement: %w: complete ledger key required", shared.ErrValidation)
	}
	return s.repo.ListByLedger(ctx, key)
}

// ListPending returns Pending movements for approval inboxes.
func (s *Service) ListPending(ctx context.Context, filter Filter) ([]Record, error) {
	if filter.Period != nil && !filter.Period.Valid() {
		return nil, ledger.ErrInvalidPeriod
	}
	return s.repo.ListPending(ctx, filter)
}

package access

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/odyssey-pe/internal/ledger"
	"github.com/odyssey-erp/odyssey-pe/internal/platform/db"
	"github.com/odyssey-erp/odyssey-pe/internal/shared"
)

// Repository implements Filter over the portal's master data tables.
type Repository struct {
	db db.Querier
}

// NewRepository constructs the lookup repository.
func NewRepository(q db.Querier) *Repository {
	return &Repository{db: q}
}

// ResolveApprover returns the designated approver of an active cost center.
func (r *Repository) ResolveApprover(ctx context.Context, companyID int64, costCenter string) (shared.Identity, error) {
	var approver string
	err := r.db.QueryRow(ctx, `SELECT approver FROM pe_cost_centers WHERE company_id=$1 AND code=$2 AND active`,
		companyID, costCenter).Scan(&approver)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrUnknownCostCenter
		}
		return "", err
	}
	return shared.Identity(strings.TrimSpace(approver)), nil
}

// IsAuthorized reports whether id is a member or the approver of the cost center.
func (r *Repository) IsAuthorized(ctx context.Context, id shared.Identity, companyID int64, costCenter string) (bool, error) {
	if id.IsZero() {
		return false, nil
	}
	var ok bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (
	SELECT 1 FROM pe_cost_centers cc
	WHERE cc.company_id=$1 AND cc.code=$2 AND cc.active AND (
		cc.approver=$3
		OR EXISTS (SELECT 1 FROM pe_cost_center_members m
			WHERE m.company_id=cc.company_id AND m.cost_center=cc.code AND m.emp_code=$3)
	)
)`, companyID, costCenter, id.String()).Scan(&ok)
	return ok, err
}

// PeriodOpen reports whether the period accepts movements. Periods without a
// row have not been closed yet and count as open.
func (r *Repository) PeriodOpen(ctx context.Context, companyID int64, period ledger.Period) (bool, error) {
	var status string
	err := r.db.QueryRow(ctx, `SELECT status FROM pe_periods WHERE company_id=$1 AND period_year=$2 AND period_month=$3`,
		companyID, period.Year, period.Month).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return true, nil
		}
		return false, err
	}
	return shared.PeriodAcceptsMovements(status), nil
}

// Permissions lists the permissions granted to id.
func (r *Repository) Permissions(ctx context.Context, id shared.Identity) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT permission FROM pe_user_permissions WHERE emp_code=$1 ORDER BY permission`, id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/odyssey-pe/internal/platform/db"
	"github.com/odyssey-erp/odyssey-pe/internal/shared"
)

// Repository exposes ledger persistence.
type Repository interface {
	Get(ctx context.Context, key Key) (Entry, error)
	List(ctx context.Context, companyID int64, period Period) ([]Entry, error)
	ListKeys(ctx context.Context, companyID int64, period *Period) ([]Key, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes transactional ledger operations. Every read takes a
// row lock that is held until the surrounding transaction ends.
type TxRepository interface {
	GetOrCreateForUpdate(ctx context.Context, key Key) (Entry, error)
	LoadForUpdate(ctx context.Context, key Key) (Entry, error)
	Save(ctx context.Context, entry Entry) (Entry, error)
	RecordAudit(ctx context.Context, log shared.AuditLog) error
	AppliedTotals(ctx context.Context, key Key, includeCounterpart bool) (Totals, error)
}

// PGRepository implements Repository using pgx.
type PGRepository struct {
	pool  db.Pool
	audit *shared.AuditLogger
}

// NewRepository constructs a PGRepository.
func NewRepository(pool db.Pool, audit *shared.AuditLogger) *PGRepository {
	return &PGRepository{pool: pool, audit: audit}
}

type txRepo struct {
	tx    pgx.Tx
	audit *shared.AuditLogger
	now   func() time.Time
}

// NewTxRepository binds ledger operations to an open transaction so other
// modules can compose them into a single unit of work.
func NewTxRepository(tx pgx.Tx, audit *shared.AuditLogger) TxRepository {
	return &txRepo{tx: tx, audit: audit.WithTx(tx), now: time.Now}
}

// WithTx wraps callback in repeatable-read transaction.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx, r.audit))
	})
}

const entryColumns = `id, company_id, cost_center, period_year, period_month,
	b0_hc, b0_amount,
	move_in_hc, move_in_amount, move_out_hc, move_out_amount,
	add_hc, add_amount, cut_hc, cut_amount,
	acc_move_in_hc, acc_move_in_amount, acc_move_out_hc, acc_move_out_amount,
	acc_add_hc, acc_add_amount, acc_cut_hc, acc_cut_amount,
	b1_hc, b1_amount, actual_hc, actual_amount,
	diff_b0_hc, diff_b0_amount, diff_b1_hc, diff_b1_amount,
	active, version, created_at, updated_at`

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	err := row.Scan(
		&e.ID, &e.Key.CompanyID, &e.Key.CostCenter, &e.Key.Period.Year, &e.Key.Period.Month,
		&e.B0.Hc, &e.B0.Amount,
		&e.MoveIn.Hc, &e.MoveIn.Amount, &e.MoveOut.Hc, &e.MoveOut.Amount,
		&e.Add.Hc, &e.Add.Amount, &e.Cut.Hc, &e.Cut.Amount,
		&e.AccMoveIn.Hc, &e.AccMoveIn.Amount, &e.AccMoveOut.Hc, &e.AccMoveOut.Amount,
		&e.AccAdd.Hc, &e.AccAdd.Amount, &e.AccCut.Hc, &e.AccCut.Amount,
		&e.B1.Hc, &e.B1.Amount, &e.Actual.Hc, &e.Actual.Amount,
		&e.DiffFromB0.Hc, &e.DiffFromB0.Amount, &e.DiffFromB1.Hc, &e.DiffFromB1.Amount,
		&e.Active, &e.Version, &e.CreatedAt, &e.UpdatedAt,
	)
	return e, err
}

// Get returns the entry for key.
func (r *PGRepository) Get(ctx context.Context, key Key) (Entry, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM pe_ledger_entries
WHERE company_id=$1 AND cost_center=$2 AND period_year=$3 AND period_month=$4`,
		key.CompanyID, key.CostCenter, key.Period.Year, key.Period.Month)
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return entry, err
}

// List returns the entries of a company for a period ordered by cost center.
func (r *PGRepository) List(ctx context.Context, companyID int64, period Period) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+entryColumns+` FROM pe_ledger_entries
WHERE company_id=$1 AND period_year=$2 AND period_month=$3 ORDER BY cost_center`,
		companyID, period.Year, period.Month)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListKeys returns the keys of active entries, optionally narrowed by company and period.
func (r *PGRepository) ListKeys(ctx context.Context, companyID int64, period *Period) ([]Key, error) {
	query := `SELECT company_id, cost_center, period_year, period_month FROM pe_ledger_entries WHERE active`
	args := []any{}
	if companyID > 0 {
		args = append(args, companyID)
		query += fmt.Sprintf(` AND company_id=$%d`, len(args))
	}
	if period != nil {
		args = append(args, period.Year, period.Month)
		query += fmt.Sprintf(` AND period_year=$%d AND period_month=$%d`, len(args)-1, len(args))
	}
	query += ` ORDER BY company_id, cost_center, period_year, period_month`
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []Key
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.CompanyID, &k.CostCenter, &k.Period.Year, &k.Period.Month); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// GetOrCreateForUpdate inserts a zero-seeded entry when absent and returns
// the locked row.
func (t *txRepo) GetOrCreateForUpdate(ctx context.Context, key Key) (Entry, error) {
	seed := NewEntry(key, t.now())
	_, err := t.tx.Exec(ctx, `INSERT INTO pe_ledger_entries (company_id, cost_center, period_year, period_month, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5)
ON CONFLICT (company_id, cost_center, period_year, period_month) DO NOTHING`,
		key.CompanyID, key.CostCenter, key.Period.Year, key.Period.Month, seed.CreatedAt)
	if err != nil {
		return Entry{}, err
	}
	return t.LoadForUpdate(ctx, key)
}

// LoadForUpdate returns the entry and locks its row.
func (t *txRepo) LoadForUpdate(ctx context.Context, key Key) (Entry, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM pe_ledger_entries
WHERE company_id=$1 AND cost_center=$2 AND period_year=$3 AND period_month=$4 FOR UPDATE`,
		key.CompanyID, key.CostCenter, key.Period.Year, key.Period.Month)
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return entry, err
}

// Save writes the mutable figures back, guarded by the row version. The
// derived figures are recomputed here so nothing else can set them.
func (t *txRepo) Save(ctx context.Context, e Entry) (Entry, error) {
	Recompute(&e)
	e.UpdatedAt = t.now()
	tag, err := t.tx.Exec(ctx, `UPDATE pe_ledger_entries SET
	b0_hc=$1, b0_amount=$2,
	move_in_hc=$3, move_in_amount=$4, move_out_hc=$5, move_out_amount=$6,
	add_hc=$7, add_amount=$8, cut_hc=$9, cut_amount=$10,
	acc_move_in_hc=$11, acc_move_in_amount=$12, acc_move_out_hc=$13, acc_move_out_amount=$14,
	acc_add_hc=$15, acc_add_amount=$16, acc_cut_hc=$17, acc_cut_amount=$18,
	b1_hc=$19, b1_amount=$20, actual_hc=$21, actual_amount=$22,
	diff_b0_hc=$23, diff_b0_amount=$24, diff_b1_hc=$25, diff_b1_amount=$26,
	active=$27, version=version+1, updated_at=$28
WHERE id=$29 AND version=$30`,
		e.B0.Hc, e.B0.Amount,
		e.MoveIn.Hc, e.MoveIn.Amount, e.MoveOut.Hc, e.MoveOut.Amount,
		e.Add.Hc, e.Add.Amount, e.Cut.Hc, e.Cut.Amount,
		e.AccMoveIn.Hc, e.AccMoveIn.Amount, e.AccMoveOut.Hc, e.AccMoveOut.Amount,
		e.AccAdd.Hc, e.AccAdd.Amount, e.AccCut.Hc, e.AccCut.Amount,
		e.B1.Hc, e.B1.Amount, e.Actual.Hc, e.Actual.Amount,
		e.DiffFromB0.Hc, e.DiffFromB0.Amount, e.DiffFromB1.Hc, e.DiffFromB1.Amount,
		e.Active, e.UpdatedAt,
		e.ID, e.Version,
	)
	if err != nil {
		return Entry{}, err
	}
	if tag.RowsAffected() == 0 {
		return Entry{}, fmt.Errorf("%w: %s", ErrVersionConflict, e.Key)
	}
	e.Version++
	return e, nil
}

// RecordAudit writes an audit row inside the transaction.
func (t *txRepo) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	if t.audit == nil {
		return nil
	}
	return t.audit.Record(ctx, log)
}

// AppliedTotals sums the movements that have affected the entry: the owned
// ones and, when transfers are double-entry, the mirrored counterpart ones.
func (t *txRepo) AppliedTotals(ctx context.Context, key Key, includeCounterpart bool) (Totals, error) {
	var totals Totals
	owned := `SELECT kind, COALESCE(SUM(hc), 0)::BIGINT, COALESCE(SUM(amount), 0) FROM pe_movements
WHERE company_id=$1 AND cost_center=$2 AND period_year=$3 AND period_month=$4
AND status IN ('NOT_REQUIRED', 'APPROVED') GROUP BY kind`
	if err := t.sumInto(ctx, &totals, owned, false, key); err != nil {
		return Totals{}, err
	}
	if !includeCounterpart {
		return totals, nil
	}
	mirrored := `SELECT kind, COALESCE(SUM(hc), 0)::BIGINT, COALESCE(SUM(amount), 0) FROM pe_movements
WHERE company_id=$1 AND counterpart=$2 AND period_year=$3 AND period_month=$4
AND status IN ('NOT_REQUIRED', 'APPROVED') AND kind IN ('MOVE_IN', 'MOVE_OUT') GROUP BY kind`
	if err := t.sumInto(ctx, &totals, mirrored, true, key); err != nil {
		return Totals{}, err
	}
	return totals, nil
}

func (t *txRepo) sumInto(ctx context.Context, totals *Totals, query string, mirror bool, key Key) error {
	rows, err := t.tx.Query(ctx, query, key.CompanyID, key.CostCenter, key.Period.Year, key.Period.Month)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var qty Quantity
		if err := rows.Scan(&kind, &qty.Hc, &qty.Amount); err != nil {
			return err
		}
		k := Kind(kind)
		if mirror {
			k = k.Mirror()
		}
		totals.Book(k, qty)
	}
	return rows.Err()
}

package movement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-pe/internal/ledger"
	"github.com/odyssey-erp/odyssey-pe/internal/platform/db"
	"github.com/odyssey-erp/odyssey-pe/internal/shared"
)

// Repository exposes movement reads.
type Repository interface {
	Get(ctx context.Context, id int64) (Record, error)
	ListByLedger(ctx context.Context, key ledger.Key) ([]Record, error)
	ListPending(ctx context.Context, filter Filter) ([]Record, error)
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]Record, error)
}

// TxRepository exposes movement writes bound to a transaction.
type TxRepository interface {
	Insert(ctx context.Context, rec Record) (Record, error)
	LoadForUpdate(ctx context.Context, id int64) (Record, error)
	Decide(ctx context.Context, d Decision) error
	SetAttachment(ctx context.Context, id int64, ref string) error
}

// Filter narrows pending listings. Zero values mean "any".
type Filter struct {
	CompanyID  int64
	Period     *ledger.Period
	CostCenter string
	// Approver keeps movements the identity currently decides, resolved from
	// the approval cost center rather than the approver stored at submission.
	Approver shared.Identity
	// Viewer keeps movements the identity requested, decides, or is a member
	// or approver of on either side.
	Viewer shared.Identity
	Limit  int
	Offset     int
}

const defaultListLimit = 200

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

var recordColumns = []string{
	"id", "ledger_id", "company_id", "cost_center", "period_year", "period_month",
	"counterpart", "kind", "hc", "amount", "remark", "attachment_ref", "status",
	"pending_approver", "requested_by", "requested_at", "decided_by", "decided_at", "rejection_reason",
}

type recordRow struct {
	ID              int64           `db:"id"`
	LedgerID        int64           `db:"ledger_id"`
	CompanyID       int64           `db:"company_id"`
	CostCenter      string          `db:"cost_center"`
	PeriodYear      int             `db:"period_year"`
	PeriodMonth     int             `db:"period_month"`
	Counterpart     *string         `db:"counterpart"`
	Kind            string          `db:"kind"`
	Hc              int64           `db:"hc"`
	Amount          decimal.Decimal `db:"amount"`
	Remark          string          `db:"remark"`
	AttachmentRef   *string         `db:"attachment_ref"`
	Status          string          `db:"status"`
	PendingApprover *string         `db:"pending_approver"`
	RequestedBy     string          `db:"requested_by"`
	RequestedAt     time.Time       `db:"requested_at"`
	DecidedBy       *string         `db:"decided_by"`
	DecidedAt       *time.Time      `db:"decided_at"`
	RejectionReason *string         `db:"rejection_reason"`
}

func (r recordRow) record() Record {
	rec := Record{
		ID:              r.ID,
		LedgerID:        r.LedgerID,
		Owner:           ledger.Key{CompanyID: r.CompanyID, CostCenter: r.CostCenter, Period: ledger.Period{Year: r.PeriodYear, Month: r.PeriodMonth}},
		Counterpart:     r.Counterpart,
		Kind:            ledger.Kind(r.Kind),
		Quantity:        ledger.Quantity{Hc: r.Hc, Amount: r.Amount},
		Remark:          r.Remark,
		AttachmentRef:   r.AttachmentRef,
		Status:          Status(r.Status),
		RequestedBy:     shared.Identity(r.RequestedBy),
		RequestedAt:     r.RequestedAt,
		DecidedAt:       r.DecidedAt,
		RejectionReason: r.RejectionReason,
	}
	if r.PendingApprover != nil {
		id := shared.Identity(*r.PendingApprover)
		rec.PendingApprover = &id
	}
	if r.DecidedBy != nil {
		id := shared.Identity(*r.DecidedBy)
		rec.DecidedBy = &id
	}
	return rec
}

func identityPtr(id *shared.Identity) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

// PGRepository implements Repository on PostgreSQL.
type PGRepository struct {
	db db.Querier
}

// NewRepository constructs a PGRepository.
func NewRepository(q db.Querier) *PGRepository {
	return &PGRepository{db: q}
}

type txRepo struct {
	tx pgx.Tx
}

// NewTxRepository binds movement writes to tx.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepo{tx: tx}
}

func selectRecords() squirrel.SelectBuilder {
	return psql.Select(recordColumns...).From("pe_movements")
}

func (r *PGRepository) selectMany(ctx context.Context, q squirrel.SelectBuilder) ([]Record, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("movement: build query: %w", err)
	}
	var rows []recordRow
	if err := pgxscan.Select(ctx, r.db, &rows, sql, args...); err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.record())
	}
	return records, nil
}

func getOne(ctx context.Context, q pgxscan.Querier, b squirrel.SelectBuilder) (Record, error) {
	sql, args, err := b.ToSql()
	if err != nil {
		return Record{}, fmt.Errorf("movement: build query: %w", err)
	}
	var row recordRow
	if err := pgxscan.Get(ctx, q, &row, sql, args...); err != nil {
		if pgxscan.NotFound(err) || errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	return row.record(), nil
}

// Get returns the movement by id.
func (r *PGRepository) Get(ctx context.Context, id int64) (Record, error) {
	return getOne(ctx, r.db, selectRecords().Where(squirrel.Eq{"id": id}))
}

// ListByLedger returns the movements owned by key, newest first.
func (r *PGRepository) ListByLedger(ctx context.Context, key ledger.Key) ([]Record, error) {
	q := selectRecords().
		Where(squirrel.Eq{
			"company_id":   key.CompanyID,
			"cost_center":  key.CostCenter,
			"period_year":  key.Period.Year,
			"period_month": key.Period.Month,
		}).
		OrderBy("requested_at DESC", "id DESC")
	return r.selectMany(ctx, q)
}

// ListPending returns Pending movements matching filter, oldest first so
// approval inboxes work through the backlog in arrival order.
func (r *PGRepository) ListPending(ctx context.Context, filter Filter) ([]Record, error) {
	q := selectRecords().Where(squirrel.Eq{"status": string(StatusPending)})
	if filter.CompanyID > 0 {
		q = q.Where(squirrel.Eq{"company_id": filter.CompanyID})
	}
	if filter.Period != nil {
		q = q.Where(squirrel.Eq{"period_year": filter.Period.Year, "period_month": filter.Period.Month})
	}
	if filter.CostCenter != "" {
		q = q.Where(squirrel.Or{
			squirrel.Eq{"cost_center": filter.CostCenter},
			squirrel.Eq{"counterpart": filter.CostCenter},
		})
	}
	if !filter.Approver.IsZero() {
		q = q.Where(currentApproverIs(filter.Approver))
	}
	if !filter.Viewer.IsZero() {
		q = q.Where(visibleTo(filter.Viewer))
	}
	limit := filter.Limit
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}
	q = q.OrderBy("requested_at ASC", "id ASC").Limit(uint64(limit))
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}
	return r.selectMany(ctx, q)
}

// approvalCostCenterSQL picks the cost center whose approver decides the
// movement: the counterpart of a transfer, otherwise the owner.
const approvalCostCenterSQL = `CASE WHEN pe_movements.kind IN ('MOVE_IN', 'MOVE_OUT') AND pe_movements.counterpart IS NOT NULL
	THEN pe_movements.counterpart ELSE pe_movements.cost_center END`

func currentApproverIs(id shared.Identity) squirrel.Sqlizer {
	return squirrel.Expr(`EXISTS (SELECT 1 FROM pe_cost_centers cc
	WHERE cc.company_id = pe_movements.company_id AND cc.code = `+approvalCostCenterSQL+`
	AND cc.active AND cc.approver = ?)`, id.String())
}

func visibleTo(id shared.Identity) squirrel.Sqlizer {
	return squirrel.Or{
		squirrel.Eq{"pe_movements.requested_by": id.String()},
		squirrel.Eq{"pe_movements.pending_approver": id.String()},
		squirrel.Expr(`EXISTS (SELECT 1 FROM pe_cost_centers cc
	WHERE cc.company_id = pe_movements.company_id
	AND cc.code IN (pe_movements.cost_center, pe_movements.counterpart) AND cc.active
	AND (cc.approver = ? OR EXISTS (SELECT 1 FROM pe_cost_center_members m
		WHERE m.company_id = cc.company_id AND m.cost_center = cc.code AND m.emp_code = ?)))`, id.String(), id.String()),
	}
}

// ListStalePending returns Pending movements requested before the cutoff.
func (r *PGRepository) ListStalePending(ctx context.Context, before time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	q := selectRecords().
		Where(squirrel.Eq{"status": string(StatusPending)}).
		Where(squirrel.Lt{"requested_at": before}).
		OrderBy("requested_at ASC").
		Limit(uint64(limit))
	return r.selectMany(ctx, q)
}

// Insert persists a new movement and returns it with its id.
func (t *txRepo) Insert(ctx context.Context, rec Record) (Record, error) {
	sql, args, err := psql.Insert("pe_movements").
		Columns("ledger_id", "company_id", "cost_center", "period_year", "period_month",
			"counterpart", "kind", "hc", "amount", "remark", "attachment_ref", "status",
			"pending_approver", "requested_by", "requested_at").
		Values(rec.LedgerID, rec.Owner.CompanyID, rec.Owner.CostCenter, rec.Owner.Period.Year, rec.Owner.Period.Month,
			rec.Counterpart, string(rec.Kind), rec.Quantity.Hc, rec.Quantity.Amount, rec.Remark, rec.AttachmentRef, string(rec.Status),
			identityPtr(rec.PendingApprover), rec.RequestedBy.String(), rec.RequestedAt).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return Record{}, fmt.Errorf("movement: build insert: %w", err)
	}
	if err := t.tx.QueryRow(ctx, sql, args...).Scan(&rec.ID); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// LoadForUpdate returns the movement and locks its row.
func (t *txRepo) LoadForUpdate(ctx context.Context, id int64) (Record, error) {
	return getOne(ctx, t.tx, selectRecords().Where(squirrel.Eq{"id": id}).Suffix("FOR UPDATE"))
}

// Decide writes the decision fields. Only a Pending row is updated, so a
// decision that lost a race reports ErrNotPending instead of overwriting.
func (t *txRepo) Decide(ctx context.Context, d Decision) error {
	if err := d.Validate(); err != nil {
		return err
	}
	var reason *string
	if d.RejectionReason != "" {
		reason = &d.RejectionReason
	}
	sql, args, err := psql.Update("pe_movements").
		Set("status", string(d.Status)).
		Set("decided_by", d.DecidedBy.String()).
		Set("decided_at", d.DecidedAt).
		Set("rejection_reason", reason).
		Where(squirrel.Eq{"id": d.ID, "status": string(StatusPending)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("movement: build decide: %w", err)
	}
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotPending
	}
	return nil
}

// SetAttachment links an uploaded attachment to the movement.
func (t *txRepo) SetAttachment(ctx context.Context, id int64, ref string) error {
	sql, args, err := psql.Update("pe_movements").
		Set("attachment_ref", ref).
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("movement: build attachment update: %w", err)
	}
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-pe/internal/platform/db"
	"github.com/odyssey-erp/odyssey-pe/internal/shared"
)

// Repository persists notification inbox rows.
type Repository interface {
	Insert(ctx context.Context, n Notification) error
	UpsertPending(ctx context.Context, n Notification) (Notification, bool, error)
	ListByRecipient(ctx context.Context, recipient shared.Identity, unreadOnly bool, limit int) ([]Notification, error)
	MarkRead(ctx context.Context, id uuid.UUID, recipient shared.Identity) error
	ResolveByMovement(ctx context.Context, movementID int64, at time.Time) ([]Notification, error)
}

// PGRepository implements Repository on PostgreSQL.
type PGRepository struct {
	db db.Querier
}

// NewRepository constructs a PGRepository.
func NewRepository(q db.Querier) *PGRepository {
	return &PGRepository{db: q}
}

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

var columns = []string{"id", "movement_id", "recipient", "kind", "summary", "attachment_ref", "read", "resolved_at", "created_at"}

type row struct {
	ID            uuid.UUID  `db:"id"`
	MovementID    int64      `db:"movement_id"`
	Recipient     string     `db:"recipient"`
	Kind          string     `db:"kind"`
	Summary       string     `db:"summary"`
	AttachmentRef *string    `db:"attachment_ref"`
	Read          bool       `db:"read"`
	ResolvedAt    *time.Time `db:"resolved_at"`
	CreatedAt     time.Time  `db:"created_at"`
}

func (r row) notification() Notification {
	return Notification{
		ID:            r.ID,
		MovementID:    r.MovementID,
		Recipient:     shared.Identity(r.Recipient),
		Kind:          Kind(r.Kind),
		Summary:       r.Summary,
		AttachmentRef: r.AttachmentRef,
		Read:          r.Read,
		ResolvedAt:    r.ResolvedAt,
		CreatedAt:     r.CreatedAt,
	}
}

// Insert stores a new notification.
func (r *PGRepository) Insert(ctx context.Context, n Notification) error {
	sql, args, err := psql.Insert("notifications").
		Columns(columns...).
		Values(n.ID, n.MovementID, n.Recipient.String(), string(n.Kind), n.Summary, n.AttachmentRef, n.Read, n.ResolvedAt, n.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("notify: build insert: %w", err)
	}
	_, err = r.db.Exec(ctx, sql, args...)
	return err
}

// ListByRecipient returns the newest notifications of recipient.
func (r *PGRepository) ListByRecipient(ctx context.Context, recipient shared.Identity, unreadOnly bool, limit int) ([]Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := psql.Select(columns...).From("notifications").
		Where(squirrel.Eq{"recipient": recipient.String()})
	if unreadOnly {
		q = q.Where(squirrel.Eq{"read": false})
	}
	sql, args, err := q.OrderBy("created_at DESC").Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("notify: build list: %w", err)
	}
	var rows []row
	if err := pgxscan.Select(ctx, r.db, &rows, sql, args...); err != nil {
		return nil, err
	}
	out := make([]Notification, 0, len(rows))
	for _, rw := range rows {
		out = append(out, rw.notification())
	}
	return out, nil
}

// MarkRead flags a notification of recipient as read.
func (r *PGRepository) MarkRead(ctx context.Context, id uuid.UUID, recipient shared.Identity) error {
	tag, err := r.db.Exec(ctx, `UPDATE notifications SET read=TRUE WHERE id=$1 AND recipient=$2`, id, recipient.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertPending stores a PENDING_APPROVAL notice, or refreshes the open one
// the recipient already holds for the movement. A known attachment is never
// cleared by a refresh that lacks one. The returned flag reports an insert.
func (r *PGRepository) UpsertPending(ctx context.Context, n Notification) (Notification, bool, error) {
	sql, args, err := psql.Insert("notifications").
		Columns(columns...).
		Values(n.ID, n.MovementID, n.Recipient.String(), string(KindPendingApproval), n.Summary, n.AttachmentRef, false, nil, n.CreatedAt).
		Suffix(`ON CONFLICT (movement_id, recipient) WHERE kind = 'PENDING_APPROVAL' AND resolved_at IS NULL
DO UPDATE SET summary = EXCLUDED.summary,
	attachment_ref = COALESCE(EXCLUDED.attachment_ref, notifications.attachment_ref),
	read = FALSE
RETURNING ` + strings.Join(columns, ", ")).
		ToSql()
	if err != nil {
		return Notification{}, false, fmt.Errorf("notify: build upsert: %w", err)
	}
	var rw row
	if err := pgxscan.Get(ctx, r.db, &rw, sql, args...); err != nil {
		return Notification{}, false, err
	}
	return rw.notification(), rw.ID == n.ID, nil
}

// ResolveByMovement marks the open PENDING_APPROVAL notices of a movement
// resolved and returns them. Decision notices are left alone.
func (r *PGRepository) ResolveByMovement(ctx context.Context, movementID int64, at time.Time) ([]Notification, error) {
	var rows []row
	err := pgxscan.Select(ctx, r.db, &rows, `UPDATE notifications SET resolved_at=$2
WHERE movement_id=$1 AND kind=$3 AND resolved_at IS NULL
RETURNING id, movement_id, recipient, kind, summary, attachment_ref, read, resolved_at, created_at`, movementID, at, string(KindPendingApproval))
	if err != nil {
		return nil, err
	}
	out := make([]Notification, 0, len(rows))
	for _, rw := range rows {
		out = append(out, rw.notification())
	}
	return out, nil
}

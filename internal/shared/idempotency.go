package shared

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type rowExecer interface {
	execer
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// IdempotencyStore persists processed keys and the record they produced.
type IdempotencyStore struct {
	db  rowExecer
	now func() time.Time
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(db rowExecer) *IdempotencyStore {
	return &IdempotencyStore{db: db, now: time.Now}
}

// ErrIdempotencyConflict indicates a duplicate key.
var ErrIdempotencyConflict = errors.New("idempotent request already processed")

// Lookup returns the reference stored for the key, if any.
func (s *IdempotencyStore) Lookup(ctx context.Context, key, module string) (int64, bool, error) {
	if s == nil {
		return 0, false, errors.New("idempotency store not initialised")
	}
	var ref int64
	err := s.db.QueryRow(ctx, `SELECT ref_id FROM idempotency_keys WHERE key=$1 AND module=$2`, key, module).Scan(&ref)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return ref, true, nil
}

// CheckAndInsert ensures key uniqueness per module and binds it to ref.
// Pass a transaction so the key commits together with the record.
func (s *IdempotencyStore) CheckAndInsert(ctx context.Context, tx execer, key, module string, ref int64) error {
	if s == nil {
		return errors.New("idempotency store not initialised")
	}
	if key == "" {
		return errors.New("idempotency key required")
	}
	if module == "" {
		return errors.New("idempotency module required")
	}
	if tx == nil {
		tx = s.db
	}
	_, err := tx.Exec(ctx, `INSERT INTO idempotency_keys (key, module, ref_id, created_at) VALUES ($1, $2, $3, $4)`, key, module, ref, s.now())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrIdempotencyConflict
		}
		return err
	}
	return nil
}

// Cleanup removes entries older than retention and reports how many went.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s == nil {
		return 0, nil
	}
	cutoff := s.now().Add(-olderThan)
	tag, err := s.db.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/odyssey-pe/internal/ledger"
	"github.com/odyssey-erp/odyssey-pe/internal/movement"
	"github.com/odyssey-erp/odyssey-pe/internal/platform/db"
	"github.com/odyssey-erp/odyssey-pe/internal/shared"
)

// Module is the approval log module of movements.
const Module = "pe.movement"

// ErrDuplicateSubmission indicates the idempotency key was bound by a
// concurrent submission.
var ErrDuplicateSubmission = fmt.Errorf("approval: %w: duplicate submission", shared.ErrStorageConflict)

// Store is the persistence the engine needs.
type Store interface {
	WithTx(ctx context.Context, fn func(context.Context, Tx) error) error
	Movement(ctx context.Context, id int64) (movement.Record, error)
	IdempotentMovement(ctx context.Context, key string) (int64, bool, error)
	StalePending(ctx context.Context, before time.Time, limit int) ([]movement.Record, error)
	History(ctx context.Context, movementID int64) ([]shared.ApprovalLog, error)
}

// Tx is the unit of work spanning ledger and movement rows.
type Tx interface {
	Ledger() ledger.TxRepository
	Movements() movement.TxRepository
	RecordHistory(ctx context.Context, log shared.ApprovalLog) error
	BindIdempotencyKey(ctx context.Context, key string, movementID int64) error
}

// PGStore implements Store on PostgreSQL.
type PGStore struct {
	pool      db.Pool
	movements *movement.PGRepository
	audit     *shared.AuditLogger
	approvals *shared.ApprovalRecorder
	idem      *shared.IdempotencyStore
}

// NewStore constructs a PGStore.
func NewStore(pool db.Pool, audit *shared.AuditLogger, approvals *shared.ApprovalRecorder, idem *shared.IdempotencyStore) *PGStore {
	return &PGStore{
		pool:      pool,
		movements: movement.NewRepository(pool),
		audit:     audit,
		approvals: approvals,
		idem:      idem,
	}
}

type pgTx struct {
	tx        pgx.Tx
	ledger    ledger.TxRepository
	movements movement.TxRepository
	approvals *shared.ApprovalRecorder
	idem      *shared.IdempotencyStore
}

// WithTx runs fn in a repeatable-read transaction.
func (s *PGStore) WithTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{
			tx:        tx,
			ledger:    ledger.NewTxRepository(tx, s.audit),
			movements: movement.NewTxRepository(tx),
			approvals: s.approvals.WithTx(tx),
			idem:      s.idem,
		})
	})
}

// Movement loads one movement without locking.
func (s *PGStore) Movement(ctx context.Context, id int64) (movement.Record, error) {
	return s.movements.Get(ctx, id)
}

// IdempotentMovement returns the movement a key was bound to.
func (s *PGStore) IdempotentMovement(ctx context.Context, key string) (int64, bool, error) {
	return s.idem.Lookup(ctx, key, Module)
}

// StalePending lists Pending movements requested before the cutoff.
func (s *PGStore) StalePending(ctx context.Context, before time.Time, limit int) ([]movement.Record, error) {
	return s.movements.ListStalePending(ctx, before, limit)
}

// History returns the approval log of a movement, oldest first.
func (s *PGStore) History(ctx context.Context, movementID int64) ([]shared.ApprovalLog, error) {
	return s.approvals.List(ctx, Module, shared.ApprovalRef(Module, movementID))
}

func (t *pgTx) Ledger() ledger.TxRepository       { return t.ledger }
func (t *pgTx) Movements() movement.TxRepository { return t.movements }

func (t *pgTx) RecordHistory(ctx context.Context, log shared.ApprovalLog) error {
	return t.approvals.Record(ctx, log)
}

func (t *pgTx) BindIdempotencyKey(ctx context.Context, key string, movementID int64) error {
	err := t.idem.CheckAndInsert(ctx, t.tx, key, Module, movementID)
	if errors.Is(err, shared.ErrIdempotencyConflict) {
		return ErrDuplicateSubmission
	}
	return err
}

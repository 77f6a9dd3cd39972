package ledger

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-pe/internal/shared"
)

// ReconcileActor is recorded on audit rows written by reconciliation.
const ReconcileActor shared.Identity = "system:reconcile"

// Reconciler rebuilds per-period movement figures from the movement log
// and corrects entries that drifted.
type Reconciler struct {
	repo        Repository
	logger      *slog.Logger
	doubleEntry bool
	concurrency int
	now         func() time.Time
}

// NewReconciler constructs a Reconciler. doubleEntry must match the
// transfer mode the engine books with.
func NewReconciler(repo Repository, logger *slog.Logger, doubleEntry bool, concurrency int) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Reconciler{repo: repo, logger: logger, doubleEntry: doubleEntry, concurrency: concurrency, now: time.Now}
}

// ReconcileKey checks one entry under its row lock and fixes drift.
func (r *Reconciler) ReconcileKey(ctx context.Context, key Key, actor shared.Identity) (Drift, error) {
	if actor.IsZero() {
		actor = ReconcileActor
	}
	var drift Drift
	err := r.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		entry, err := tx.LoadForUpdate(ctx, key)
		if err != nil {
			return err
		}
		expected, err := tx.AppliedTotals(ctx, key, r.doubleEntry)
		if err != nil {
			return err
		}
		drift = CorrectPeriodTotals(&entry, expected)
		if !drift.Changed() && entry.Holds() {
			return nil
		}
		saved, err := tx.Save(ctx, entry)
		if err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   "pe.ledger.reconcile",
			Entity:   auditEntity,
			EntityID: strconv.FormatInt(saved.ID, 10),
			Meta: map[string]any{
				"key":      key.String(),
				"stored":   drift.Stored,
				"expected": drift.Expected,
			},
			At: r.now(),
		})
	})
	if err != nil {
		return Drift{}, err
	}
	if drift.Changed() {
		r.logger.Warn("ledger drift corrected",
			slog.String("key", key.String()),
			slog.Any("stored", drift.Stored),
			slog.Any("expected", drift.Expected),
		)
	}
	return drift, nil
}

// ReconcileAll walks every active entry in scope with bounded concurrency
// and returns the corrections made. A zero companyID means all companies.
func (r *Reconciler) ReconcileAll(ctx context.Context, companyID int64, period *Period) ([]Drift, error) {
	keys, err := r.repo.ListKeys(ctx, companyID, period)
	if err != nil {
		return nil, err
	}
	var (
		mu     sync.Mutex
		drifts []Drift
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			drift, err := r.ReconcileKey(ctx, key, ReconcileActor)
			if err != nil {
				return err
			}
			if drift.Changed() {
				mu.Lock()
				drifts = append(drifts, drift)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return drifts, err
	}
	r.logger.Info("ledger reconciliation completed",
		slog.Int("entries", len(keys)),
		slog.Int("corrected", len(drifts)),
	)
	return drifts, nil
}

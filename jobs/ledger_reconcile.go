package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-pe/internal/jobs"
	"github.com/odyssey-erp/odyssey-pe/internal/ledger"
)

// LedgerReconciler rebuilds ledger figures from the movement log.
type LedgerReconciler interface {
	ReconcileAll(ctx context.Context, companyID int64, period *ledger.Period) ([]ledger.Drift, error)
}

// LedgerReconcileJob coordinates the reconciliation workflow.
type LedgerReconcileJob struct {
	Reconciler LedgerReconciler
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
	clock      func() time.Time
}

// NewLedgerReconcileJob constructs the job handler.
func NewLedgerReconcileJob(reconciler LedgerReconciler, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerReconcileJob {
	return &LedgerReconcileJob{
		Reconciler: reconciler,
		Logger:     logger,
		Metrics:    metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the reconcile job.
func (j *LedgerReconcileJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Reconciler == nil {
		return errors.New("ledger reconcile: dependencies not configured")
	}
	var payload LedgerReconcilePayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("ledger reconcile: decode payload: %w", asynq.SkipRetry)
		}
	}
	var period *ledger.Period
	if payload.Period != "" {
		p, err := ledger.ParsePeriod(payload.Period)
		if err != nil {
			return fmt.Errorf("ledger reconcile: %v: %w", err, asynq.SkipRetry)
		}
		period = &p
	}

	tracker := j.metrics().Track(TaskLedgerReconcile)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := j.now()
	drifts, err := j.Reconciler.ReconcileAll(ctx, payload.CompanyID, period)
	perCompany := make(map[int64]int)
	for _, d := range drifts {
		perCompany[d.Key.CompanyID]++
	}
	for companyID, count := range perCompany {
		j.metrics().AddDrifts(companyID, count)
	}
	if err != nil {
		resultErr = err
		j.log().Error("reconcile ledger", slog.Int64("company_id", payload.CompanyID), slog.String("period", payload.Period), slog.Any("error", err))
		return resultErr
	}

	j.log().Info("reconciled ledger entries",
		slog.Int64("company_id", payload.CompanyID),
		slog.String("period", payload.Period),
		slog.Int("corrected", len(drifts)),
		slog.Duration("duration", j.now().Sub(start)),
	)
	return resultErr
}

func (j *LedgerReconcileJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *LedgerReconcileJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerReconcile))
	}
	return slog.Default().With(slog.String("job", TaskLedgerReconcile))
}

func (j *LedgerReconcileJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *LedgerReconcileJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}

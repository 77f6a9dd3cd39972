package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-pe/internal/jobs"
)

// PendingExpirer expires Pending movements past their TTL.
type PendingExpirer interface {
	ExpireStale(ctx context.Context) (int, error)
}

// MovementExpireJob runs the pending expiry sweep.
type MovementExpireJob struct {
	Expirer PendingExpirer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewMovementExpireJob constructs the job handler.
func NewMovementExpireJob(expirer PendingExpirer, logger *slog.Logger, metrics *jobmetrics.Metrics) *MovementExpireJob {
	return &MovementExpireJob{Expirer: expirer, Logger: logger, Metrics: metrics}
}

// Handle executes one sweep. Movements expired before a failure stay
// expired and are counted.
func (j *MovementExpireJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Expirer == nil {
		return errors.New("movement expire: dependencies not configured")
	}
	tracker := j.metrics().Track(TaskMovementExpire)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	n, err := j.Expirer.ExpireStale(ctx)
	j.metrics().AddExpired(n)
	if err != nil {
		resultErr = err
		j.log().Error("expire pending movements", slog.Int("expired", n), slog.Any("error", err))
		return resultErr
	}
	if n > 0 {
		j.log().Info("expired pending movements", slog.Int("expired", n))
	}
	return resultErr
}

func (j *MovementExpireJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *MovementExpireJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskMovementExpire))
	}
	return slog.Default().With(slog.String("job", TaskMovementExpire))
}

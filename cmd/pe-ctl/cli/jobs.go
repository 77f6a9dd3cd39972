package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-pe/internal/ledger"
	"github.com/odyssey-erp/odyssey-pe/jobs"
)

// JobsCLI wraps manual management helpers for the PE job queues.
type JobsCLI struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

// NewJobsCLI initialises the CLI helpers for the given Redis connection.
func NewJobsCLI(opts asynq.RedisClientOpt) *JobsCLI {
	return &JobsCLI{client: asynq.NewClient(opts), inspector: asynq.NewInspector(opts)}
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// TriggerScope narrows a manually triggered reconciliation.
type TriggerScope struct {
	CompanyID int64
	Period    string
}

// BuildTask prepares the task for a supported job name.
func BuildTask(name string, scope TriggerScope) (*asynq.Task, []asynq.Option, error) {
	switch name {
	case jobs.TaskLedgerReconcile:
		if scope.Period != "" {
			if _, err := ledger.ParsePeriod(scope.Period); err != nil {
				return nil, nil, err
			}
		}
		task, err := jobs.NewLedgerReconcileTask(jobs.LedgerReconcilePayload{CompanyID: scope.CompanyID, Period: scope.Period})
		if err != nil {
			return nil, nil, err
		}
		return task, []asynq.Option{asynq.MaxRetry(3)}, nil
	case jobs.TaskMovementExpire:
		return jobs.NewMovementExpireTask(), []asynq.Option{asynq.MaxRetry(3)}, nil
	case jobs.TaskIdempotencyCleanup:
		return jobs.NewIdempotencyCleanupTask(), []asynq.Option{asynq.MaxRetry(1)}, nil
	default:
		return nil, nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
}

// Trigger enqueues a supported job by name.
func (c *JobsCLI) Trigger(ctx context.Context, name string, scope TriggerScope) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	task, opts, err := BuildTask(name, scope)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, opts...)
}

// QueueStats summarises the state of one queue.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
	Archived  int
}

// InspectQueues reports metrics for the default and notification queues.
func (c *JobsCLI) InspectQueues(ctx context.Context) ([]QueueStats, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	queues := []string{jobs.QueueDefault, jobs.QueueNotifications}
	stats := make([]QueueStats, 0, len(queues))
	for _, queue := range queues {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		info, err := c.inspector.GetQueueInfo(queue)
		if err != nil {
			if errors.Is(err, asynq.ErrQueueNotFound) {
				stats = append(stats, QueueStats{Queue: queue})
				continue
			}
			return stats, err
		}
		stats = append(stats, QueueStats{
			Queue:     queue,
			Pending:   info.Pending,
			Active:    info.Active,
			Scheduled: info.Scheduled,
			Retry:     info.Retry,
			Archived:  info.Archived,
		})
	}
	return stats, nil
}

// ListScheduled returns scheduled task infos from the default queue.
func (c *JobsCLI) ListScheduled(size int) ([]*asynq.TaskInfo, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	if size <= 0 {
		size = 10
	}
	return c.inspector.ListScheduledTasks(jobs.QueueDefault, asynq.PageSize(size), asynq.Page(1))
}

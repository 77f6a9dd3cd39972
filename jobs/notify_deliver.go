package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-pe/internal/jobs"
	"github.com/odyssey-erp/odyssey-pe/internal/notify"
	"github.com/odyssey-erp/odyssey-pe/internal/shared"
)

// NotificationDeliverer persists and publishes notifications.
type NotificationDeliverer interface {
	Deliver(ctx context.Context, msg notify.Message) (notify.Notification, error)
	Resolve(ctx context.Context, movementID int64) error
}

// NotifyDeliverJob performs queued notification deliveries.
type NotifyDeliverJob struct {
	Notifications NotificationDeliverer
	Logger        *slog.Logger
	Metrics       *jobmetrics.Metrics
}

// NewNotifyDeliverJob constructs the job handler.
func NewNotifyDeliverJob(notifications NotificationDeliverer, logger *slog.Logger, metrics *jobmetrics.Metrics) *NotifyDeliverJob {
	return &NotifyDeliverJob{Notifications: notifications, Logger: logger, Metrics: metrics}
}

// Handle executes one delivery.
func (j *NotifyDeliverJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Notifications == nil {
		return errors.New("notify deliver: dependencies not configured")
	}
	var payload NotifyDeliverPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("notify deliver: decode payload: %w", asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskNotifyDeliver)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	if payload.Resolve {
		if err := j.Notifications.Resolve(ctx, payload.MovementID); err != nil {
			resultErr = err
			j.log().Error("resolve notifications", slog.Int64("movement_id", payload.MovementID), slog.Any("error", err))
		}
		return resultErr
	}

	msg := notify.Message{
		MovementID:    payload.MovementID,
		Recipient:     shared.Identity(payload.Recipient),
		Kind:          notify.Kind(payload.Kind),
		Summary:       payload.Summary,
		AttachmentRef: payload.AttachmentRef,
	}
	if err := msg.Validate(); err != nil {
		resultErr = fmt.Errorf("notify deliver: %v: %w", err, asynq.SkipRetry)
		return resultErr
	}
	if _, err := j.Notifications.Deliver(ctx, msg); err != nil {
		resultErr = err
		j.log().Error("deliver notification",
			slog.Int64("movement_id", payload.MovementID),
			slog.String("recipient", payload.Recipient),
			slog.Any("error", err),
		)
		return resultErr
	}
	return resultErr
}

func (j *NotifyDeliverJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *NotifyDeliverJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskNotifyDeliver))
	}
	return slog.Default().With(slog.String("job", TaskNotifyDeliver))
}

// NotifyEnqueuer submits delivery tasks.
type NotifyEnqueuer interface {
	EnqueueNotifyDeliver(ctx context.Context, payload NotifyDeliverPayload) (*asynq.TaskInfo, error)
}

// QueueDispatcher implements notify.Dispatcher by enqueueing deliveries for
// the worker, keeping slow delivery off the request path.
type QueueDispatcher struct {
	client NotifyEnqueuer
}

// NewQueueDispatcher constructs a QueueDispatcher.
func NewQueueDispatcher(client NotifyEnqueuer) *QueueDispatcher {
	return &QueueDispatcher{client: client}
}

var _ notify.Dispatcher = (*QueueDispatcher)(nil)

// Notify enqueues msg.
func (d *QueueDispatcher) Notify(ctx context.Context, msg notify.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	_, err := d.client.EnqueueNotifyDeliver(ctx, NotifyDeliverPayload{
		MovementID:    msg.MovementID,
		Recipient:     msg.Recipient.String(),
		Kind:          string(msg.Kind),
		Summary:       msg.Summary,
		AttachmentRef: msg.AttachmentRef,
	})
	return err
}

// Resolve enqueues the resolution of the movement's notifications.
func (d *QueueDispatcher) Resolve(ctx context.Context, movementID int64) error {
	_, err := d.client.EnqueueNotifyDeliver(ctx, NotifyDeliverPayload{MovementID: movementID, Resolve: true})
	return err
}

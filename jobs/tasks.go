package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-pe/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueNotifications carries notification deliveries.
	QueueNotifications = "notifications"

	// TaskNotifyDeliver delivers one movement notification.
	TaskNotifyDeliver = "pe:notify:deliver"
	// TaskLedgerReconcile rebuilds ledger figures from the movement log.
	TaskLedgerReconcile = "pe:ledger:reconcile"
	// TaskMovementExpire expires Pending movements past their TTL.
	TaskMovementExpire = "pe:movement:expire"
	// TaskIdempotencyCleanup purges old idempotency keys.
	TaskIdempotencyCleanup = "pe:idempotency:cleanup"
)

// NotifyDeliverPayload describes a notification waiting for delivery.
type NotifyDeliverPayload struct {
	MovementID    int64   `json:"movement_id"`
	Recipient     string  `json:"recipient"`
	Kind          string  `json:"kind"`
	Summary       string  `json:"summary"`
	AttachmentRef *string `json:"attachment_ref,omitempty"`
	// Resolve marks the movement's open notifications resolved instead of
	// creating a new one.
	Resolve bool `json:"resolve,omitempty"`
}

// LedgerReconcilePayload narrows reconciliation. Zero values mean "all".
type LedgerReconcilePayload struct {
	CompanyID int64  `json:"company_id,omitempty"`
	Period    string `json:"period,omitempty"`
}

// NewNotifyDeliverTask constructs a notification delivery task.
func NewNotifyDeliverTask(payload NotifyDeliverPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskNotifyDeliver, data, asynq.Queue(QueueNotifications), asynq.MaxRetry(8)), nil
}

// NewLedgerReconcileTask constructs a reconciliation task.
func NewLedgerReconcileTask(payload LedgerReconcilePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerReconcile, data, asynq.Queue(QueueDefault)), nil
}

// NewMovementExpireTask constructs the pending expiry sweep task.
func NewMovementExpireTask() *asynq.Task {
	return asynq.NewTask(TaskMovementExpire, nil, asynq.Queue(QueueDefault))
}

// NewIdempotencyCleanupTask constructs the key cleanup task.
func NewIdempotencyCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyCleanup, nil, asynq.Queue(QueueDefault))
}

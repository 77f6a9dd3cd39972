package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/odyssey-pe/internal/jobs"
	"github.com/odyssey-erp/odyssey-pe/internal/ledger"
	"github.com/odyssey-erp/odyssey-pe/internal/notify"
)

func testMetrics() *jobmetrics.Metrics {
	return jobmetrics.NewMetrics(prometheus.NewRegistry())
}

type stubReconciler struct {
	companyID int64
	period    *ledger.Period
	drifts    []ledger.Drift
	err       error
}

func (s *stubReconciler) ReconcileAll(_ context.Context, companyID int64, period *ledger.Period) ([]ledger.Drift, error) {
	s.companyID = companyID
	s.period = period
	return s.drifts, s.err
}

func TestLedgerReconcileJobScopesRun(t *testing.T) {
	rec := &stubReconciler{drifts: []ledger.Drift{{Key: ledger.Key{CompanyID: 3}}}}
	job := NewLedgerReconcileJob(rec, nil, testMetrics())
	job.WithClock(func() time.Time { return time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC) })

	task, err := NewLedgerReconcileTask(LedgerReconcilePayload{CompanyID: 3, Period: "2026-03"})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, int64(3), rec.companyID)
	require.Equal(t, &ledger.Period{Year: 2026, Month: 3}, rec.period)

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskLedgerReconcile, nil)))
	require.Zero(t, rec.companyID)
	require.Nil(t, rec.period)
}

func TestLedgerReconcileJobSkipsRetryOnBadPayload(t *testing.T) {
	job := NewLedgerReconcileJob(&stubReconciler{}, nil, testMetrics())

	err := job.Handle(context.Background(), asynq.NewTask(TaskLedgerReconcile, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	body, _ := json.Marshal(LedgerReconcilePayload{Period: "2026-13"})
	err = job.Handle(context.Background(), asynq.NewTask(TaskLedgerReconcile, body))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestLedgerReconcileJobReturnsFailure(t *testing.T) {
	boom := errors.New("db down")
	job := NewLedgerReconcileJob(&stubReconciler{err: boom}, nil, testMetrics())
	require.ErrorIs(t, job.Handle(context.Background(), asynq.NewTask(TaskLedgerReconcile, nil)), boom)
}

type stubExpirer struct {
	n   int
	err error
}

func (s stubExpirer) ExpireStale(context.Context) (int, error) { return s.n, s.err }

func TestMovementExpireJob(t *testing.T) {
	require.NoError(t, NewMovementExpireJob(stubExpirer{n: 2}, nil, testMetrics()).Handle(context.Background(), NewMovementExpireTask()))

	boom := errors.New("partial")
	err := NewMovementExpireJob(stubExpirer{n: 1, err: boom}, nil, testMetrics()).Handle(context.Background(), NewMovementExpireTask())
	require.ErrorIs(t, err, boom)
}

type stubCleaner struct {
	retention time.Duration
}

func (s *stubCleaner) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	s.retention = olderThan
	return 4, nil
}

func TestIdempotencyCleanupJobDefaultsRetention(t *testing.T) {
	cleaner := &stubCleaner{}
	job := NewIdempotencyCleanupJob(cleaner, 0, nil, testMetrics())
	require.NoError(t, job.Handle(context.Background(), NewIdempotencyCleanupTask()))
	require.Equal(t, 7*24*time.Hour, cleaner.retention)
}

type stubDeliverer struct {
	delivered []notify.Message
	resolved  []int64
}

func (s *stubDeliverer) Deliver(_ context.Context, msg notify.Message) (notify.Notification, error) {
	s.delivered = append(s.delivered, msg)
	return notify.Notification{MovementID: msg.MovementID}, nil
}

func (s *stubDeliverer) Resolve(_ context.Context, id int64) error {
	s.resolved = append(s.resolved, id)
	return nil
}

type capturingEnqueuer struct {
	payloads []NotifyDeliverPayload
}

func (c *capturingEnqueuer) EnqueueNotifyDeliver(_ context.Context, p NotifyDeliverPayload) (*asynq.TaskInfo, error) {
	c.payloads = append(c.payloads, p)
	return &asynq.TaskInfo{}, nil
}

func TestQueueDispatcherRoundTripsThroughDeliverJob(t *testing.T) {
	enq := &capturingEnqueuer{}
	dispatcher := NewQueueDispatcher(enq)
	ctx := context.Background()

	msg := notify.Message{MovementID: 9, Recipient: "M100", Kind: notify.KindPendingApproval, Summary: "Additional CC-100 2026-03: 2 HC / 50,000.00"}
	require.NoError(t, dispatcher.Notify(ctx, msg))
	require.NoError(t, dispatcher.Resolve(ctx, 9))
	require.Error(t, dispatcher.Notify(ctx, notify.Message{}))
	require.Len(t, enq.payloads, 2)

	deliverer := &stubDeliverer{}
	job := NewNotifyDeliverJob(deliverer, nil, testMetrics())
	for _, p := range enq.payloads {
		task, err := NewNotifyDeliverTask(p)
		require.NoError(t, err)
		require.NoError(t, job.Handle(ctx, task))
	}
	require.Equal(t, []notify.Message{msg}, deliverer.delivered)
	require.Equal(t, []int64{9}, deliverer.resolved)
}

func TestNotifyDeliverJobSkipsInvalidPayload(t *testing.T) {
	job := NewNotifyDeliverJob(&stubDeliverer{}, nil, testMetrics())
	task, err := NewNotifyDeliverTask(NotifyDeliverPayload{MovementID: 1, Kind: "BOGUS"})
	require.NoError(t, err)
	require.ErrorIs(t, job.Handle(context.Background(), task), asynq.SkipRetry)
	require.ErrorIs(t, job.Handle(context.Background(), asynq.NewTask(TaskNotifyDeliver, []byte("nope"))), asynq.SkipRetry)
}

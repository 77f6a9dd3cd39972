package approval

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-pe/internal/ledger"
	"github.com/odyssey-erp/odyssey-pe/internal/movement"
	"github.com/odyssey-erp/odyssey-pe/internal/notify"
	"github.com/odyssey-erp/odyssey-pe/internal/shared"
)

var march = ledger.Period{Year: 2026, Month: 3}

func key(cc string) ledger.Key {
	return ledger.Key{CompanyID: 1, CostCenter: cc, Period: march}
}

type fixture struct {
	store    *memStore
	filter   *fakeFilter
	notifier *mockDispatcher
	engine   *Engine
	now      time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		store: newMemStore(),
		filter: &fakeFilter{
			approvers: map[string]shared.Identity{"CC-100": "M100", "CC-200": "M100", "CC-300": "M300"},
			members: map[string][]shared.Identity{
				"CC-100": {"E001"},
				"CC-200": {"E002"},
				"CC-300": {"E003"},
			},
			closed: map[ledger.Period]bool{},
		},
		notifier: &mockDispatcher{},
		now:      time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
	f.notifier.On("Notify", mock.Anything, mock.Anything).Return(nil).Maybe()
	f.notifier.On("Resolve", mock.Anything, mock.Anything).Return(nil).Maybe()
	f.engine = NewEngine(f.store, f.filter, f.notifier, nil, cfg)
	f.engine.WithNow(func() time.Time { return f.now })
	f.store.seed(key("CC-100"), ledger.Qty(10, 500_000))
	return f
}

func additional(hc int64) movement.SubmitInput {
	return movement.SubmitInput{
		Owner:       key("CC-100"),
		Kind:        ledger.KindAdditional,
		Quantity:    ledger.Qty(hc, 25_000*hc),
		Remark:      "project ramp-up",
		RequestedBy: "E001",
	}
}

func transfer(kind ledger.Kind, counterpart string, hc int64) movement.SubmitInput {
	return movement.SubmitInput{
		Owner:       key("CC-100"),
		Kind:        kind,
		Quantity:    ledger.Qty(hc, 20_000*hc),
		Counterpart: counterpart,
		RequestedBy: "E001",
	}
}

func messageTo(recipient shared.Identity, kind notify.Kind) interface{} {
	return mock.MatchedBy(func(msg notify.Message) bool {
		return msg.Recipient == recipient && msg.Kind == kind
	})
}

func (f *fixture) entry(t *testing.T, cc string) ledger.Entry {
	t.Helper()
	e, ok := f.store.entry(key(cc))
	require.True(t, ok, "entry %s missing", cc)
	require.True(t, e.Holds(), "B1 invariant broken on %s", cc)
	return e
}

func TestAdditionalWaitsForApprovalThenBooks(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	rec, err := f.engine.Submit(ctx, additional(2))
	require.NoError(t, err)
	require.Equal(t, movement.StatusPending, rec.Status)
	require.True(t, rec.AwaitsDecisionFrom("M100"))
	require.Zero(t, f.entry(t, "CC-100").AccAdd.Hc)
	f.notifier.AssertCalled(t, "Notify", mock.Anything, messageTo("M100", notify.KindPendingApproval))

	approved, err := f.engine.Approve(ctx, rec.ID, "M100")
	require.NoError(t, err)
	require.Equal(t, movement.StatusApproved, approved.Status)
	require.Equal(t, shared.Identity("M100"), *approved.DecidedBy)

	e := f.entry(t, "CC-100")
	require.Equal(t, int64(2), e.AccAdd.Hc)
	require.Equal(t, int64(2), e.Add.Hc)
	require.Equal(t, int64(12), e.B1.Hc)
	f.notifier.AssertCalled(t, "Resolve", mock.Anything, rec.ID)
	f.notifier.AssertCalled(t, "Notify", mock.Anything, messageTo("E001", notify.KindApproved))

	history, err := f.engine.History(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, shared.ApprovalSubmit, history[0].Action)
	require.Equal(t, shared.ApprovalApprove, history[1].Action)
}

func TestTransferWithSameApproverAppliesImmediately(t *testing.T) {
	f := newFixture(t, Config{})

	rec, err := f.engine.Submit(context.Background(), transfer(ledger.KindMoveOut, "CC-200", 1))
	require.NoError(t, err)
	require.Equal(t, movement.StatusNotRequired, rec.Status)
	require.Nil(t, rec.PendingApprover)

	require.Equal(t, int64(1), f.entry(t, "CC-100").AccMoveOut.Hc)
	require.Equal(t, int64(9), f.entry(t, "CC-100").B1.Hc)
	counter := f.entry(t, "CC-200")
	require.Equal(t, int64(1), counter.AccMoveIn.Hc)
	require.Equal(t, int64(1), counter.B1.Hc)
	f.notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
}

func TestSingleSidedTransferLeavesCounterpartAlone(t *testing.T) {
	f := newFixture(t, Config{TransferMode: TransferSingleSided})

	_, err := f.engine.Submit(context.Background(), transfer(ledger.KindMoveOut, "CC-200", 1))
	require.NoError(t, err)
	require.Equal(t, int64(1), f.entry(t, "CC-100").AccMoveOut.Hc)
	_, ok := f.store.entry(key("CC-200"))
	require.False(t, ok)
}

func TestTransferAcrossApproversWaitsForCounterpart(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	rec, err := f.engine.Submit(ctx, transfer(ledger.KindMoveIn, "CC-300", 3))
	require.NoError(t, err)
	require.Equal(t, movement.StatusPending, rec.Status)
	require.True(t, rec.AwaitsDecisionFrom("M300"))

	_, err = f.engine.Approve(ctx, rec.ID, "M100")
	require.ErrorIs(t, err, shared.ErrUnauthorized)

	_, err = f.engine.Approve(ctx, rec.ID, "M300")
	require.NoError(t, err)
	require.Equal(t, int64(3), f.entry(t, "CC-100").AccMoveIn.Hc)
	require.Equal(t, int64(13), f.entry(t, "CC-100").B1.Hc)
	require.Equal(t, int64(3), f.entry(t, "CC-300").AccMoveOut.Hc)
}

func TestUnauthorizedApprovalChangesNothing(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	rec, err := f.engine.Submit(ctx, additional(2))
	require.NoError(t, err)
	before := f.entry(t, "CC-100")

	_, err = f.engine.Approve(ctx, rec.ID, "E002")
	require.ErrorIs(t, err, shared.ErrUnauthorized)
	_, err = f.engine.Reject(ctx, rec.ID, "E002", "no budget")
	require.ErrorIs(t, err, shared.ErrUnauthorized)

	stored, err := f.store.Movement(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, movement.StatusPending, stored.Status)
	require.Equal(t, before, f.entry(t, "CC-100"))
}

func TestApproverResolvedAtDecisionTime(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	rec, err := f.engine.Submit(ctx, additional(1))
	require.NoError(t, err)
	f.filter.setApprover("CC-100", "M900")

	_, err = f.engine.Approve(ctx, rec.ID, "M100")
	require.ErrorIs(t, err, shared.ErrUnauthorized)
	_, err = f.engine.Approve(ctx, rec.ID, "M900")
	require.NoError(t, err)
}

func TestSecondApprovalIsRejectedAndAppliesOnce(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	rec, err := f.engine.Submit(ctx, additional(2))
	require.NoError(t, err)
	_, err = f.engine.Approve(ctx, rec.ID, "M100")
	require.NoError(t, err)
	after := f.entry(t, "CC-100")

	_, err = f.engine.Approve(ctx, rec.ID, "M100")
	require.ErrorIs(t, err, shared.ErrInvalidStateTransition)
	_, err = f.engine.Reject(ctx, rec.ID, "M100", "late")
	require.ErrorIs(t, err, shared.ErrInvalidStateTransition)
	require.Equal(t, after, f.entry(t, "CC-100"))
}

func TestConcurrentApprovalsApplyOnce(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	rec, err := f.engine.Submit(ctx, additional(2))
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Approve(ctx, rec.ID, "M100")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, shared.ErrInvalidStateTransition):
				conflicts++
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, successes)
	require.Equal(t, 7, conflicts)
	require.Equal(t, int64(2), f.entry(t, "CC-100").AccAdd.Hc)
}

func TestNotRequiredMovementCannotBeDecided(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	cut := movement.SubmitInput{Owner: key("CC-100"), Kind: ledger.KindCut, Quantity: ledger.Qty(1, 30_000), RequestedBy: "E001"}
	rec, err := f.engine.Submit(ctx, cut)
	require.NoError(t, err)
	require.Equal(t, movement.StatusNotRequired, rec.Status)
	require.Equal(t, int64(1), f.entry(t, "CC-100").AccCut.Hc)

	_, err = f.engine.Approve(ctx, rec.ID, "M100")
	require.ErrorIs(t, err, shared.ErrInvalidStateTransition)
	_, err = f.engine.Reject(ctx, rec.ID, "M100", "no")
	require.ErrorIs(t, err, shared.ErrInvalidStateTransition)
}

func TestRejectLeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	rec, err := f.engine.Submit(ctx, additional(4))
	require.NoError(t, err)
	snapshot := f.entry(t, "CC-100")

	_, err = f.engine.Reject(ctx, rec.ID, "M100", "   ")
	require.ErrorIs(t, err, shared.ErrValidation)

	rejected, err := f.engine.Reject(ctx, rec.ID, "M100", " headcount freeze ")
	require.NoError(t, err)
	require.Equal(t, movement.StatusRejected, rejected.Status)
	require.Equal(t, "headcount freeze", *rejected.RejectionReason)
	require.Equal(t, snapshot, f.entry(t, "CC-100"))
	f.notifier.AssertCalled(t, "Notify", mock.Anything, messageTo("E001", notify.KindRejected))
}

func TestSubmitRejectsNonPositiveQuantityForEveryKind(t *testing.T) {
	f := newFixture(t, Config{})
	for _, kind := range ledger.Kinds() {
		for _, qty := range []ledger.Quantity{ledger.Qty(0, 100), ledger.Qty(1, 0), ledger.Qty(-1, 100)} {
			in := transfer(kind, "CC-200", 1)
			if !kind.IsTransfer() {
				in.Counterpart = ""
			}
			in.Remark = "x"
			in.Quantity = qty
			_, err := f.engine.Submit(context.Background(), in)
			require.ErrorIs(t, err, shared.ErrValidation, "%s %s", kind, qty)
		}
	}
	require.Zero(t, f.store.movementCount())
}

func TestSubmitGuards(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	in := additional(1)
	in.RequestedBy = "E003"
	_, err := f.engine.Submit(ctx, in)
	require.ErrorIs(t, err, shared.ErrUnauthorized)

	f.filter.closed[march] = true
	_, err = f.engine.Submit(ctx, additional(1))
	require.ErrorIs(t, err, shared.ErrPeriodClosed)
	require.ErrorIs(t, err, shared.ErrValidation)

	f.filter.closed[march] = false
	_, err = f.engine.Submit(ctx, transfer(ledger.KindMoveOut, "CC-404", 1))
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.Zero(t, f.store.movementCount())
}

func TestApproveRequiresOpenPeriod(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	rec, err := f.engine.Submit(ctx, additional(1))
	require.NoError(t, err)
	f.filter.closed[march] = true

	_, err = f.engine.Approve(ctx, rec.ID, "M100")
	require.ErrorIs(t, err, shared.ErrPeriodClosed)
	_, err = f.engine.Reject(ctx, rec.ID, "M100", "period closed")
	require.NoError(t, err)
}

func TestIdempotencyKeyReplaysOriginal(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	in := movement.SubmitInput{Owner: key("CC-100"), Kind: ledger.KindCut, Quantity: ledger.Qty(1, 30_000), RequestedBy: "E001", IdempotencyKey: "req-1"}
	first, err := f.engine.Submit(ctx, in)
	require.NoError(t, err)
	second, err := f.engine.Submit(ctx, in)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 1, f.store.movementCount())
	require.Equal(t, int64(1), f.entry(t, "CC-100").AccCut.Hc)

	in.RequestedBy = "M100"
	_, err = f.engine.Submit(ctx, in)
	require.ErrorIs(t, err, shared.ErrStorageConflict)
}

func TestNotifyFailureDoesNotRollBack(t *testing.T) {
	f := newFixture(t, Config{})
	failing := &mockDispatcher{}
	failing.On("Notify", mock.Anything, mock.Anything).Return(errors.New("smtp down"))
	failing.On("Resolve", mock.Anything, mock.Anything).Return(errors.New("smtp down"))
	f.engine.notifier = failing
	ctx := context.Background()

	rec, err := f.engine.Submit(ctx, additional(2))
	require.NoError(t, err)
	_, err = f.engine.Approve(ctx, rec.ID, "M100")
	require.NoError(t, err)
	require.Equal(t, int64(12), f.entry(t, "CC-100").B1.Hc)
	failing.AssertNumberOfCalls(t, "Notify", 2)
}

func TestExpireStale(t *testing.T) {
	f := newFixture(t, Config{PendingTTL: 72 * time.Hour})
	ctx := context.Background()

	old, err := f.engine.Submit(ctx, additional(1))
	require.NoError(t, err)
	f.now = f.now.Add(48 * time.Hour)
	fresh, err := f.engine.Submit(ctx, additional(1))
	require.NoError(t, err)
	before := f.entry(t, "CC-100")

	f.now = f.now.Add(48 * time.Hour)
	n, err := f.engine.ExpireStale(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	expired, err := f.store.Movement(ctx, old.ID)
	require.NoError(t, err)
	require.Equal(t, movement.StatusExpired, expired.Status)
	require.Equal(t, ExpireActor, *expired.DecidedBy)
	stillPending, err := f.store.Movement(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, movement.StatusPending, stillPending.Status)
	require.Equal(t, before, f.entry(t, "CC-100"))
	f.notifier.AssertCalled(t, "Notify", mock.Anything, messageTo("E001", notify.KindExpired))

	_, err = f.engine.Approve(ctx, old.ID, "M100")
	require.ErrorIs(t, err, shared.ErrInvalidStateTransition)

	n, err = f.engine.ExpireStale(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestExpireDisabledWithoutTTL(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.engine.Submit(context.Background(), additional(1))
	require.NoError(t, err)
	f.now = f.now.Add(365 * 24 * time.Hour)
	n, err := f.engine.ExpireStale(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestAttach(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.engine.Attach(ctx, 1, "E001", "a.pdf", strings.NewReader("x"))
	require.ErrorIs(t, err, ErrUploaderMissing)

	up := &memUploader{}
	f.engine.WithUploader(up)
	rec, err := f.engine.Submit(ctx, additional(1))
	require.NoError(t, err)

	attached, err := f.engine.Attach(ctx, rec.ID, "E001", "offer.pdf", strings.NewReader("%PDF"))
	require.NoError(t, err)
	require.NotNil(t, attached.AttachmentRef)
	require.Equal(t, []byte("%PDF"), up.files[rec.ID])

	_, err = f.engine.Attach(ctx, rec.ID, "E003", "offer.pdf", strings.NewReader("%PDF"))
	require.ErrorIs(t, err, shared.ErrUnauthorized)

	cut, err := f.engine.Submit(ctx, movement.SubmitInput{Owner: key("CC-100"), Kind: ledger.KindCut, Quantity: ledger.Qty(1, 1_000), RequestedBy: "E001"})
	require.NoError(t, err)
	_, err = f.engine.Attach(ctx, cut.ID, "E001", "x.pdf", strings.NewReader("x"))
	require.ErrorIs(t, err, movement.ErrAttachmentNotAllowed)

	_, err = f.engine.Reject(ctx, rec.ID, "M100", "no")
	require.NoError(t, err)
	_, err = f.engine.Attach(ctx, rec.ID, "E001", "late.pdf", strings.NewReader("x"))
	require.ErrorIs(t, err, shared.ErrInvalidStateTransition)
}

func TestAttachReachesApprover(t *testing.T) {
	f := newFixture(t, Config{})
	f.engine.WithUploader(&memUploader{})
	ctx := context.Background()

	rec, err := f.engine.Submit(ctx, additional(1))
	require.NoError(t, err)
	attached, err := f.engine.Attach(ctx, rec.ID, "E001", "offer.pdf", strings.NewReader("%PDF"))
	require.NoError(t, err)
	ref := *attached.AttachmentRef

	f.notifier.AssertCalled(t, "Notify", mock.Anything, mock.MatchedBy(func(msg notify.Message) bool {
		return msg.Recipient == "M100" && msg.Kind == notify.KindPendingApproval &&
			msg.AttachmentRef != nil && *msg.AttachmentRef == ref
	}))

	// A reassigned approver receives the attachment too.
	f.filter.setApprover("CC-100", "M300")
	_, err = f.engine.Attach(ctx, rec.ID, "E001", "offer-v2.pdf", strings.NewReader("%PDF"))
	require.NoError(t, err)
	f.notifier.AssertCalled(t, "Notify", mock.Anything, mock.MatchedBy(func(msg notify.Message) bool {
		return msg.Recipient == "M300" && msg.Kind == notify.KindPendingApproval && msg.AttachmentRef != nil
	}))
}

func TestInactiveOwnerRejectsMovements(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.mu.Lock()
	e := f.store.state.entries[key("CC-100")]
	e.Active = false
	f.store.state.entries[key("CC-100")] = e
	f.store.mu.Unlock()

	_, err := f.engine.Submit(context.Background(), additional(1))
	require.ErrorIs(t, err, ledger.ErrInactive)
	require.Zero(t, f.store.movementCount())
}

func TestLedgerInvariantHoldsAcrossMixedMovements(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	inputs := []movement.SubmitInput{
		transfer(ledger.KindMoveIn, "CC-200", 2),
		transfer(ledger.KindMoveOut, "CC-200", 1),
		{Owner: key("CC-100"), Kind: ledger.KindCut, Quantity: ledger.Qty(3, 90_000), RequestedBy: "E001"},
		additional(5),
	}
	for _, in := range inputs {
		rec, err := f.engine.Submit(ctx, in)
		require.NoError(t, err)
		if rec.Status == movement.StatusPending {
			_, err = f.engine.Approve(ctx, rec.ID, "M100")
			require.NoError(t, err)
		}
		f.entry(t, "CC-100")
		f.entry(t, "CC-200")
	}
	e := f.entry(t, "CC-100")
	require.Equal(t, int64(10+2-1-3+5), e.B1.Hc)
	require.True(t, e.B1.Amount.Equal(ledger.Qty(0, 500_000+40_000-20_000-90_000+125_000).Amount))
	require.Equal(t, int64(-1), f.entry(t, "CC-200").B1.Hc)
}

func TestParseTransferMode(t *testing.T) {
	mode, err := ParseTransferMode("")
	require.NoError(t, err)
	require.Equal(t, TransferDoubleEntry, mode)
	mode, err = ParseTransferMode(" Single_Sided ")
	require.NoError(t, err)
	require.Equal(t, TransferSingleSided, mode)
	_, err = ParseTransferMode("triple")
	require.Error(t, err)
}

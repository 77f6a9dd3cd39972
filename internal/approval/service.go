package approval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-pe/internal/access"
	"github.com/odyssey-erp/odyssey-pe/internal/ledger"
	"github.com/odyssey-erp/odyssey-pe/internal/movement"
	"github.com/odyssey-erp/odyssey-pe/internal/notify"
	"github.com/odyssey-erp/odyssey-pe/internal/shared"
)

// ExpireActor is recorded as decider of movements expired by the sweep.
const ExpireActor shared.Identity = "system:expire"

const defaultExpireBatch = 500

var (
	// ErrNoApprover indicates master data names no approver for a cost center.
	ErrNoApprover = fmt.Errorf("approval: %w: no approver configured", shared.ErrValidation)
	// ErrUploaderMissing indicates attachments are not configured.
	ErrUploaderMissing = errors.New("approval: attachment store not configured")
)

// TransferMode selects how MoveIn/MoveOut affect the counterpart ledger.
type TransferMode string

const (
	// TransferDoubleEntry books the mirrored kind on the counterpart entry in
	// the same transaction.
	TransferDoubleEntry TransferMode = "double_entry"
	// TransferSingleSided only books the owning entry.
	TransferSingleSided TransferMode = "single_sided"
)

// ParseTransferMode parses a configured mode; empty means double entry.
func ParseTransferMode(s string) (TransferMode, error) {
	switch TransferMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", TransferDoubleEntry:
		return TransferDoubleEntry, nil
	case TransferSingleSided:
		return TransferSingleSided, nil
	}
	return "", fmt.Errorf("approval: unknown transfer mode %q", s)
}

// Config tunes the engine.
type Config struct {
	TransferMode TransferMode
	// PendingTTL expires Pending movements older than this; zero disables expiry.
	PendingTTL  time.Duration
	ExpireBatch int
}

// Uploader stores attachment content and returns its reference.
type Uploader interface {
	Upload(ctx context.Context, movementID int64, filename string, r io.Reader) (string, error)
}

// Engine runs the movement approval workflow: submission, decisions and the
// ledger effects they trigger.
type Engine struct {
	store    Store
	filter   access.Filter
	policy   Policy
	notifier notify.Dispatcher
	uploader Uploader
	metrics  *Metrics
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
}

// NewEngine constructs the engine. notifier may be nil.
func NewEngine(store Store, filter access.Filter, notifier notify.Dispatcher, logger *slog.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TransferMode == "" {
		cfg.TransferMode = TransferDoubleEntry
	}
	if cfg.ExpireBatch <= 0 {
		cfg.ExpireBatch = defaultExpireBatch
	}
	return &Engine{
		store:    store,
		filter:   filter,
		policy:   OwnershipPolicy{},
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// WithPolicy replaces the approval policy.
func (e *Engine) WithPolicy(p Policy) {
	if p != nil {
		e.policy = p
	}
}

// WithUploader enables attachments.
func (e *Engine) WithUploader(u Uploader) { e.uploader = u }

// WithMetrics enables workflow metrics.
func (e *Engine) WithMetrics(m *Metrics) { e.metrics = m }

// WithNow overrides the clock for tests.
func (e *Engine) WithNow(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// DoubleEntry reports whether transfers book the counterpart too.
func (e *Engine) DoubleEntry() bool {
	return e.cfg.TransferMode == TransferDoubleEntry
}

// Submit validates and records a movement. Movements that need no approval
// hit the ledger in the same transaction; the others wait as Pending.
func (e *Engine) Submit(ctx context.Context, in movement.SubmitInput) (movement.Record, error) {
	if err := in.Validate(); err != nil {
		return movement.Record{}, err
	}
	in.Counterpart = strings.TrimSpace(in.Counterpart)
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
	scope := access.NewScope(e.filter)

	if err := requireOpenPeriod(ctx, scope, in.Owner); err != nil {
		return movement.Record{}, err
	}
	if err := access.Authorize(ctx, scope, in.RequestedBy, in.Owner.CompanyID, in.Owner.CostCenter); err != nil {
		return movement.Record{}, err
	}
	if in.IdempotencyKey != "" {
		if rec, ok, err := e.replay(ctx, in); err != nil || ok {
			return rec, err
		}
	}
	req, err := e.policy.RequiresApproval(ctx, scope, in.Kind, in.Owner, in.Counterpart)
	if err != nil {
		return movement.Record{}, err
	}
	status := movement.StatusNotRequired
	if req.Required {
		if req.Approver.IsZero() {
			return movement.Record{}, fmt.Errorf("%w: %s", ErrNoApprover, req.CostCenter)
		}
		status = movement.StatusPending
	}

	now := e.now()
	var rec movement.Record
	err = e.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		keys := []ledger.Key{in.Owner}
		if status == movement.StatusNotRequired && e.DoubleEntry() && in.Kind.IsTransfer() {
			keys = append(keys, in.Owner.WithCostCenter(in.Counterpart))
		}
		entries, err := lockEntries(ctx, tx.Ledger(), keys)
		if err != nil {
			return err
		}
		owner := entries[in.Owner]
		if !owner.Active {
			return fmt.Errorf("%w: %s", ledger.ErrInactive, in.Owner)
		}
		rec, err = tx.Movements().Insert(ctx, movement.NewRecord(in, owner.ID, status, req.Approver, now))
		if err != nil {
			return err
		}
		if status == movement.StatusNotRequired {
			if err := e.applyEffects(ctx, tx.Ledger(), rec, entries); err != nil {
				return err
			}
		}
		if err := tx.RecordHistory(ctx, historyEntry(rec.ID, in.RequestedBy, shared.ApprovalSubmit, string(status), now)); err != nil {
			return err
		}
		if in.IdempotencyKey != "" {
			return tx.BindIdempotencyKey(ctx, in.IdempotencyKey, rec.ID)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateSubmission) {
			if replayed, ok, rerr := e.replay(ctx, in); rerr == nil && ok {
				return replayed, nil
			}
		}
		return movement.Record{}, err
	}

	e.metrics.observeSubmit(string(rec.Kind), string(rec.Status))
	e.logger.Info("movement submitted",
		slog.Int64("movement_id", rec.ID),
		slog.String("key", rec.Owner.String()),
		slog.String("kind", string(rec.Kind)),
		slog.String("status", string(rec.Status)),
		slog.String("requested_by", rec.RequestedBy.String()),
	)
	if rec.Status == movement.StatusPending {
		e.notify(ctx, rec, notify.KindPendingApproval, *rec.PendingApprover)
	}
	return rec, nil
}

// Approve moves a Pending movement to Approved and applies its ledger
// effect. The effect is applied at most once: the movement row lock and the
// conditional status update admit a single winner.
func (e *Engine) Approve(ctx context.Context, id int64, approver shared.Identity) (movement.Record, error) {
	if approver.IsZero() {
		return movement.Record{}, fmt.Errorf("approval: %w: approver required", shared.ErrUnauthorized)
	}
	scope := access.NewScope(e.filter)
	now := e.now()
	var rec movement.Record
	err := e.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		cur, err := tx.Movements().LoadForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := authorizeDecision(ctx, scope, cur, approver); err != nil {
			return err
		}
		if err := requireOpenPeriod(ctx, scope, cur.Owner); err != nil {
			return err
		}
		decision := movement.Decision{ID: cur.ID, Status: movement.StatusApproved, DecidedBy: approver, DecidedAt: now}
		if err := tx.Movements().Decide(ctx, decision); err != nil {
			return err
		}
		decision.Apply(&cur)

		keys := []ledger.Key{cur.Owner}
		if cp, ok := cur.CounterpartKey(); ok && e.DoubleEntry() {
			keys = append(keys, cp)
		}
		entries, err := lockEntries(ctx, tx.Ledger(), keys)
		if err != nil {
			return err
		}
		if err := e.applyEffects(ctx, tx.Ledger(), cur, entries); err != nil {
			return err
		}
		if err := tx.RecordHistory(ctx, historyEntry(cur.ID, approver, shared.ApprovalApprove, "", now)); err != nil {
			return err
		}
		rec = cur
		return nil
	})
	if err != nil {
		return movement.Record{}, err
	}
	e.decided(ctx, rec, notify.KindApproved)
	return rec, nil
}

// Reject moves a Pending movement to Rejected. The ledger is not touched.
func (e *Engine) Reject(ctx context.Context, id int64, approver shared.Identity, reason string) (movement.Record, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return movement.Record{}, movement.ErrReasonRequired
	}
	if approver.IsZero() {
		return movement.Record{}, fmt.Errorf("approval: %w: approver required", shared.ErrUnauthorized)
	}
	scope := access.NewScope(e.filter)
	now := e.now()
	var rec movement.Record
	err := e.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		cur, err := tx.Movements().LoadForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := authorizeDecision(ctx, scope, cur, approver); err != nil {
			return err
		}
		decision := movement.Decision{
			ID:              cur.ID,
			Status:          movement.StatusRejected,
			DecidedBy:       approver,
			DecidedAt:       now,
			RejectionReason: reason,
		}
		if err := tx.Movements().Decide(ctx, decision); err != nil {
			return err
		}
		decision.Apply(&cur)
		if err := tx.RecordHistory(ctx, historyEntry(cur.ID, approver, shared.ApprovalReject, reason, now)); err != nil {
			return err
		}
		rec = cur
		return nil
	})
	if err != nil {
		return movement.Record{}, err
	}
	e.decided(ctx, rec, notify.KindRejected)
	return rec, nil
}

// ExpireStale moves Pending movements older than the configured TTL to
// Expired and returns how many it expired. Each movement is handled in its
// own transaction; one failure does not stop the sweep.
func (e *Engine) ExpireStale(ctx context.Context) (int, error) {
	if e.cfg.PendingTTL <= 0 {
		return 0, nil
	}
	now := e.now()
	stale, err := e.store.StalePending(ctx, now.Add(-e.cfg.PendingTTL), e.cfg.ExpireBatch)
	if err != nil {
		return 0, err
	}
	var (
		expired int
		errs    []error
	)
	for _, candidate := range stale {
		var rec movement.Record
		err := e.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
			cur, err := tx.Movements().LoadForUpdate(ctx, candidate.ID)
			if err != nil {
				return err
			}
			decision := movement.Decision{ID: cur.ID, Status: movement.StatusExpired, DecidedBy: ExpireActor, DecidedAt: now}
			if err := tx.Movements().Decide(ctx, decision); err != nil {
				return err
			}
			decision.Apply(&cur)
			rec = cur
			note := "pending since " + cur.RequestedAt.UTC().Format(time.RFC3339)
			return tx.RecordHistory(ctx, historyEntry(cur.ID, ExpireActor, shared.ApprovalExpire, note, now))
		})
		if err != nil {
			if errors.Is(err, movement.ErrNotPending) {
				continue
			}
			e.logger.Error("expire movement", slog.Int64("movement_id", candidate.ID), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("movement %d: %w", candidate.ID, err))
			continue
		}
		expired++
		e.decided(ctx, rec, notify.KindExpired)
	}
	if expired > 0 {
		e.logger.Info("pending movements expired", slog.Int("count", expired), slog.Duration("ttl", e.cfg.PendingTTL))
	}
	return expired, errors.Join(errs...)
}

// Attach stores an attachment for an Additional movement that is still
// Pending or was applied without approval. A Pending movement's approver
// gets a refreshed notice carrying the attachment.
func (e *Engine) Attach(ctx context.Context, id int64, actor shared.Identity, filename string, content io.Reader) (movement.Record, error) {
	if e.uploader == nil {
		return movement.Record{}, ErrUploaderMissing
	}
	rec, err := e.store.Movement(ctx, id)
	if err != nil {
		return movement.Record{}, err
	}
	if err := attachable(rec); err != nil {
		return movement.Record{}, err
	}
	if actor != rec.RequestedBy {
		if err := access.Authorize(ctx, e.filter, actor, rec.Owner.CompanyID, rec.Owner.CostCenter); err != nil {
			return movement.Record{}, err
		}
	}
	ref, err := e.uploader.Upload(ctx, id, filename, content)
	if err != nil {
		return movement.Record{}, fmt.Errorf("approval: upload attachment: %w", err)
	}
	err = e.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		cur, err := tx.Movements().LoadForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := attachable(cur); err != nil {
			return err
		}
		if err := tx.Movements().SetAttachment(ctx, id, ref); err != nil {
			return err
		}
		cur.AttachmentRef = &ref
		rec = cur
		return nil
	})
	if err != nil {
		return movement.Record{}, err
	}
	e.logger.Info("movement attachment stored", slog.Int64("movement_id", id), slog.String("ref", ref))
	if rec.Status == movement.StatusPending {
		e.notify(ctx, rec, notify.KindPendingApproval, e.currentApprover(ctx, rec))
	}
	return rec, nil
}

// currentApprover resolves who decides rec now, falling back to the approver
// recorded at submission when master data cannot answer.
func (e *Engine) currentApprover(ctx context.Context, rec movement.Record) shared.Identity {
	costCenter := approvalCostCenter(rec.Kind, rec.Owner, rec.Counterpart)
	id, err := e.filter.ResolveApprover(ctx, rec.Owner.CompanyID, costCenter)
	if err == nil && !id.IsZero() {
		return id
	}
	if err != nil {
		e.logger.Warn("resolve current approver", slog.Int64("movement_id", rec.ID), slog.Any("error", err))
	}
	if rec.PendingApprover != nil {
		return *rec.PendingApprover
	}
	return ""
}

// History returns the approval log of a movement, oldest first.
func (e *Engine) History(ctx context.Context, id int64) ([]shared.ApprovalLog, error) {
	if _, err := e.store.Movement(ctx, id); err != nil {
		return nil, err
	}
	return e.store.History(ctx, id)
}

func (e *Engine) replay(ctx context.Context, in movement.SubmitInput) (movement.Record, bool, error) {
	id, ok, err := e.store.IdempotentMovement(ctx, in.IdempotencyKey)
	if err != nil || !ok {
		return movement.Record{}, false, err
	}
	rec, err := e.store.Movement(ctx, id)
	if err != nil {
		return movement.Record{}, false, err
	}
	if rec.RequestedBy != in.RequestedBy {
		return movement.Record{}, false, fmt.Errorf("approval: %w: idempotency key reused by another requester", shared.ErrStorageConflict)
	}
	e.logger.Info("movement submission replayed", slog.Int64("movement_id", id))
	return rec, true, nil
}

// applyEffects books rec on its owning entry and, in double-entry mode, the
// mirrored kind on the counterpart. entries must hold every locked key.
func (e *Engine) applyEffects(ctx context.Context, tx ledger.TxRepository, rec movement.Record, entries map[ledger.Key]ledger.Entry) error {
	if err := e.book(ctx, tx, rec, rec.Owner, rec.Kind, entries); err != nil {
		return err
	}
	if cp, ok := rec.CounterpartKey(); ok && e.DoubleEntry() {
		return e.book(ctx, tx, rec, cp, rec.Kind.Mirror(), entries)
	}
	return nil
}

func (e *Engine) book(ctx context.Context, tx ledger.TxRepository, rec movement.Record, key ledger.Key, kind ledger.Kind, entries map[ledger.Key]ledger.Entry) error {
	entry, ok := entries[key]
	if !ok {
		return fmt.Errorf("approval: ledger entry %s not locked", key)
	}
	if err := ledger.ApplyMovementDelta(&entry, kind, rec.Quantity, kind.Direction()); err != nil {
		return err
	}
	saved, err := tx.Save(ctx, entry)
	if err != nil {
		return err
	}
	entries[key] = saved
	return tx.RecordAudit(ctx, shared.AuditLog{
		Actor:    actorOf(rec),
		Action:   "pe.ledger.apply_movement",
		Entity:   "pe_ledger_entry",
		EntityID: strconv.FormatInt(saved.ID, 10),
		Meta: map[string]any{
			"movement_id": rec.ID,
			"kind":        string(kind),
			"quantity":    rec.Quantity.String(),
			"b1":          saved.B1.String(),
		},
		At: e.now(),
	})
}

func (e *Engine) decided(ctx context.Context, rec movement.Record, kind notify.Kind) {
	e.metrics.observeDecision(string(rec.Status))
	e.logger.Info("movement decided",
		slog.Int64("movement_id", rec.ID),
		slog.String("status", string(rec.Status)),
		slog.String("decided_by", actorOf(rec).String()),
	)
	if e.notifier == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := e.notifier.Resolve(ctx, rec.ID); err != nil {
		e.metrics.notifyFailed()
		e.logger.Warn("resolve notifications", slog.Int64("movement_id", rec.ID), slog.Any("error", err))
	}
	e.notify(ctx, rec, kind, rec.RequestedBy)
}

// notify hands a message to the dispatcher. Failures are logged and never
// reach the caller: the workflow already committed.
func (e *Engine) notify(ctx context.Context, rec movement.Record, kind notify.Kind, recipient shared.Identity) {
	if e.notifier == nil || recipient.IsZero() {
		return
	}
	if err := e.notifier.Notify(context.WithoutCancel(ctx), notify.MessageFor(rec, kind, recipient)); err != nil {
		e.metrics.notifyFailed()
		e.logger.Warn("notify",
			slog.Int64("movement_id", rec.ID),
			slog.String("recipient", recipient.String()),
			slog.String("kind", string(kind)),
			slog.Any("error", err),
		)
	}
}

// lockEntries gets or creates every key under a row lock, in key order.
func lockEntries(ctx context.Context, tx ledger.TxRepository, keys []ledger.Key) (map[ledger.Key]ledger.Entry, error) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	entries := make(map[ledger.Key]ledger.Entry, len(keys))
	for _, key := range keys {
		if _, seen := entries[key]; seen {
			continue
		}
		entry, err := tx.GetOrCreateForUpdate(ctx, key)
		if err != nil {
			return nil, err
		}
		entries[key] = entry
	}
	return entries, nil
}

func authorizeDecision(ctx context.Context, f access.Filter, rec movement.Record, actor shared.Identity) error {
	if rec.Status != movement.StatusPending {
		return fmt.Errorf("%w: movement %d is %s", movement.ErrNotPending, rec.ID, rec.Status)
	}
	costCenter := approvalCostCenter(rec.Kind, rec.Owner, rec.Counterpart)
	want, err := f.ResolveApprover(ctx, rec.Owner.CompanyID, costCenter)
	if err != nil {
		return err
	}
	if want != actor {
		return fmt.Errorf("approval: %w: %s is not the approver of %s", shared.ErrUnauthorized, actor, costCenter)
	}
	return access.Authorize(ctx, f, actor, rec.Owner.CompanyID, costCenter)
}

func requireOpenPeriod(ctx context.Context, f access.Filter, key ledger.Key) error {
	open, err := f.PeriodOpen(ctx, key.CompanyID, key.Period)
	if err != nil {
		return err
	}
	if !open {
		return fmt.Errorf("%w: %s", shared.ErrPeriodClosed, key.Period)
	}
	return nil
}

func attachable(rec movement.Record) error {
	if rec.Kind != ledger.KindAdditional {
		return fmt.Errorf("%w: only additional movements take attachments", movement.ErrAttachmentNotAllowed)
	}
	if rec.Status != movement.StatusPending && rec.Status != movement.StatusNotRequired {
		return fmt.Errorf("%w: movement is %s", movement.ErrAttachmentNotAllowed, rec.Status)
	}
	return nil
}

func actorOf(rec movement.Record) shared.Identity {
	if rec.DecidedBy != nil {
		return *rec.DecidedBy
	}
	return rec.RequestedBy
}

func historyEntry(movementID int64, actor shared.Identity, action shared.ApprovalAction, note string, at time.Time) shared.ApprovalLog {
	return shared.ApprovalLog{
		Module: Module,
		RefID:  shared.ApprovalRef(Module, movementID),
		Actor:  actor,
		Action: action,
		Note:   note,
		At:     at,
	}
}

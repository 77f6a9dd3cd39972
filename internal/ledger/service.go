package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/odyssey-erp/odyssey-pe/internal/shared"
)

const auditEntity = "pe_ledger_entry"

// ErrActorRequired indicates a ledger mutation without an actor.
var ErrActorRequired = fmt.Errorf("%w: actor required", shared.ErrValidation)

// FiguresInput carries a direct overwrite of B0 or Actual.
type FiguresInput struct {
	Key      Key
	Quantity Quantity
	Actor    shared.Identity
	Note     string
}

// Validate ensures the input is well formed.
func (in FiguresInput) Validate() error {
	if in.Key.CompanyID <= 0 || in.Key.CostCenter == "" {
		return fmt.Errorf("%w: company and cost center required", shared.ErrValidation)
	}
	if !in.Key.Period.Valid() {
		return ErrInvalidPeriod
	}
	if in.Actor.IsZero() {
		return ErrActorRequired
	}
	if in.Quantity.IsNegative() {
		return ErrNegativeQuantity
	}
	return nil
}

// Service coordinates ledger reads and direct figure overwrites.
type Service struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs the ledger service.
func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, now: time.Now}
}

// WithNow overrides the clock for tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Get returns the ledger entry for key.
func (s *Service) Get(ctx context.Context, key Key) (Entry, error) {
	return s.repo.Get(ctx, key)
}

// List returns the entries of a company for a period.
func (s *Service) List(ctx context.Context, companyID int64, period Period) ([]Entry, error) {
	if companyID <= 0 || !period.Valid() {
		return nil, fmt.Errorf("%w: company and period required", shared.ErrValidation)
	}
	return s.repo.List(ctx, companyID, period)
}

// GetOrCreate returns the existing entry or creates one seeded with B0 = 0.
func (s *Service) GetOrCreate(ctx context.Context, key Key) (Entry, error) {
	var entry Entry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		entry, err = tx.GetOrCreateForUpdate(ctx, key)
		return err
	})
	return entry, err
}

// SetOpening overwrites B0 for the entry, creating it when needed.
func (s *Service) SetOpening(ctx context.Context, in FiguresInput) (Entry, error) {
	return s.overwrite(ctx, in, "pe.ledger.set_opening", SetOpening)
}

// SetActual overwrites the actual headcount and cost for the entry.
func (s *Service) SetActual(ctx context.Context, in FiguresInput) (Entry, error) {
	return s.overwrite(ctx, in, "pe.ledger.set_actual", SetActual)
}

func (s *Service) overwrite(ctx context.Context, in FiguresInput, action string, apply func(*Entry, Quantity) error) (Entry, error) {
	if err := in.Validate(); err != nil {
		return Entry{}, err
	}
	var saved Entry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		entry, err := tx.GetOrCreateForUpdate(ctx, in.Key)
		if err != nil {
			return err
		}
		before := entry
		if err := apply(&entry, in.Quantity); err != nil {
			return err
		}
		saved, err = tx.Save(ctx, entry)
		if err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			Actor:    in.Actor,
			Action:   action,
			Entity:   auditEntity,
			EntityID: strconv.FormatInt(saved.ID, 10),
			Meta: map[string]any{
				"key":    in.Key.String(),
				"before": figuresMeta(before),
				"after":  figuresMeta(saved),
				"note":   in.Note,
			},
			At: s.now(),
		})
	})
	if err != nil {
		return Entry{}, err
	}
	s.logger.Info("ledger figures updated",
		slog.String("action", action),
		slog.String("key", in.Key.String()),
		slog.String("actor", in.Actor.String()),
	)
	return saved, nil
}

// Deactivate marks the entry inactive; it keeps its figures and history.
func (s *Service) Deactivate(ctx context.Context, key Key, actor shared.Identity) error {
	if actor.IsZero() {
		return ErrActorRequired
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		entry, err := tx.LoadForUpdate(ctx, key)
		if err != nil {
			return err
		}
		if !entry.Active {
			return nil
		}
		entry.Active = false
		saved, err := tx.Save(ctx, entry)
		if err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   "pe.ledger.deactivate",
			Entity:   auditEntity,
			EntityID: strconv.FormatInt(saved.ID, 10),
			Meta:     map[string]any{"key": key.String()},
			At:       s.now(),
		})
	})
}

// IsNotFound reports whether err means the entry is missing.
func IsNotFound(err error) bool {
	return errors.Is(err, shared.ErrNotFound)
}

func figuresMeta(e Entry) map[string]string {
	return map[string]string{
		"b0":     e.B0.String(),
		"b1":     e.B1.String(),
		"actual": e.Actual.String(),
	}
}

package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-pe/internal/shared"
)

// EventPublisher pushes inbox events to live subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Service delivers notifications synchronously and serves the inbox.
type Service struct {
	repo      Repository
	publisher EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs the notification service. publisher may be nil.
func NewService(repo Repository, publisher EventPublisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, publisher: publisher, logger: logger, now: time.Now}
}

// WithNow overrides the clock for tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Notify implements Dispatcher.
func (s *Service) Notify(ctx context.Context, msg Message) error {
	_, err := s.Deliver(ctx, msg)
	return err
}

// Deliver persists the inbox row and publishes it. A pending-approval
// message refreshes the recipient's open notice for the movement instead of
// adding a second one. A publish failure is logged; the row is already
// durable and shows up on the next poll.
func (s *Service) Deliver(ctx context.Context, msg Message) (Notification, error) {
	if err := msg.Validate(); err != nil {
		return Notification{}, err
	}
	n := Notification{
		ID:            uuid.New(),
		MovementID:    msg.MovementID,
		Recipient:     msg.Recipient,
		Kind:          msg.Kind,
		Summary:       msg.Summary,
		AttachmentRef: msg.AttachmentRef,
		CreatedAt:     s.now(),
	}
	evType := EventCreated
	if n.Kind == KindPendingApproval {
		stored, inserted, err := s.repo.UpsertPending(ctx, n)
		if err != nil {
			return Notification{}, fmt.Errorf("notify: upsert pending: %w", err)
		}
		if !inserted {
			evType = EventUpdated
		}
		n = stored
	} else if err := s.repo.Insert(ctx, n); err != nil {
		return Notification{}, fmt.Errorf("notify: insert: %w", err)
	}
	s.publish(ctx, Event{Type: evType, Recipient: n.Recipient.String(), MovementID: n.MovementID, Notification: &n})
	return n, nil
}

// Resolve implements Dispatcher: open pending-approval notices of the
// movement are marked resolved and their recipients told.
func (s *Service) Resolve(ctx context.Context, movementID int64) error {
	resolved, err := s.repo.ResolveByMovement(ctx, movementID, s.now())
	if err != nil {
		return fmt.Errorf("notify: resolve: %w", err)
	}
	for i := range resolved {
		n := resolved[i]
		s.publish(ctx, Event{Type: EventResolved, Recipient: n.Recipient.String(), MovementID: movementID, Notification: &n})
	}
	return nil
}

// List returns the inbox of recipient, newest first.
func (s *Service) List(ctx context.Context, recipient shared.Identity, unreadOnly bool, limit int) ([]Notification, error) {
	if recipient.IsZero() {
		return nil, fmt.Errorf("notify: %w: recipient required", shared.ErrValidation)
	}
	return s.repo.ListByRecipient(ctx, recipient, unreadOnly, limit)
}

// MarkRead flags one notification of recipient as read.
func (s *Service) MarkRead(ctx context.Context, id uuid.UUID, recipient shared.Identity) error {
	if id == uuid.Nil || recipient.IsZero() {
		return fmt.Errorf("notify: %w: id and recipient required", shared.ErrValidation)
	}
	return s.repo.MarkRead(ctx, id, recipient)
}

func (s *Service) publish(ctx context.Context, ev Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("notify: publish event",
			slog.String("type", ev.Type),
			slog.Int64("movement_id", ev.MovementID),
			slog.Any("error", err),
		)
	}
}

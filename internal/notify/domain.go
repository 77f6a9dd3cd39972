package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-pe/internal/shared"
)

// ErrNotFound indicates the notification does not exist for the recipient.
var ErrNotFound = fmt.Errorf("notify: %w", shared.ErrNotFound)

// Kind classifies a notification.
type Kind string

const (
	KindPendingApproval Kind = "PENDING_APPROVAL"
	KindApproved        Kind = "APPROVED"
	KindRejected        Kind = "REJECTED"
	KindExpired         Kind = "EXPIRED"
)

// Valid reports whether k is known.
func (k Kind) Valid() bool {
	switch k {
	case KindPendingApproval, KindApproved, KindRejected, KindExpired:
		return true
	}
	return false
}

// Notification is one inbox item for a recipient.
type Notification struct {
	ID            uuid.UUID       `json:"id"`
	MovementID    int64           `json:"movement_id"`
	Recipient     shared.Identity `json:"recipient"`
	Kind          Kind            `json:"kind"`
	Summary       string          `json:"summary"`
	AttachmentRef *string         `json:"attachment_ref,omitempty"`
	Read          bool            `json:"read"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Message is what the workflow asks to deliver.
type Message struct {
	MovementID    int64
	Recipient     shared.Identity
	Kind          Kind
	Summary       string
	AttachmentRef *string
}

// Validate checks the message carries enough to be delivered.
func (m Message) Validate() error {
	if m.MovementID <= 0 || m.Recipient.IsZero() || !m.Kind.Valid() {
		return fmt.Errorf("notify: %w: movement, recipient and kind required", shared.ErrValidation)
	}
	return nil
}

// Dispatcher receives workflow notifications. Calls are made after the
// workflow committed; implementations must not block on slow delivery.
type Dispatcher interface {
	Notify(ctx context.Context, msg Message) error
	Resolve(ctx context.Context, movementID int64) error
}

// Event is published to live subscribers when the inbox changes.
type Event struct {
	Type         string        `json:"type"`
	Recipient    string        `json:"recipient,omitempty"`
	MovementID   int64         `json:"movement_id"`
	Notification *Notification `json:"notification,omitempty"`
}

const (
	EventCreated  = "notification.created"
	EventUpdated  = "notification.updated"
	EventResolved = "notification.resolved"
)

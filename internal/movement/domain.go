package movement

import (
	"errors"
	"fmt"
	"time"

	"github.com/odyssey-erp/odyssey-pe/internal/ledger"
	"github.com/odyssey-erp/odyssey-pe/internal/shared"
)

var (
	// ErrNotFound indicates the movement does not exist.
	ErrNotFound = fmt.Errorf("movement: %w", shared.ErrNotFound)
	// ErrNotPending indicates a decision on a movement that already left Pending.
	ErrNotPending = fmt.Errorf("movement: %w: not pending", shared.ErrInvalidStateTransition)
	// ErrNonPositiveQuantity indicates hc or amount is zero or negative.
	ErrNonPositiveQuantity = fmt.Errorf("movement: %w: hc and amount must be positive", shared.ErrValidation)
	// ErrCounterpartRequired indicates a transfer without a counterpart cost center.
	ErrCounterpartRequired = fmt.Errorf("movement: %w: counterpart cost center required", shared.ErrValidation)
	// ErrCounterpartIsOwner indicates a transfer onto the owning cost center.
	ErrCounterpartIsOwner = fmt.Errorf("movement: %w: counterpart must differ from owner", shared.ErrValidation)
	// ErrUnexpectedCounterpart indicates a counterpart on a non-transfer kind.
	ErrUnexpectedCounterpart = fmt.Errorf("movement: %w: counterpart only allowed on transfers", shared.ErrValidation)
	// ErrRemarkRequired indicates an Additional movement without a remark.
	ErrRemarkRequired = fmt.Errorf("movement: %w: remark required for additional", shared.ErrValidation)
	// ErrRequesterRequired indicates a submission without requester identity.
	ErrRequesterRequired = fmt.Errorf("movement: %w: requester required", shared.ErrValidation)
	// ErrReasonRequired indicates a rejection without a reason.
	ErrReasonRequired = fmt.Errorf("movement: %w: rejection reason required", shared.ErrValidation)
	// ErrAttachmentNotAllowed indicates an attachment on a kind or status that cannot take one.
	ErrAttachmentNotAllowed = fmt.Errorf("movement: %w: attachment not allowed", shared.ErrInvalidStateTransition)
	errMissingDecision      = errors.New("movement: decision requires status and decider")
)

// Status is the approval state of a movement.
type Status string

const (
	StatusNotRequired Status = "NOT_REQUIRED"
	StatusPending     Status = "PENDING"
	StatusApproved    Status = "APPROVED"
	StatusRejected    Status = "REJECTED"
	StatusExpired     Status = "EXPIRED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// AffectsLedger reports whether a movement in this status has been applied.
func (s Status) AffectsLedger() bool {
	return s == StatusNotRequired || s == StatusApproved
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusNotRequired, StatusPending, StatusApproved, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Record is one movement against a ledger entry.
type Record struct {
	ID              int64            `json:"id"`
	LedgerID        int64            `json:"ledger_id"`
	Owner           ledger.Key       `json:"owner"`
	Counterpart     *string          `json:"counterpart,omitempty"`
	Kind            ledger.Kind      `json:"kind"`
	Quantity        ledger.Quantity  `json:"quantity"`
	Remark          string           `json:"remark"`
	AttachmentRef   *string          `json:"attachment_ref,omitempty"`
	Status          Status           `json:"status"`
	PendingApprover *shared.Identity `json:"pending_approver,omitempty"`
	RequestedBy     shared.Identity  `json:"requested_by"`
	RequestedAt     time.Time        `json:"requested_at"`
	DecidedBy       *shared.Identity `json:"decided_by,omitempty"`
	DecidedAt       *time.Time       `json:"decided_at,omitempty"`
	RejectionReason *string          `json:"rejection_reason,omitempty"`
}

// CounterpartKey returns the ledger key of the counterpart cost center.
func (r Record) CounterpartKey() (ledger.Key, bool) {
	if r.Counterpart == nil || !r.Kind.IsTransfer() {
		return ledger.Key{}, false
	}
	return r.Owner.WithCostCenter(*r.Counterpart), true
}

// AwaitsDecisionFrom reports whether id is the approver the record waits on.
func (r Record) AwaitsDecisionFrom(id shared.Identity) bool {
	return r.Status == StatusPending && r.PendingApprover != nil && *r.PendingApprover == id
}

// Decision is the one-time write of the approval fields.
type Decision struct {
	ID              int64
	Status          Status
	DecidedBy       shared.Identity
	DecidedAt       time.Time
	RejectionReason string
}

// Validate ensures the decision describes a terminal transition.
func (d Decision) Validate() error {
	if d.ID <= 0 || d.DecidedBy.IsZero() || !d.Status.Terminal() || d.Status == StatusNotRequired || !d.Status.Valid() {
		return errMissingDecision
	}
	if d.Status == StatusRejected && d.RejectionReason == "" {
		return ErrReasonRequired
	}
	return nil
}

// Apply copies the decision onto r.
func (d Decision) Apply(r *Record) {
	r.Status = d.Status
	by := d.DecidedBy
	at := d.DecidedAt
	r.DecidedBy = &by
	r.DecidedAt = &at
	if d.RejectionReason != "" {
		reason := d.RejectionReason
		r.RejectionReason = &reason
	}
}

package ledger

import (
	"fmt"
	"time"
)

// NewEntry returns an active entry for key seeded with B0 = 0.
func NewEntry(key Key, now time.Time) Entry {
	e := Entry{Key: key, Active: true, CreatedAt: now, UpdatedAt: now}
	Recompute(&e)
	return e
}

// Recompute derives B1 and the variances from the stored figures:
//
//	B1         = B0 + AccMoveIn + AccAdd - AccMoveOut - AccCut
//	DiffFromB0 = B0 - Actual
//	DiffFromB1 = B1 - Actual
func Recompute(e *Entry) {
	e.B1 = e.B0.Add(e.AccMoveIn).Add(e.AccAdd).Sub(e.AccMoveOut).Sub(e.AccCut)
	e.DiffFromB0 = e.B0.Sub(e.Actual)
	e.DiffFromB1 = e.B1.Sub(e.Actual)
}

// ApplyMovementDelta books qty against the per-period and accumulated
// fields of kind, then recomputes the derived figures. Fields hold
// magnitudes; dir must be the natural direction of kind and decides on
// which side of the B1 formula the amount lands.
func ApplyMovementDelta(e *Entry, kind Kind, qty Quantity, dir Direction) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if dir != kind.Direction() {
		return fmt.Errorf("%w: %s with direction %d", ErrDirectionMismatch, kind, dir)
	}
	if !e.Active {
		return fmt.Errorf("%w: %s", ErrInactive, e.Key)
	}
	period, acc := e.fields(kind)
	*period = period.Add(qty)
	*acc = acc.Add(qty)
	Recompute(e)
	return nil
}

// SetOpening overwrites B0 and recomputes.
func SetOpening(e *Entry, qty Quantity) error {
	if qty.IsNegative() {
		return ErrNegativeQuantity
	}
	e.B0 = qty
	Recompute(e)
	return nil
}

// SetActual overwrites the actual figures and recomputes.
func SetActual(e *Entry, qty Quantity) error {
	if qty.IsNegative() {
		return ErrNegativeQuantity
	}
	e.Actual = qty
	Recompute(e)
	return nil
}

// PeriodTotals returns the per-period movement figures.
func (e Entry) PeriodTotals() Totals {
	return Totals{MoveIn: e.MoveIn, MoveOut: e.MoveOut, Add: e.Add, Cut: e.Cut}
}

// CorrectPeriodTotals replaces the per-period figures with expected and
// shifts the accumulated figures by the same difference, keeping any
// carried-in accumulation from earlier periods intact.
func CorrectPeriodTotals(e *Entry, expected Totals) Drift {
	drift := Drift{Key: e.Key, Stored: e.PeriodTotals(), Expected: expected}
	if !drift.Changed() {
		return drift
	}
	for _, kind := range Kinds() {
		period, acc := e.fields(kind)
		want := expected.get(kind)
		*acc = acc.Sub(*period).Add(want)
		*period = want
	}
	Recompute(e)
	return drift
}

// Holds reports whether the stored derived figures match a fresh recompute.
func (e Entry) Holds() bool {
	probe := e
	Recompute(&probe)
	return probe.B1.Equal(e.B1) && probe.DiffFromB0.Equal(e.DiffFromB0) && probe.DiffFromB1.Equal(e.DiffFromB1)
}

func (e *Entry) fields(kind Kind) (period *Quantity, acc *Quantity) {
	switch kind {
	case KindMoveIn:
		return &e.MoveIn, &e.AccMoveIn
	case KindMoveOut:
		return &e.MoveOut, &e.AccMoveOut
	case KindAdditional:
		return &e.Add, &e.AccAdd
	default:
		return &e.Cut, &e.AccCut
	}
}

// Book adds qty to the totals of kind.
func (t *Totals) Book(kind Kind, qty Quantity) {
	switch kind {
	case KindMoveIn:
		t.MoveIn = t.MoveIn.Add(qty)
	case KindMoveOut:
		t.MoveOut = t.MoveOut.Add(qty)
	case KindAdditional:
		t.Add = t.Add.Add(qty)
	case KindCut:
		t.Cut = t.Cut.Add(qty)
	}
}

func (t Totals) get(kind Kind) Quantity {
	switch kind {
	case KindMoveIn:
		return t.MoveIn
	case KindMoveOut:
		return t.MoveOut
	case KindAdditional:
		return t.Add
	default:
		return t.Cut
	}
}

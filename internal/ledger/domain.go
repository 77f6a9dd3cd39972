package ledger

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-pe/internal/shared"
)

var (
	// ErrNotFound indicates the ledger entry does not exist.
	ErrNotFound = fmt.Errorf("ledger: entry %w", shared.ErrNotFound)
	// ErrInactive indicates a deactivated entry was asked to take movements.
	ErrInactive = fmt.Errorf("%w: ledger entry inactive", shared.ErrValidation)
	// ErrInvalidPeriod indicates a malformed period.
	ErrInvalidPeriod = fmt.Errorf("%w: invalid period", shared.ErrValidation)
	// ErrInvalidKind indicates an unknown movement kind.
	ErrInvalidKind = fmt.Errorf("%w: invalid movement kind", shared.ErrValidation)
	// ErrDirectionMismatch indicates the direction disagrees with the kind.
	ErrDirectionMismatch = errors.New("ledger: direction does not match movement kind")
	// ErrNegativeQuantity indicates a negative opening or actual figure.
	ErrNegativeQuantity = fmt.Errorf("%w: quantity must not be negative", shared.ErrValidation)
	// ErrVersionConflict indicates the row changed since it was read.
	ErrVersionConflict = fmt.Errorf("ledger: %w", shared.ErrStorageConflict)
)

// Period identifies a budget month.
type Period struct {
	Year  int `json:"year"`
	Month int `json:"month"`
}

// ParsePeriod parses the YYYY-MM form.
func ParsePeriod(s string) (Period, error) {
	year, month, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
	y, err := strconv.Atoi(year)
	if err != nil {
		return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
	m, err := strconv.Atoi(month)
	if err != nil {
		return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
	p := Period{Year: y, Month: m}
	if !p.Valid() {
		return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
	return p, nil
}

// Valid reports whether the period is a real calendar month.
func (p Period) Valid() bool {
	return p.Year >= 2000 && p.Year <= 9999 && p.Month >= 1 && p.Month <= 12
}

// String renders YYYY-MM.
func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

// Before reports whether p precedes o.
func (p Period) Before(o Period) bool {
	if p.Year != o.Year {
		return p.Year < o.Year
	}
	return p.Month < o.Month
}

// Key identifies a ledger entry.
type Key struct {
	CompanyID  int64  `json:"company_id"`
	CostCenter string `json:"cost_center"`
	Period     Period `json:"period"`
}

// String renders company/cost-center/period.
func (k Key) String() string {
	return fmt.Sprintf("%d/%s/%s", k.CompanyID, k.CostCenter, k.Period)
}

// WithCostCenter returns the key of another cost center in the same company and period.
func (k Key) WithCostCenter(code string) Key {
	k.CostCenter = code
	return k
}

// Less orders keys; row locks are always taken in this order.
func (k Key) Less(o Key) bool {
	if k.CompanyID != o.CompanyID {
		return k.CompanyID < o.CompanyID
	}
	if k.CostCenter != o.CostCenter {
		return k.CostCenter < o.CostCenter
	}
	return k.Period.Before(o.Period)
}

// Quantity pairs a headcount with a payroll amount.
type Quantity struct {
	Hc     int64           `json:"hc"`
	Amount decimal.Decimal `json:"amount"`
}

// Qty builds a Quantity from a headcount and an integral amount.
func Qty(hc int64, amount int64) Quantity {
	return Quantity{Hc: hc, Amount: decimal.NewFromInt(amount)}
}

// Add returns q + o.
func (q Quantity) Add(o Quantity) Quantity {
	return Quantity{Hc: q.Hc + o.Hc, Amount: q.Amount.Add(o.Amount)}
}

// Sub returns q - o.
func (q Quantity) Sub(o Quantity) Quantity {
	return Quantity{Hc: q.Hc - o.Hc, Amount: q.Amount.Sub(o.Amount)}
}

// IsPositive reports whether both parts are strictly positive.
func (q Quantity) IsPositive() bool {
	return q.Hc > 0 && q.Amount.IsPositive()
}

// IsNegative reports whether either part is below zero.
func (q Quantity) IsNegative() bool {
	return q.Hc < 0 || q.Amount.IsNegative()
}

// IsZero reports whether both parts are zero.
func (q Quantity) IsZero() bool {
	return q.Hc == 0 && q.Amount.IsZero()
}

// Equal compares numerically.
func (q Quantity) Equal(o Quantity) bool {
	return q.Hc == o.Hc && q.Amount.Equal(o.Amount)
}

// String renders "hc/amount".
func (q Quantity) String() string {
	return fmt.Sprintf("%d/%s", q.Hc, q.Amount.StringFixed(2))
}

// Kind enumerates movement kinds.
type Kind string

const (
	KindMoveIn     Kind = "MOVE_IN"
	KindMoveOut    Kind = "MOVE_OUT"
	KindAdditional Kind = "ADDITIONAL"
	KindCut        Kind = "CUT"
)

// Kinds lists every movement kind.
func Kinds() []Kind {
	return []Kind{KindMoveIn, KindMoveOut, KindAdditional, KindCut}
}

// Valid reports whether the kind is known.
func (k Kind) Valid() bool {
	switch k {
	case KindMoveIn, KindMoveOut, KindAdditional, KindCut:
		return true
	}
	return false
}

// IsTransfer reports whether the kind moves budget between cost centers.
func (k Kind) IsTransfer() bool {
	return k == KindMoveIn || k == KindMoveOut
}

// Direction returns the natural direction of the kind for the owning cost center.
func (k Kind) Direction() Direction {
	if k == KindMoveOut || k == KindCut {
		return Outflow
	}
	return Inflow
}

// Mirror returns the kind seen from the counterpart of a transfer.
func (k Kind) Mirror() Kind {
	switch k {
	case KindMoveIn:
		return KindMoveOut
	case KindMoveOut:
		return KindMoveIn
	}
	return k
}

// Direction is +1 for inflows and -1 for outflows.
type Direction int

const (
	Inflow  Direction = 1
	Outflow Direction = -1
)

// Entry is the per cost center, per period budget aggregate. B1 and the
// variances are derived and only ever written by Recompute.
type Entry struct {
	ID  int64 `json:"id"`
	Key Key   `json:"key"`

	B0 Quantity `json:"b0"`

	MoveIn  Quantity `json:"move_in"`
	MoveOut Quantity `json:"move_out"`
	Add     Quantity `json:"additional"`
	Cut     Quantity `json:"cut"`

	AccMoveIn  Quantity `json:"acc_move_in"`
	AccMoveOut Quantity `json:"acc_move_out"`
	AccAdd     Quantity `json:"acc_additional"`
	AccCut     Quantity `json:"acc_cut"`

	B1         Quantity `json:"b1"`
	Actual     Quantity `json:"actual"`
	DiffFromB0 Quantity `json:"diff_from_b0"`
	DiffFromB1 Quantity `json:"diff_from_b1"`

	Active    bool      `json:"active"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Totals holds the four movement aggregates of one scope.
type Totals struct {
	MoveIn  Quantity `json:"move_in"`
	MoveOut Quantity `json:"move_out"`
	Add     Quantity `json:"additional"`
	Cut     Quantity `json:"cut"`
}

// Drift describes a correction made by reconciliation.
type Drift struct {
	Key      Key    `json:"key"`
	Stored   Totals `json:"stored"`
	Expected Totals `json:"expected"`
}

// Changed reports whether the stored totals differ from the expected ones.
func (d Drift) Changed() bool {
	return !d.Stored.MoveIn.Equal(d.Expected.MoveIn) ||
		!d.Stored.MoveOut.Equal(d.Expected.MoveOut) ||
		!d.Stored.Add.Equal(d.Expected.Add) ||
		!d.Stored.Cut.Equal(d.Expected.Cut)
}

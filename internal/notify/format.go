package notify

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/odyssey-erp/odyssey-pe/internal/ledger"
	"github.com/odyssey-erp/odyssey-pe/internal/movement"
	"github.com/odyssey-erp/odyssey-pe/internal/shared"
)

var printer = message.NewPrinter(language.English)

var kindLabels = map[ledger.Kind]string{
	ledger.KindMoveIn:     "Move in",
	ledger.KindMoveOut:    "Move out",
	ledger.KindAdditional: "Additional",
	ledger.KindCut:        "Cut",
}

// Summarize renders the display text stored with a notification, e.g.
// "Move out CC-100 to CC-200 2026-03: 1 HC / 20,000.00".
func Summarize(rec movement.Record) string {
	label, ok := kindLabels[rec.Kind]
	if !ok {
		label = string(rec.Kind)
	}
	target := rec.Owner.CostCenter
	if rec.Counterpart != nil {
		switch rec.Kind {
		case ledger.KindMoveOut:
			target = rec.Owner.CostCenter + " to " + *rec.Counterpart
		case ledger.KindMoveIn:
			target = rec.Owner.CostCenter + " from " + *rec.Counterpart
		}
	}
	return printer.Sprintf("%s %s %s: %d HC / %s", label, target, rec.Owner.Period.String(), rec.Quantity.Hc, groupAmount(rec.Quantity.Amount))
}

// groupAmount renders d with two decimals and comma thousands separators
// without going through float64.
func groupAmount(d decimal.Decimal) string {
	fixed := d.StringFixed(2)
	sign := ""
	if strings.HasPrefix(fixed, "-") {
		sign, fixed = "-", fixed[1:]
	}
	whole, frac, _ := strings.Cut(fixed, ".")
	var b strings.Builder
	b.WriteString(sign)
	for i, c := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	b.WriteByte('.')
	b.WriteString(frac)
	return b.String()
}

// MessageFor builds the message announcing rec to recipient.
func MessageFor(rec movement.Record, kind Kind, recipient shared.Identity) Message {
	return Message{
		MovementID:    rec.ID,
		Recipient:     recipient,
		Kind:          kind,
		Summary:       Summarize(rec),
		AttachmentRef: rec.AttachmentRef,
	}
}

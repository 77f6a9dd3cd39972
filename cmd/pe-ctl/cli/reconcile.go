package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/odyssey-erp/odyssey-pe/internal/ledger"
)

// ExitDrift is returned when reconciliation corrected at least one entry.
const ExitDrift = 10

// Reconciler rebuilds ledger figures from the movement log.
type Reconciler interface {
	ReconcileAll(ctx context.Context, companyID int64, period *ledger.Period) ([]ledger.Drift, error)
}

// ReconcileCLI runs reconciliation synchronously against the database.
type ReconcileCLI struct {
	reconciler Reconciler
}

// NewReconcileCLI constructs the command helper.
func NewReconcileCLI(r Reconciler) *ReconcileCLI {
	return &ReconcileCLI{reconciler: r}
}

// ReconcileOptions defines the flags of the reconcile command.
type ReconcileOptions struct {
	CompanyID  int64
	Period     string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// ReconcileSummary is the JSON output of the reconcile command.
type ReconcileSummary struct {
	Corrected int            `json:"corrected"`
	Drifts    []ledger.Drift `json:"drifts"`
}

// ReconcileCommand executes reconciliation and prints the corrections.
func (c *ReconcileCLI) ReconcileCommand(ctx context.Context, opts ReconcileOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.CompanyID < 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "reconcile: --company must not be negative")
		return 1
	}
	var period *ledger.Period
	if raw := strings.TrimSpace(opts.Period); raw != "" {
		p, err := ledger.ParsePeriod(raw)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "reconcile: invalid period %q (expected YYYY-MM)\n", opts.Period)
			return 1
		}
		period = &p
	}

	drifts, err := c.reconciler.ReconcileAll(ctx, opts.CompanyID, period)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "reconcile: %v\n", err)
		return 1
	}
	if drifts == nil {
		drifts = []ledger.Drift{}
	}

	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(ReconcileSummary{Corrected: len(drifts), Drifts: drifts}); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "reconcile: encode json: %v\n", err)
			return 1
		}
	} else {
		renderDrifts(opts.Stdout, drifts)
	}
	if len(drifts) > 0 {
		return ExitDrift
	}
	return 0
}

func renderDrifts(w io.Writer, drifts []ledger.Drift) {
	if len(drifts) == 0 {
		_, _ = fmt.Fprintln(w, "No drift found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "COMPANY\tCOST CENTER\tPERIOD\tFIELD\tSTORED\tEXPECTED")
	for _, d := range drifts {
		for _, f := range []struct {
			name             string
			stored, expected ledger.Quantity
		}{
			{"move_in", d.Stored.MoveIn, d.Expected.MoveIn},
			{"move_out", d.Stored.MoveOut, d.Expected.MoveOut},
			{"additional", d.Stored.Add, d.Expected.Add},
			{"cut", d.Stored.Cut, d.Expected.Cut},
		} {
			if f.stored.Equal(f.expected) {
				continue
			}
			_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
				d.Key.CompanyID, d.Key.CostCenter, d.Key.Period, f.name, f.stored, f.expected)
		}
	}
	_ = tw.Flush()
	_, _ = fmt.Fprintf(w, "%d entries corrected.\n", len(drifts))
}

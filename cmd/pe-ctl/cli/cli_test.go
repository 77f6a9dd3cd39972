package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-pe/internal/ledger"
	"github.com/odyssey-erp/odyssey-pe/jobs"
)

type stubReconciler struct {
	drifts    []ledger.Drift
	err       error
	companyID int64
	period    *ledger.Period
}

func (s *stubReconciler) ReconcileAll(_ context.Context, companyID int64, period *ledger.Period) ([]ledger.Drift, error) {
	s.companyID = companyID
	s.period = period
	return s.drifts, s.err
}

func drift() ledger.Drift {
	return ledger.Drift{
		Key:      ledger.Key{CompanyID: 1, CostCenter: "CC-200", Period: ledger.Period{Year: 2026, Month: 3}},
		Stored:   ledger.Totals{MoveIn: ledger.Qty(0, 0)},
		Expected: ledger.Totals{MoveIn: ledger.Qty(1, 25000)},
	}
}

func TestReconcileCommandJSON(t *testing.T) {
	rec := &stubReconciler{drifts: []ledger.Drift{drift()}}
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)

	code := NewReconcileCLI(rec).ReconcileCommand(context.Background(), ReconcileOptions{
		CompanyID:  1,
		Period:     "2026-03",
		JSONOutput: true,
		Stdout:     stdout,
		Stderr:     stderr,
	})
	require.Equal(t, ExitDrift, code)
	require.Empty(t, stderr.String())
	require.EqualValues(t, 1, rec.companyID)
	require.Equal(t, ledger.Period{Year: 2026, Month: 3}, *rec.period)

	var summary ReconcileSummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.Equal(t, 1, summary.Corrected)
	require.Equal(t, "CC-200", summary.Drifts[0].Key.CostCenter)
}

func TestReconcileCommandHumanOutput(t *testing.T) {
	stdout := new(bytes.Buffer)
	code := NewReconcileCLI(&stubReconciler{drifts: []ledger.Drift{drift()}}).ReconcileCommand(context.Background(), ReconcileOptions{Stdout: stdout, Stderr: new(bytes.Buffer)})
	require.Equal(t, ExitDrift, code)
	out := stdout.String()
	require.Contains(t, out, "CC-200")
	require.Contains(t, out, "move_in")
	require.Contains(t, out, "1/25000.00")
	require.NotContains(t, out, "move_out")
	require.Contains(t, out, "1 entries corrected.")

	stdout.Reset()
	rec := &stubReconciler{}
	code = NewReconcileCLI(rec).ReconcileCommand(context.Background(), ReconcileOptions{Stdout: stdout, Stderr: new(bytes.Buffer)})
	require.Zero(t, code)
	require.Nil(t, rec.period)
	require.Contains(t, stdout.String(), "No drift found.")
}

func TestReconcileCommandFailures(t *testing.T) {
	stderr := new(bytes.Buffer)
	cli := NewReconcileCLI(&stubReconciler{err: errors.New("pg down")})

	require.Equal(t, 1, cli.ReconcileCommand(context.Background(), ReconcileOptions{Period: "03-2026", Stdout: new(bytes.Buffer), Stderr: stderr}))
	require.Contains(t, stderr.String(), "invalid period")

	stderr.Reset()
	require.Equal(t, 1, cli.ReconcileCommand(context.Background(), ReconcileOptions{Stdout: new(bytes.Buffer), Stderr: stderr}))
	require.Contains(t, stderr.String(), "pg down")
}

func TestBuildTask(t *testing.T) {
	task, opts, err := BuildTask(jobs.TaskLedgerReconcile, TriggerScope{CompanyID: 1, Period: "2026-03"})
	require.NoError(t, err)
	require.Equal(t, jobs.TaskLedgerReconcile, task.Type())
	require.NotEmpty(t, opts)

	var payload jobs.LedgerReconcilePayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.Equal(t, jobs.LedgerReconcilePayload{CompanyID: 1, Period: "2026-03"}, payload)

	_, _, err = BuildTask(jobs.TaskLedgerReconcile, TriggerScope{Period: "March"})
	require.Error(t, err)

	task, _, err = BuildTask(jobs.TaskMovementExpire, TriggerScope{})
	require.NoError(t, err)
	require.Equal(t, jobs.TaskMovementExpire, task.Type())

	_, _, err = BuildTask("pe:unknown", TriggerScope{})
	require.ErrorContains(t, err, "unsupported job")
}

func TestJobsCLIRequiresClient(t *testing.T) {
	var c *JobsCLI
	_, err := c.Trigger(context.Background(), jobs.TaskMovementExpire, TriggerScope{})
	require.Error(t, err)
	_, err = c.InspectQueues(context.Background())
	require.Error(t, err)
}

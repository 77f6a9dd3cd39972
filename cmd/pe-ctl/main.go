// Command pe-ctl runs operational tasks for the PE engine: synchronous
// ledger reconciliation and manual job queue management.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/odyssey-erp/odyssey-pe/cmd/pe-ctl/cli"
	"github.com/odyssey-erp/odyssey-pe/internal/app"
	"github.com/odyssey-erp/odyssey-pe/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-pe/internal/platform/db"
)

const usage = `usage:
  pe-ctl reconcile [--company ID] [--period YYYY-MM] [--json]
  pe-ctl jobs trigger <task> [--company ID] [--period YYYY-MM]
  pe-ctl jobs stats
  pe-ctl jobs scheduled [--size N]`

func main() {
	if app.InTestMode() {
		return
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		return 2
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		return 1
	}
	logger := app.NewLogger(cfg)

	switch args[0] {
	case "reconcile":
		return runReconcile(ctx, cfg, logger, args[1:])
	case "jobs":
		return runJobs(ctx, cfg, args[1:])
	default:
		fmt.Fprintln(os.Stderr, usage)
		return 2
	}
}

func runReconcile(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	company := fs.Int64("company", 0, "company id, 0 for all")
	period := fs.String("period", "", "period YYYY-MM, empty for all")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	pool, err := db.New(ctx, cfg.PGDSN, int32(cfg.ReconcileConcurrency+1))
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return 1
	}
	defer pool.Close()
	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		return 1
	}
	defer redisClient.Close()

	services, err := app.NewServices(app.ServiceDeps{Config: cfg, Logger: logger, Pool: pool, Redis: redisClient})
	if err != nil {
		logger.Error("init services", slog.Any("error", err))
		return 1
	}
	return cli.NewReconcileCLI(services.Reconciler).ReconcileCommand(ctx, cli.ReconcileOptions{
		CompanyID:  *company,
		Period:     *period,
		JSONOutput: *asJSON,
	})
}

func runJobs(ctx context.Context, cfg *app.Config, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		return 2
	}
	jobsCLI := cli.NewJobsCLI(cache.Options{Addr: cfg.RedisAddr}.AsynqOpts())
	defer jobsCLI.Close()

	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, usage)
			return 2
		}
		fs := flag.NewFlagSet("trigger", flag.ContinueOnError)
		company := fs.Int64("company", 0, "company id for reconciliation")
		period := fs.String("period", "", "period YYYY-MM for reconciliation")
		if err := fs.Parse(args[2:]); err != nil {
			return 2
		}
		info, err := jobsCLI.Trigger(ctx, args[1], cli.TriggerScope{CompanyID: *company, Period: *period})
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobs trigger: %v\n", err)
			return 1
		}
		fmt.Printf("enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
		return 0
	case "stats":
		stats, err := jobsCLI.InspectQueues(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobs stats: %v\n", err)
			return 1
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "QUEUE\tPENDING\tACTIVE\tSCHEDULED\tRETRY\tARCHIVED")
		for _, s := range stats {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n", s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived)
		}
		_ = tw.Flush()
		return 0
	case "scheduled":
		fs := flag.NewFlagSet("scheduled", flag.ContinueOnError)
		size := fs.Int("size", 10, "page size")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		tasks, err := jobsCLI.ListScheduled(*size)
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobs scheduled: %v\n", err)
			return 1
		}
		for _, task := range tasks {
			fmt.Printf("%s\t%s\t%s\n", task.ID, task.Type, task.NextProcessAt.Format("2006-01-02T15:04:05Z07:00"))
		}
		return 0
	default:
		fmt.Fprintln(os.Stderr, usage)
		return 2
	}
}

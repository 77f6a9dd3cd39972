// Command migrate applies the embedded PE schema migrations.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/odyssey-erp/odyssey-pe/internal/app"
	"github.com/odyssey-erp/odyssey-pe/internal/platform/db"
)

func main() {
	if app.InTestMode() {
		return
	}
	direction := "up"
	if len(os.Args) > 1 {
		direction = os.Args[1]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	migrator, err := db.NewMigrator(cfg.PGDSN, logger)
	if err != nil {
		logger.Error("init migrator", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := migrator.Close(); err != nil {
			logger.Warn("migrator close", slog.Any("error", err))
		}
	}()

	switch direction {
	case "up":
		err = migrator.Up(ctx)
	case "down":
		err = migrator.Down(ctx)
	case "status":
		err = migrator.Status(ctx)
	default:
		fmt.Fprintf(os.Stderr, "usage: migrate [up|down|status]\n")
		stop()
		os.Exit(2)
	}
	if err != nil {
		logger.Error("migrate", slog.String("direction", direction), slog.Any("error", err))
		stop()
		os.Exit(1)
	}
}

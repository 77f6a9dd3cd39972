package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-pe/internal/access"
	"github.com/odyssey-erp/odyssey-pe/internal/app"
	approvalhttp "github.com/odyssey-erp/odyssey-pe/internal/approval/http"
	ledgerhttp "github.com/odyssey-erp/odyssey-pe/internal/ledger/http"
	"github.com/odyssey-erp/odyssey-pe/internal/notify"
	notifyhttp "github.com/odyssey-erp/odyssey-pe/internal/notify/http"
	"github.com/odyssey-erp/odyssey-pe/internal/observability"
	"github.com/odyssey-erp/odyssey-pe/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-pe/internal/platform/db"
	"github.com/odyssey-erp/odyssey-pe/internal/shared"
	"github.com/odyssey-erp/odyssey-pe/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, 0)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisOpts := cache.Options{Addr: cfg.RedisAddr}
	redisClient, err := cache.New(ctx, redisOpts)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	var dispatcher notify.Dispatcher
	if cfg.NotifyAsync {
		jobClient, err := jobs.NewClient(redisOpts.AsynqOpts())
		if err != nil {
			logger.Error("init job client", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := jobClient.Close(); err != nil {
				logger.Warn("job client close", slog.Any("error", err))
			}
		}()
		dispatcher = jobs.NewQueueDispatcher(jobClient)
	}

	services, err := app.NewServices(app.ServiceDeps{
		Config:     cfg,
		Logger:     logger,
		Pool:       pool,
		Redis:      redisClient,
		Registerer: metrics.Registerer(),
		Dispatcher: dispatcher,
	})
	if err != nil {
		logger.Error("init services", slog.Any("error", err))
		os.Exit(1)
	}

	hub := notify.NewHub(logger, cfg.OriginCheck())
	go hub.Run(ctx, services.Publisher.Subscribe(ctx))

	sessions := shared.NewSessionStore(redisClient, cfg.SessionCookie, cfg.SessionTTL)
	accessMiddleware := access.Middleware{Sessions: sessions, Filter: services.Filter, Logger: logger}

	movementHandler := approvalhttp.NewHandler(logger, services.Engine, services.Movements, services.Filter, accessMiddleware, cfg.AttachmentMaxBytes)
	movementHandler.WithAttachments(services.Attachments)

	inspector := asynq.NewInspector(redisOpts.AsynqOpts())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:   logger,
		Config:   cfg,
		Access:   accessMiddleware,
		Metrics:  metrics,
		Ping:     func(r *http.Request) error { return pool.Ping(r.Context()) },
		Ledgers:  ledgerhttp.NewHandler(logger, services.Ledgers, services.Reconciler, services.Movements, services.Filter, accessMiddleware),
		Movement: movementHandler,
		Inbox:    notifyhttp.NewHandler(logger, services.Notifications, http.HandlerFunc(hub.ServeWS), accessMiddleware),
		Jobs:     jobs.NewHandler(inspector, logger),
	})

	server := &http.Server{
		Addr:              cfg.AppAddr,
		Handler:           router,
		ReadTimeout:       cfg.AppReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server",
			slog.String("addr", cfg.AppAddr),
			slog.String("transfer_mode", cfg.TransferMode),
			slog.Bool("notify_async", cfg.NotifyAsync),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

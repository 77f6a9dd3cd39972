package app

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-pe/internal/access"
	"github.com/odyssey-erp/odyssey-pe/internal/approval"
	"github.com/odyssey-erp/odyssey-pe/internal/attachment"
	"github.com/odyssey-erp/odyssey-pe/internal/ledger"
	"github.com/odyssey-erp/odyssey-pe/internal/movement"
	"github.com/odyssey-erp/odyssey-pe/internal/notify"
	"github.com/odyssey-erp/odyssey-pe/internal/platform/db"
	"github.com/odyssey-erp/odyssey-pe/internal/shared"
)

// Services is the domain wiring shared by the API and the worker.
type Services struct {
	Filter        *access.Repository
	Ledgers       *ledger.Service
	Reconciler    *ledger.Reconciler
	Movements     *movement.Service
	Engine        *approval.Engine
	Notifications *notify.Service
	Publisher     *notify.Publisher
	Attachments   *attachment.Store
	Idempotency   *shared.IdempotencyStore
}

// ServiceDeps are the infrastructure handles Services are built from.
// Dispatcher overrides where the engine sends notifications; nil delivers
// in-process through the notification service.
type ServiceDeps struct {
	Config     *Config
	Logger     *slog.Logger
	Pool       db.Pool
	Redis      *redis.Client
	Registerer prometheus.Registerer
	Dispatcher notify.Dispatcher
}

// NewServices wires repositories, the approval engine and its collaborators.
func NewServices(deps ServiceDeps) (*Services, error) {
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	auditLogger := shared.NewAuditLogger(deps.Pool)
	approvals := shared.NewApprovalRecorder(deps.Pool, logger)
	idem := shared.NewIdempotencyStore(deps.Pool)

	filter := access.NewRepository(deps.Pool)
	ledgerRepo := ledger.NewRepository(deps.Pool, auditLogger)
	movementRepo := movement.NewRepository(deps.Pool)

	publisher := notify.NewPublisher(deps.Redis, logger)
	notifications := notify.NewService(notify.NewRepository(deps.Pool), publisher, logger)

	store, err := attachment.NewStore(cfg.AttachmentDir, cfg.AttachmentMaxBytes)
	if err != nil {
		return nil, err
	}

	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = notifications
	}
	engine := approval.NewEngine(approval.NewStore(deps.Pool, auditLogger, approvals, idem), filter, dispatcher, logger, cfg.EngineConfig())
	engine.WithUploader(store)
	engine.WithMetrics(approval.NewMetrics(deps.Registerer))

	return &Services{
		Filter:        filter,
		Ledgers:       ledger.NewService(ledgerRepo, logger),
		Reconciler:    ledger.NewReconciler(ledgerRepo, logger, engine.DoubleEntry(), cfg.ReconcileConcurrency),
		Movements:     movement.NewService(movementRepo),
		Engine:        engine,
		Notifications: notifications,
		Publisher:     publisher,
		Attachments:   store,
		Idempotency:   idem,
	}, nil
}

package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/odyssey-erp/odyssey-pe/internal/access"
	approvalhttp "github.com/odyssey-erp/odyssey-pe/internal/approval/http"
	ledgerhttp "github.com/odyssey-erp/odyssey-pe/internal/ledger/http"
	notifyhttp "github.com/odyssey-erp/odyssey-pe/internal/notify/http"
	"github.com/odyssey-erp/odyssey-pe/internal/observability"
	"github.com/odyssey-erp/odyssey-pe/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger   *slog.Logger
	Config   *Config
	Access   access.Middleware
	Metrics  *observability.Metrics
	Ping     func(*http.Request) error
	Ledgers  *ledgerhttp.Handler
	Movement *approvalhttp.Handler
	Inbox    *notifyhttp.Handler
	Jobs     *jobs.Handler
}

// NewRouter constructs the chi.Router with the PE defaults.
func NewRouter(params RouterParams) http.Handler {
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Access:  params.Access,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if params.Ping != nil {
			if err := params.Ping(r); err != nil {
				params.Logger.Warn("health check", slog.Any("error", err))
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"degraded"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	if params.Jobs != nil {
		r.Route("/jobs", params.Jobs.MountRoutes)
	}

	r.Route("/pe", func(r chi.Router) {
		// The websocket stream is long lived and mounted outside the timeout.
		if params.Inbox != nil {
			params.Inbox.MountRoutes(r)
		}
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(params.Config))
			if params.Ledgers != nil {
				params.Ledgers.MountRoutes(r)
			}
			if params.Movement != nil {
				params.Movement.MountRoutes(r)
			}
		})
	})

	return r
}

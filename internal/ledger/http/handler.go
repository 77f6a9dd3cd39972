package ledgerhttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-pe/internal/access"
	"github.com/odyssey-erp/odyssey-pe/internal/ledger"
	"github.com/odyssey-erp/odyssey-pe/internal/movement"
	"github.com/odyssey-erp/odyssey-pe/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-pe/internal/shared"
)

type ledgerService interface {
	Get(ctx context.Context, key ledger.Key) (ledger.Entry, error)
	List(ctx context.Context, companyID int64, period ledger.Period) ([]ledger.Entry, error)
	SetOpening(ctx context.Context, in ledger.FiguresInput) (ledger.Entry, error)
	SetActual(ctx context.Context, in ledger.FiguresInput) (ledger.Entry, error)
}

type reconciler interface {
	ReconcileKey(ctx context.Context, key ledger.Key, actor shared.Identity) (ledger.Drift, error)
}

type movementLister interface {
	ListByLedger(ctx context.Context, key ledger.Key) ([]movement.Record, error)
}

// Handler serves the cost center ledger endpoints.
type Handler struct {
	logger     *slog.Logger
	ledgers    ledgerService
	reconciler reconciler
	movements  movementLister
	filter     access.Filter
	access     access.Middleware
}

// NewHandler builds the ledger handler.
func NewHandler(logger *slog.Logger, ledgers ledgerService, rec reconciler, movements movementLister, filter access.Filter, mw access.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:     logger,
		ledgers:    ledgers,
		reconciler: rec,
		movements:  movements,
		filter:     filter,
		access:     mw,
	}
}

// MountRoutes registers the ledger routes on r.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/ledgers/{company}", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.access.RequireAny(shared.PermPELedgerView, shared.PermPELedgerManage))
			r.Get("/{period}", h.handleList)
			r.Get("/{costCenter}/{period}", h.handleGet)
			r.Get("/{costCenter}/{period}/movements", h.handleMovements)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.access.RequireAny(shared.PermPELedgerManage))
			r.Put("/{costCenter}/{period}/opening", h.handleFigures(h.ledgers.SetOpening))
			r.Put("/{costCenter}/{period}/actual", h.handleFigures(h.ledgers.SetActual))
			r.Post("/{costCenter}/{period}/reconcile", h.handleReconcile)
		})
	})
}

type figuresRequest struct {
	Hc     int64           `json:"hc" validate:"gte=0"`
	Amount decimal.Decimal `json:"amount"`
	Note   string          `json:"note" validate:"max=500"`
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromRequest(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.authorize(r, key); err != nil {
		httpx.RespondError(w, err)
		return
	}
	entry, err := h.ledgers.Get(r.Context(), key)
	if err != nil {
		h.respond(w, "get ledger", err)
		return
	}
	httpx.JSON(w, http.StatusOK, entry)
}

// handleList returns only the entries the caller may see.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	companyID, err := companyFromRequest(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	period, err := ledger.ParsePeriod(chi.URLParam(r, "period"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	entries, err := h.ledgers.List(r.Context(), companyID, period)
	if err != nil {
		h.respond(w, "list ledgers", err)
		return
	}
	id, _ := shared.IdentityFromContext(r.Context())
	scope := access.NewScope(h.filter)
	visible := make([]ledger.Entry, 0, len(entries))
	for _, e := range entries {
		ok, err := scope.IsAuthorized(r.Context(), id, e.Key.CompanyID, e.Key.CostCenter)
		if err != nil {
			h.respond(w, "list ledgers", err)
			return
		}
		if ok {
			visible = append(visible, e)
		}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": visible})
}

func (h *Handler) handleMovements(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromRequest(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.authorize(r, key); err != nil {
		httpx.RespondError(w, err)
		return
	}
	records, err := h.movements.ListByLedger(r.Context(), key)
	if err != nil {
		h.respond(w, "list movements", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"movements": records})
}

func (h *Handler) handleFigures(apply func(context.Context, ledger.FiguresInput) (ledger.Entry, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := keyFromRequest(r)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		var req figuresRequest
		if err := httpx.Bind(r, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
		actor, _ := shared.IdentityFromContext(r.Context())
		entry, err := apply(r.Context(), ledger.FiguresInput{
			Key:      key,
			Quantity: ledger.Quantity{Hc: req.Hc, Amount: req.Amount},
			Actor:    actor,
			Note:     strings.TrimSpace(req.Note),
		})
		if err != nil {
			h.respond(w, "set ledger figures", err)
			return
		}
		httpx.JSON(w, http.StatusOK, entry)
	}
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromRequest(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.IdentityFromContext(r.Context())
	drift, err := h.reconciler.ReconcileKey(r.Context(), key, actor)
	if err != nil {
		h.respond(w, "reconcile ledger", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"corrected": drift.Changed(), "drift": drift})
}

func (h *Handler) authorize(r *http.Request, key ledger.Key) error {
	id, _ := shared.IdentityFromContext(r.Context())
	return access.Authorize(r.Context(), h.filter, id, key.CompanyID, key.CostCenter)
}

func (h *Handler) respond(w http.ResponseWriter, op string, err error) {
	if !shared.IsDomainError(err) {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func companyFromRequest(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "company"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid company id", shared.ErrValidation)
	}
	return id, nil
}

func keyFromRequest(r *http.Request) (ledger.Key, error) {
	companyID, err := companyFromRequest(r)
	if err != nil {
		return ledger.Key{}, err
	}
	costCenter := strings.TrimSpace(chi.URLParam(r, "costCenter"))
	if costCenter == "" {
		return ledger.Key{}, fmt.Errorf("%w: cost center required", shared.ErrValidation)
	}
	period, err := ledger.ParsePeriod(chi.URLParam(r, "period"))
	if err != nil {
		return ledger.Key{}, err
	}
	return ledger.Key{CompanyID: companyID, CostCenter: costCenter, Period: period}, nil
}

package notifyhttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-pe/internal/access"
	"github.com/odyssey-erp/odyssey-pe/internal/notify"
	"github.com/odyssey-erp/odyssey-pe/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-pe/internal/shared"
)

type inbox interface {
	List(ctx context.Context, recipient shared.Identity, unreadOnly bool, limit int) ([]notify.Notification, error)
	MarkRead(ctx context.Context, id uuid.UUID, recipient shared.Identity) error
}

// Handler serves the caller's notification inbox.
type Handler struct {
	logger *slog.Logger
	inbox  inbox
	live   http.Handler
	access access.Middleware
}

// NewHandler builds the inbox handler. live serves the websocket stream and
// may be nil when push is disabled.
func NewHandler(logger *slog.Logger, inbox inbox, live http.Handler, mw access.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, inbox: inbox, live: live, access: mw}
}

// MountRoutes registers the inbox routes on r.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/notifications", func(r chi.Router) {
		r.Use(h.access.RequireIdentity)
		r.Get("/", h.handleList)
		r.Post("/{id}/read", h.handleRead)
		if h.live != nil {
			r.Get("/ws", h.live.ServeHTTP)
		}
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	id, _ := shared.IdentityFromContext(r.Context())
	unread := false
	if raw := r.URL.Query().Get("unread"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: invalid unread flag", shared.ErrValidation))
			return
		}
		unread = v
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := h.inbox.List(r.Context(), id, unread, limit)
	if err != nil {
		h.respond(w, "list notifications", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"notifications": items})
}

func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request) {
	notificationID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid notification id", shared.ErrValidation))
		return
	}
	id, _ := shared.IdentityFromContext(r.Context())
	if err := h.inbox.MarkRead(r.Context(), notificationID, id); err != nil {
		h.respond(w, "mark notification read", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respond(w http.ResponseWriter, op string, err error) {
	if !shared.IsDomainError(err) {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

package approvalhttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
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

// IdempotencyHeader carries the client supplied submission key.
const IdempotencyHeader = "Idempotency-Key"

const defaultUploadLimit = 10 << 20

type workflow interface {
	Submit(ctx context.Context, in movement.SubmitInput) (movement.Record, error)
	Approve(ctx context.Context, id int64, approver shared.Identity) (movement.Record, error)
	Reject(ctx context.Context, id int64, approver shared.Identity, reason string) (movement.Record, error)
	Attach(ctx context.Context, id int64, actor shared.Identity, filename string, content io.Reader) (movement.Record, error)
	History(ctx context.Context, id int64) ([]shared.ApprovalLog, error)
}

type attachmentReader interface {
	Open(ref string) (io.ReadCloser, error)
}

type movementQueries interface {
	Get(ctx context.Context, id int64) (movement.Record, error)
	ListPending(ctx context.Context, filter movement.Filter) ([]movement.Record, error)
}

// Handler serves movement submission, approval and lookup.
type Handler struct {
	logger      *slog.Logger
	engine      workflow
	movements   movementQueries
	filter      access.Filter
	access      access.Middleware
	attachments attachmentReader
	uploadLimit int64
}

// NewHandler builds the movement handler. uploadLimit bounds multipart
// bodies; zero uses 10 MiB.
func NewHandler(logger *slog.Logger, engine workflow, movements movementQueries, filter access.Filter, mw access.Middleware, uploadLimit int64) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if uploadLimit <= 0 {
		uploadLimit = defaultUploadLimit
	}
	return &Handler{
		logger:      logger,
		engine:      engine,
		movements:   movements,
		filter:      filter,
		access:      mw,
		uploadLimit: uploadLimit,
	}
}

// WithAttachments enables attachment downloads.
func (h *Handler) WithAttachments(a attachmentReader) { h.attachments = a }

// MountRoutes registers the movement routes on r.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/movements", func(r chi.Router) {
		r.With(h.access.RequireAny(shared.PermPEMovementSubmit)).Post("/", h.handleSubmit)
		r.With(h.access.RequireAny(shared.PermPEMovementView, shared.PermPEMovementDecide)).Get("/pending", h.handlePending)
		r.Group(func(r chi.Router) {
			r.Use(h.access.RequireAny(shared.PermPEMovementView, shared.PermPEMovementSubmit, shared.PermPEMovementDecide))
			r.Get("/{id}", h.handleShow)
			r.Get("/{id}/attachment", h.handleDownload)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.access.RequireAny(shared.PermPEMovementDecide))
			r.Post("/{id}/approve", h.handleApprove)
			r.Post("/{id}/reject", h.handleReject)
		})
		r.With(h.access.RequireAny(shared.PermPEMovementSubmit)).Post("/{id}/attachment", h.handleAttachment)
	})
}

type submitRequest struct {
	CompanyID   int64           `json:"company_id" validate:"required,gt=0"`
	CostCenter  string          `json:"cost_center" validate:"required,max=32"`
	Period      string          `json:"period" validate:"required"`
	Kind        ledger.Kind     `json:"kind" validate:"required,oneof=MOVE_IN MOVE_OUT ADDITIONAL CUT"`
	Hc          int64           `json:"hc"`
	Amount      decimal.Decimal `json:"amount"`
	Counterpart string          `json:"counterpart" validate:"max=32"`
	Remark      string          `json:"remark" validate:"max=1000"`
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"max=1000"`
}

type movementView struct {
	Movement movement.Record      `json:"movement"`
	History  []shared.ApprovalLog `json:"history"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	period, err := ledger.ParsePeriod(req.Period)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	requester, _ := shared.IdentityFromContext(r.Context())
	rec, err := h.engine.Submit(r.Context(), movement.SubmitInput{
		Owner:          ledger.Key{CompanyID: req.CompanyID, CostCenter: strings.TrimSpace(req.CostCenter), Period: period},
		Kind:           req.Kind,
		Quantity:       ledger.Quantity{Hc: req.Hc, Amount: req.Amount},
		Counterpart:    req.Counterpart,
		Remark:         req.Remark,
		RequestedBy:    requester,
		IdempotencyKey: r.Header.Get(IdempotencyHeader),
	})
	if err != nil {
		h.respond(w, "submit movement", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, rec)
}

// handlePending lists the caller's approval inbox. With mine=false the
// listing widens to every cost center the caller is authorized on.
func (h *Handler) handlePending(w http.ResponseWriter, r *http.Request) {
	caller, _ := shared.IdentityFromContext(r.Context())
	query := r.URL.Query()

	filter := movement.Filter{CostCenter: strings.TrimSpace(query.Get("cost_center"))}
	if raw := query.Get("company"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			httpx.RespondError(w, fmt.Errorf("%w: invalid company", shared.ErrValidation))
			return
		}
		filter.CompanyID = id
	}
	if raw := query.Get("period"); raw != "" {
		p, err := ledger.ParsePeriod(raw)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		filter.Period = &p
	}
	mine := true
	if raw := query.Get("mine"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: invalid mine flag", shared.ErrValidation))
			return
		}
		mine = v
	}
	if mine {
		filter.Approver = caller
	} else {
		filter.Viewer = caller
	}
	page := shared.NewPagination(atoi(query.Get("page")), atoi(query.Get("per_page")), 0)
	filter.Limit = page.PerPage
	filter.Offset = page.Offset()

	records, err := h.movements.ListPending(r.Context(), filter)
	if err != nil {
		h.respond(w, "list pending movements", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"movements": records,
		"page":      page.Page,
		"per_page":  page.PerPage,
	})
}

func (h *Handler) handleShow(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.visibleMovement(w, r)
	if !ok {
		return
	}
	history, err := h.engine.History(r.Context(), rec.ID)
	if err != nil {
		h.respond(w, "movement history", err)
		return
	}
	httpx.JSON(w, http.StatusOK, movementView{Movement: rec, History: history})
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, err := movementID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	approver, _ := shared.IdentityFromContext(r.Context())
	rec, err := h.engine.Approve(r.Context(), id, approver)
	if err != nil {
		h.respond(w, "approve movement", err)
		return
	}
	httpx.JSON(w, http.StatusOK, rec)
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	id, err := movementID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req rejectRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	approver, _ := shared.IdentityFromContext(r.Context())
	rec, err := h.engine.Reject(r.Context(), id, approver, req.Reason)
	if err != nil {
		h.respond(w, "reject movement", err)
		return
	}
	httpx.JSON(w, http.StatusOK, rec)
}

func (h *Handler) handleAttachment(w http.ResponseWriter, r *http.Request) {
	id, err := movementID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	// Multipart framing needs headroom above the file limit itself.
	r.Body = http.MaxBytesReader(w, r.Body, h.uploadLimit+(1<<20))
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.Problem(w, http.StatusRequestEntityTooLarge, "Payload Too Large", "attachment exceeds limit")
			return
		}
		httpx.RespondError(w, fmt.Errorf("%w: multipart field \"file\" required", shared.ErrValidation))
		return
	}
	defer file.Close()

	actor, _ := shared.IdentityFromContext(r.Context())
	rec, err := h.engine.Attach(r.Context(), id, actor, header.Filename, file)
	if err != nil {
		h.respond(w, "attach movement file", err)
		return
	}
	httpx.JSON(w, http.StatusOK, rec)
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	if h.attachments == nil {
		http.Error(w, http.StatusText(http.StatusNotImplemented), http.StatusNotImplemented)
		return
	}
	rec, ok := h.visibleMovement(w, r)
	if !ok {
		return
	}
	if rec.AttachmentRef == nil {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "movement has no attachment")
		return
	}
	file, err := h.attachments.Open(*rec.AttachmentRef)
	if err != nil {
		h.respond(w, "open attachment", err)
		return
	}
	defer file.Close()

	name := path.Base(*rec.AttachmentRef)
	contentType := mime.TypeByExtension(path.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	if _, err := io.Copy(w, file); err != nil {
		h.logger.Warn("stream attachment", slog.Int64("movement_id", rec.ID), slog.Any("error", err))
	}
}

// visibleMovement loads the movement named in the path and writes the error
// response itself when the caller may not see it.
func (h *Handler) visibleMovement(w http.ResponseWriter, r *http.Request) (movement.Record, bool) {
	id, err := movementID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return movement.Record{}, false
	}
	rec, err := h.movements.Get(r.Context(), id)
	if err != nil {
		h.respond(w, "get movement", err)
		return movement.Record{}, false
	}
	caller, _ := shared.IdentityFromContext(r.Context())
	ok, err := h.canSee(r.Context(), access.NewScope(h.filter), caller, rec)
	if err != nil {
		h.respond(w, "get movement", err)
		return movement.Record{}, false
	}
	if !ok {
		httpx.RespondError(w, fmt.Errorf("%w: movement %d", shared.ErrUnauthorized, id))
		return movement.Record{}, false
	}
	return rec, true
}

// canSee allows the requester, the pending approver and anyone authorized
// on either side of the movement.
func (h *Handler) canSee(ctx context.Context, f access.Filter, caller shared.Identity, rec movement.Record) (bool, error) {
	if caller.IsZero() {
		return false, nil
	}
	if rec.RequestedBy == caller || rec.AwaitsDecisionFrom(caller) {
		return true, nil
	}
	ok, err := f.IsAuthorized(ctx, caller, rec.Owner.CompanyID, rec.Owner.CostCenter)
	if err != nil || ok {
		return ok, err
	}
	if key, transfer := rec.CounterpartKey(); transfer {
		return f.IsAuthorized(ctx, caller, key.CompanyID, key.CostCenter)
	}
	return false, nil
}

func (h *Handler) respond(w http.ResponseWriter, op string, err error) {
	if !shared.IsDomainError(err) {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func movementID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid movement id", shared.ErrValidation)
	}
	return id, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

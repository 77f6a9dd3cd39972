package approvalhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-pe/internal/access"
	"github.com/odyssey-erp/odyssey-pe/internal/ledger"
	"github.com/odyssey-erp/odyssey-pe/internal/movement"
	"github.com/odyssey-erp/odyssey-pe/internal/shared"
)

type stubFilter struct {
	perms   map[shared.Identity][]string
	members map[shared.Identity]string
}

func (f stubFilter) ResolveApprover(context.Context, int64, string) (shared.Identity, error) {
	return "", nil
}

func (f stubFilter) IsAuthorized(_ context.Context, id shared.Identity, _ int64, cc string) (bool, error) {
	return f.members[id] == cc, nil
}

func (f stubFilter) PeriodOpen(context.Context, int64, ledger.Period) (bool, error) {
	return true, nil
}

func (f stubFilter) Permissions(_ context.Context, id shared.Identity) ([]string, error) {
	return f.perms[id], nil
}

type stubEngine struct {
	submitted  movement.SubmitInput
	approved   []int64
	rejectWith string
	attached   string
	body       string
	err        error
}

func (s *stubEngine) Submit(_ context.Context, in movement.SubmitInput) (movement.Record, error) {
	s.submitted = in
	if s.err != nil {
		return movement.Record{}, s.err
	}
	return movement.Record{ID: 7, Owner: in.Owner, Kind: in.Kind, Status: movement.StatusPending, RequestedBy: in.RequestedBy}, nil
}

func (s *stubEngine) Approve(_ context.Context, id int64, _ shared.Identity) (movement.Record, error) {
	if s.err != nil {
		return movement.Record{}, s.err
	}
	s.approved = append(s.approved, id)
	return movement.Record{ID: id, Status: movement.StatusApproved}, nil
}

func (s *stubEngine) Reject(_ context.Context, id int64, _ shared.Identity, reason string) (movement.Record, error) {
	s.rejectWith = reason
	return movement.Record{ID: id, Status: movement.StatusRejected}, nil
}

func (s *stubEngine) Attach(_ context.Context, id int64, _ shared.Identity, filename string, content io.Reader) (movement.Record, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return movement.Record{}, err
	}
	s.attached, s.body = filename, string(data)
	ref := "7/file.pdf"
	return movement.Record{ID: id, AttachmentRef: &ref}, nil
}

func (s *stubEngine) History(_ context.Context, id int64) ([]shared.ApprovalLog, error) {
	return []shared.ApprovalLog{{Actor: "E001", Action: shared.ApprovalSubmit}}, nil
}

type stubQueries struct {
	records map[int64]movement.Record
	filter  movement.Filter
}

func (s *stubQueries) Get(_ context.Context, id int64) (movement.Record, error) {
	rec, ok := s.records[id]
	if !ok {
		return movement.Record{}, movement.ErrNotFound
	}
	return rec, nil
}

func (s *stubQueries) ListPending(_ context.Context, f movement.Filter) ([]movement.Record, error) {
	s.filter = f
	out := make([]movement.Record, 0, len(s.records))
	for _, id := range []int64{1, 2} {
		rec, ok := s.records[id]
		if !ok {
			continue
		}
		if !f.Viewer.IsZero() && rec.RequestedBy != f.Viewer && !rec.AwaitsDecisionFrom(f.Viewer) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func march() ledger.Period { return ledger.Period{Year: 2026, Month: 3} }

func fixture(t *testing.T) (http.Handler, *stubEngine, *stubQueries) {
	t.Helper()
	filter := stubFilter{
		perms: map[shared.Identity][]string{
			"E001": {shared.PermPEMovementSubmit, shared.PermPEMovementView},
			"E003": {shared.PermPEMovementView},
			"M100": {shared.PermPEMovementDecide},
		},
		members: map[shared.Identity]string{"E001": "CC-100", "E003": "CC-300"},
	}
	m100 := shared.Identity("M100")
	cc200 := "CC-200"
	queries := &stubQueries{records: map[int64]movement.Record{
		1: {ID: 1, Owner: ledger.Key{CompanyID: 1, CostCenter: "CC-100", Period: march()}, Kind: ledger.KindAdditional, Status: movement.StatusPending, PendingApprover: &m100, RequestedBy: "E001"},
		2: {ID: 2, Owner: ledger.Key{CompanyID: 1, CostCenter: "CC-300", Period: march()}, Kind: ledger.KindMoveOut, Counterpart: &cc200, Status: movement.StatusPending, PendingApprover: &m100, RequestedBy: "E003"},
	}}
	engine := &stubEngine{}
	h := NewHandler(nil, engine, queries, filter, access.Middleware{Filter: filter}, 1<<10)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if as := req.Header.Get("X-As"); as != "" {
				req = req.WithContext(shared.ContextWithIdentity(req.Context(), shared.Identity(as)))
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Route("/pe", h.MountRoutes)
	return r, engine, queries
}

func send(h http.Handler, req *http.Request, as string) *httptest.ResponseRecorder {
	if as != "" {
		req.Header.Set("X-As", as)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestSubmitMovement(t *testing.T) {
	h, engine, _ := fixture(t)

	body := `{"company_id":1,"cost_center":" CC-100 ","period":"2026-03","kind":"ADDITIONAL","hc":2,"amount":"50000","remark":"new hires"}`
	req := httptest.NewRequest(http.MethodPost, "/pe/movements", strings.NewReader(body))
	req.Header.Set(IdempotencyHeader, "req-1")
	rr := send(h, req, "E001")
	require.Equal(t, http.StatusCreated, rr.Code)

	require.Equal(t, ledger.Key{CompanyID: 1, CostCenter: "CC-100", Period: march()}, engine.submitted.Owner)
	require.Equal(t, shared.Identity("E001"), engine.submitted.RequestedBy)
	require.Equal(t, "req-1", engine.submitted.IdempotencyKey)
	require.Equal(t, int64(2), engine.submitted.Quantity.Hc)

	var rec movement.Record
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&rec))
	require.Equal(t, movement.StatusPending, rec.Status)
}

func TestSubmitMovementRejectsBadInput(t *testing.T) {
	h, _, _ := fixture(t)
	cases := map[string]string{
		"unknown kind": `{"company_id":1,"cost_center":"CC-100","period":"2026-03","kind":"BONUS","hc":1,"amount":"1"}`,
		"bad period":   `{"company_id":1,"cost_center":"CC-100","period":"March","kind":"CUT","hc":1,"amount":"1"}`,
		"no company":   `{"cost_center":"CC-100","period":"2026-03","kind":"CUT","hc":1,"amount":"1"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rr := send(h, httptest.NewRequest(http.MethodPost, "/pe/movements", strings.NewReader(body)), "E001")
			require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
		})
	}
	rr := send(h, httptest.NewRequest(http.MethodPost, "/pe/movements", strings.NewReader(`{}`)), "M100")
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestApproveMapsEngineErrors(t *testing.T) {
	h, engine, _ := fixture(t)

	rr := send(h, httptest.NewRequest(http.MethodPost, "/pe/movements/1/approve", nil), "M100")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, []int64{1}, engine.approved)

	engine.err = movement.ErrNotPending
	rr = send(h, httptest.NewRequest(http.MethodPost, "/pe/movements/1/approve", nil), "M100")
	require.Equal(t, http.StatusConflict, rr.Code)

	engine.err = shared.ErrUnauthorized
	rr = send(h, httptest.NewRequest(http.MethodPost, "/pe/movements/1/approve", nil), "M100")
	require.Equal(t, http.StatusForbidden, rr.Code)

	engine.err = shared.ErrStorageConflict
	rr = send(h, httptest.NewRequest(http.MethodPost, "/pe/movements/1/approve", nil), "M100")
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, "1", rr.Header().Get("Retry-After"))

	rr = send(h, httptest.NewRequest(http.MethodPost, "/pe/movements/1/approve", nil), "E001")
	require.Equal(t, http.StatusForbidden, rr.Code)
	rr = send(h, httptest.NewRequest(http.MethodPost, "/pe/movements/x/approve", nil), "M100")
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestRejectPassesReason(t *testing.T) {
	h, engine, _ := fixture(t)
	rr := send(h, httptest.NewRequest(http.MethodPost, "/pe/movements/1/reject", strings.NewReader(`{"reason":"over budget"}`)), "M100")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "over budget", engine.rejectWith)
}

func TestPendingInbox(t *testing.T) {
	h, _, queries := fixture(t)

	rr := send(h, httptest.NewRequest(http.MethodGet, "/pe/movements/pending?company=1&period=2026-03&page=2&per_page=10", nil), "M100")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, shared.Identity("M100"), queries.filter.Approver)
	require.Equal(t, int64(1), queries.filter.CompanyID)
	require.Equal(t, &ledger.Period{Year: 2026, Month: 3}, queries.filter.Period)
	require.Equal(t, 10, queries.filter.Limit)
	require.Equal(t, 10, queries.filter.Offset)

	rr = send(h, httptest.NewRequest(http.MethodGet, "/pe/movements/pending?mine=false", nil), "E003")
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, queries.filter.Approver.IsZero())
	require.Equal(t, shared.Identity("E003"), queries.filter.Viewer)
	var body struct {
		Movements []movement.Record `json:"movements"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	require.Len(t, body.Movements, 1)
	require.Equal(t, int64(2), body.Movements[0].ID)

	rr = send(h, httptest.NewRequest(http.MethodGet, "/pe/movements/pending?mine=maybe", nil), "E003")
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestShowMovementWithHistory(t *testing.T) {
	h, _, _ := fixture(t)

	rr := send(h, httptest.NewRequest(http.MethodGet, "/pe/movements/1", nil), "E001")
	require.Equal(t, http.StatusOK, rr.Code)
	var view movementView
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&view))
	require.Equal(t, int64(1), view.Movement.ID)
	require.Len(t, view.History, 1)

	rr = send(h, httptest.NewRequest(http.MethodGet, "/pe/movements/1", nil), "E003")
	require.Equal(t, http.StatusForbidden, rr.Code)
	rr = send(h, httptest.NewRequest(http.MethodGet, "/pe/movements/99", nil), "E001")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAttachmentUpload(t *testing.T) {
	h, engine, _ := fixture(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "offer.pdf")
	require.NoError(t, err)
	_, err = part.Write([]byte("%PDF"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/pe/movements/1/attachment", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := send(h, req, "E001")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "offer.pdf", engine.attached)
	require.Equal(t, "%PDF", engine.body)

	req = httptest.NewRequest(http.MethodPost, "/pe/movements/1/attachment", strings.NewReader("plain"))
	rr = send(h, req, "E001")
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

type memAttachments map[string]string

func (m memAttachments) Open(ref string) (io.ReadCloser, error) {
	body, ok := m[ref]
	if !ok {
		return nil, fmt.Errorf("%w: attachment", shared.ErrNotFound)
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func TestAttachmentDownload(t *testing.T) {
	filter := stubFilter{
		perms:   map[shared.Identity][]string{"E001": {shared.PermPEMovementView}, "E003": {shared.PermPEMovementView}},
		members: map[shared.Identity]string{"E001": "CC-100", "E003": "CC-300"},
	}
	ref := "1/3f1c.pdf"
	queries := &stubQueries{records: map[int64]movement.Record{
		1: {ID: 1, Owner: ledger.Key{CompanyID: 1, CostCenter: "CC-100", Period: march()}, RequestedBy: "E001", AttachmentRef: &ref},
		2: {ID: 2, Owner: ledger.Key{CompanyID: 1, CostCenter: "CC-100", Period: march()}, RequestedBy: "E001"},
	}}
	h := NewHandler(nil, &stubEngine{}, queries, filter, access.Middleware{Filter: filter}, 0)
	h.WithAttachments(memAttachments{ref: "%PDF-1.7"})

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			req = req.WithContext(shared.ContextWithIdentity(req.Context(), shared.Identity(req.Header.Get("X-As"))))
			next.ServeHTTP(w, req)
		})
	})
	r.Route("/pe", h.MountRoutes)

	rr := send(r, httptest.NewRequest(http.MethodGet, "/pe/movements/1/attachment", nil), "E001")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "application/pdf", rr.Header().Get("Content-Type"))
	require.Contains(t, rr.Header().Get("Content-Disposition"), `filename=3f1c.pdf`)
	require.Equal(t, "%PDF-1.7", rr.Body.String())

	rr = send(r, httptest.NewRequest(http.MethodGet, "/pe/movements/1/attachment", nil), "E003")
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = send(r, httptest.NewRequest(http.MethodGet, "/pe/movements/2/attachment", nil), "E001")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

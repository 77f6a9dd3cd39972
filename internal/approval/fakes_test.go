package approval

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/odyssey-erp/odyssey-pe/internal/ledger"
	"github.com/odyssey-erp/odyssey-pe/internal/movement"
	"github.com/odyssey-erp/odyssey-pe/internal/notify"
	"github.com/odyssey-erp/odyssey-pe/internal/shared"
)

type memState struct {
	entries   map[ledger.Key]ledger.Entry
	movements map[int64]movement.Record
	keys      map[string]int64
	history   []shared.ApprovalLog
	audits    []shared.AuditLog
	nextEntry int64
	nextMove  int64
}

func (s memState) clone() memState {
	out := s
	out.entries = make(map[ledger.Key]ledger.Entry, len(s.entries))
	for k, v := range s.entries {
		out.entries[k] = v
	}
	out.movements = make(map[int64]movement.Record, len(s.movements))
	for k, v := range s.movements {
		out.movements[k] = v
	}
	out.keys = make(map[string]int64, len(s.keys))
	for k, v := range s.keys {
		out.keys[k] = v
	}
	out.history = append([]shared.ApprovalLog(nil), s.history...)
	out.audits = append([]shared.AuditLog(nil), s.audits...)
	return out
}

// memStore serializes transactions and discards the working copy on error.
type memStore struct {
	mu    sync.Mutex
	state memState
}

func newMemStore() *memStore {
	return &memStore{state: memState{
		entries:   map[ledger.Key]ledger.Entry{},
		movements: map[int64]movement.Record{},
		keys:      map[string]int64{},
	}}
}

func (s *memStore) WithTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.state.clone()
	if err := fn(ctx, &memTx{st: &work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *memStore) Movement(_ context.Context, id int64) (movement.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.state.movements[id]
	if !ok {
		return movement.Record{}, movement.ErrNotFound
	}
	return rec, nil
}

func (s *memStore) IdempotentMovement(_ context.Context, key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.state.keys[key]
	return id, ok, nil
}

func (s *memStore) StalePending(_ context.Context, before time.Time, limit int) ([]movement.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []movement.Record
	for _, rec := range s.state.movements {
		if rec.Status == movement.StatusPending && rec.RequestedAt.Before(before) && len(out) < limit {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *memStore) History(_ context.Context, id int64) ([]shared.ApprovalLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := shared.ApprovalRef(Module, id)
	var out []shared.ApprovalLog
	for _, l := range s.state.history {
		if l.RefID == ref {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *memStore) seed(key ledger.Key, b0 ledger.Quantity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.nextEntry++
	e := ledger.NewEntry(key, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	e.ID = s.state.nextEntry
	e.Version = 1
	_ = ledger.SetOpening(&e, b0)
	s.state.entries[key] = e
}

func (s *memStore) entry(key ledger.Key) (ledger.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.state.entries[key]
	return e, ok
}

func (s *memStore) movementCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.movements)
}

type memTx struct {
	st *memState
}

func (t *memTx) Ledger() ledger.TxRepository       { return memLedger{st: t.st} }
func (t *memTx) Movements() movement.TxRepository { return memMovements{st: t.st} }

func (t *memTx) RecordHistory(_ context.Context, log shared.ApprovalLog) error {
	t.st.history = append(t.st.history, log)
	return nil
}

func (t *memTx) BindIdempotencyKey(_ context.Context, key string, id int64) error {
	if _, ok := t.st.keys[key]; ok {
		return ErrDuplicateSubmission
	}
	t.st.keys[key] = id
	return nil
}

type memLedger struct {
	st *memState
}

func (l memLedger) GetOrCreateForUpdate(_ context.Context, key ledger.Key) (ledger.Entry, error) {
	if e, ok := l.st.entries[key]; ok {
		return e, nil
	}
	l.st.nextEntry++
	e := ledger.NewEntry(key, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	e.ID = l.st.nextEntry
	e.Version = 1
	l.st.entries[key] = e
	return e, nil
}

func (l memLedger) LoadForUpdate(_ context.Context, key ledger.Key) (ledger.Entry, error) {
	e, ok := l.st.entries[key]
	if !ok {
		return ledger.Entry{}, ledger.ErrNotFound
	}
	return e, nil
}

func (l memLedger) Save(_ context.Context, e ledger.Entry) (ledger.Entry, error) {
	e.Version++
	l.st.entries[e.Key] = e
	return e, nil
}

func (l memLedger) RecordAudit(_ context.Context, log shared.AuditLog) error {
	l.st.audits = append(l.st.audits, log)
	return nil
}

func (l memLedger) AppliedTotals(context.Context, ledger.Key, bool) (ledger.Totals, error) {
	return ledger.Totals{}, nil
}

type memMovements struct {
	st *memState
}

func (m memMovements) Insert(_ context.Context, rec movement.Record) (movement.Record, error) {
	m.st.nextMove++
	rec.ID = m.st.nextMove
	m.st.movements[rec.ID] = rec
	return rec, nil
}

func (m memMovements) LoadForUpdate(_ context.Context, id int64) (movement.Record, error) {
	rec, ok := m.st.movements[id]
	if !ok {
		return movement.Record{}, movement.ErrNotFound
	}
	return rec, nil
}

func (m memMovements) Decide(_ context.Context, d movement.Decision) error {
	if err := d.Validate(); err != nil {
		return err
	}
	rec, ok := m.st.movements[d.ID]
	if !ok || rec.Status != movement.StatusPending {
		return movement.ErrNotPending
	}
	d.Apply(&rec)
	m.st.movements[d.ID] = rec
	return nil
}

func (m memMovements) SetAttachment(_ context.Context, id int64, ref string) error {
	rec, ok := m.st.movements[id]
	if !ok {
		return movement.ErrNotFound
	}
	rec.AttachmentRef = &ref
	m.st.movements[id] = rec
	return nil
}

type fakeFilter struct {
	mu        sync.Mutex
	approvers map[string]shared.Identity
	members   map[string][]shared.Identity
	closed    map[ledger.Period]bool
}

func (f *fakeFilter) ResolveApprover(_ context.Context, _ int64, cc string) (shared.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.approvers[cc]
	if !ok {
		return "", fmt.Errorf("%w: %s", shared.ErrNotFound, cc)
	}
	return id, nil
}

func (f *fakeFilter) IsAuthorized(_ context.Context, id shared.Identity, _ int64, cc string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.approvers[cc] == id {
		return true, nil
	}
	for _, m := range f.members[cc] {
		if m == id {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeFilter) PeriodOpen(_ context.Context, _ int64, p ledger.Period) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed[p], nil
}

func (f *fakeFilter) Permissions(context.Context, shared.Identity) ([]string, error) {
	return nil, nil
}

func (f *fakeFilter) setApprover(cc string, id shared.Identity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approvers[cc] = id
}

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) Notify(ctx context.Context, msg notify.Message) error {
	return m.Called(ctx, msg).Error(0)
}

func (m *mockDispatcher) Resolve(ctx context.Context, movementID int64) error {
	return m.Called(ctx, movementID).Error(0)
}

type memUploader struct {
	files map[int64][]byte
}

func (u *memUploader) Upload(_ context.Context, id int64, filename string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	if u.files == nil {
		u.files = map[int64][]byte{}
	}
	u.files[id] = data
	return fmt.Sprintf("%d/%s", id, filename), nil
}

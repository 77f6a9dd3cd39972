package access

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-pe/internal/ledger"
	"github.com/odyssey-erp/odyssey-pe/internal/shared"
)

// Scope memoizes Filter answers for the lifetime of one request or workflow
// operation. Create a new Scope per operation; it is never shared across
// requests, so approver changes take effect on the next call.
type Scope struct {
	next  Filter
	group singleflight.Group
	mu    sync.Mutex
	memo  map[string]any
}

// NewScope wraps next.
func NewScope(next Filter) *Scope {
	return &Scope{next: next, memo: make(map[string]any)}
}

func (s *Scope) cached(key string, load func() (any, error)) (any, error) {
	s.mu.Lock()
	if v, ok := s.memo[key]; ok {
		s.mu.Unlock()
		return v, nil
	}
	s.mu.Unlock()
	v, err, _ := s.group.Do(key, func() (any, error) {
		s.mu.Lock()
		if v, ok := s.memo[key]; ok {
			s.mu.Unlock()
			return v, nil
		}
		s.mu.Unlock()
		v, err := load()
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.memo[key] = v
		s.mu.Unlock()
		return v, nil
	})
	return v, err
}

// ResolveApprover implements Filter.
func (s *Scope) ResolveApprover(ctx context.Context, companyID int64, costCenter string) (shared.Identity, error) {
	v, err := s.cached(fmt.Sprintf("approver:%d:%s", companyID, costCenter), func() (any, error) {
		return s.next.ResolveApprover(ctx, companyID, costCenter)
	})
	if err != nil {
		return "", err
	}
	return v.(shared.Identity), nil
}

// IsAuthorized implements Filter.
func (s *Scope) IsAuthorized(ctx context.Context, id shared.Identity, companyID int64, costCenter string) (bool, error) {
	v, err := s.cached(fmt.Sprintf("auth:%s:%d:%s", id, companyID, costCenter), func() (any, error) {
		return s.next.IsAuthorized(ctx, id, companyID, costCenter)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// PeriodOpen implements Filter.
func (s *Scope) PeriodOpen(ctx context.Context, companyID int64, period ledger.Period) (bool, error) {
	v, err := s.cached(fmt.Sprintf("period:%d:%s", companyID, period), func() (any, error) {
		return s.next.PeriodOpen(ctx, companyID, period)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Permissions implements Filter.
func (s *Scope) Permissions(ctx context.Context, id shared.Identity) ([]string, error) {
	v, err := s.cached("perms:"+id.String(), func() (any, error) {
		return s.next.Permissions(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

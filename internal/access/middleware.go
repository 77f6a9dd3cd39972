package access

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/odyssey-erp/odyssey-pe/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-pe/internal/shared"
)

// Middleware wires identity and permission checks for HTTP handlers.
type Middleware struct {
	Sessions *shared.SessionStore
	Filter   Filter
	Logger   *slog.Logger
}

// Identity resolves the portal session and stores the caller identity in
// the request context. Requests without a session pass through anonymous.
func (m Middleware) Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := m.Sessions.Load(r.Context(), r)
		if err != nil {
			if !errors.Is(err, shared.ErrNoSession) {
				m.logError("load session", err)
			}
			next.ServeHTTP(w, r)
			return
		}
		ctx := shared.ContextWithIdentity(r.Context(), sess.Identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireIdentity rejects anonymous requests with 401.
func (m Middleware) RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := shared.IdentityFromContext(r.Context()); !ok {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthenticated", "session required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAny ensures the caller holds at least one of the permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	required := normalizePermissions(perms)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(required) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			id, ok := shared.IdentityFromContext(r.Context())
			if !ok {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthenticated", "session required")
				return
			}
			granted, err := m.Filter.Permissions(r.Context(), id)
			if err != nil {
				m.logError("access require any", err)
				httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
				return
			}
			if !hasAnyPermission(granted, required) {
				httpx.Problem(w, http.StatusForbidden, "Forbidden", "missing permission")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) logError(msg string, err error) {
	if m.Logger != nil {
		m.Logger.Error(msg, slog.Any("error", err))
	}
}

func normalizePermissions(perms []string) []string {
	unique := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		if _, dup := unique[p]; dup {
			continue
		}
		unique[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}

func hasAnyPermission(granted []string, required []string) bool {
	set := make(map[string]struct{}, len(granted))
	for _, p := range granted {
		set[strings.ToLower(p)] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; ok {
			return true
		}
	}
	return false
}

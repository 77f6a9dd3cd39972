package shared

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNoSession indicates the request carries no usable session.
var ErrNoSession = errors.New("session: not found")

// SessionStore resolves portal sessions stored in Redis. Sessions are
// written by the portal login flow; this service only reads and refreshes
// them.
type SessionStore struct {
	client     *redis.Client
	cookieName string
	ttl        time.Duration
}

// Session holds the subset of portal session data the engine needs.
type Session struct {
	ID       string
	Identity Identity
	Values   map[string]string
}

type sessionPayload struct {
	Values map[string]string `json:"values"`
	UserID string            `json:"user_id"`
}

// NewSessionStore constructs a SessionStore.
func NewSessionStore(client *redis.Client, cookieName string, ttl time.Duration) *SessionStore {
	return &SessionStore{client: client, cookieName: cookieName, ttl: ttl}
}

// Load resolves the session referenced by the request cookie or bearer token.
func (s *SessionStore) Load(ctx context.Context, r *http.Request) (*Session, error) {
	id := s.sessionID(r)
	if id == "" {
		return nil, ErrNoSession
	}
	payload, err := s.client.Get(ctx, s.redisKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoSession
		}
		return nil, err
	}
	var stored sessionPayload
	if err := json.Unmarshal(payload, &stored); err != nil {
		return nil, err
	}
	if stored.UserID == "" {
		return nil, ErrNoSession
	}
	if s.ttl > 0 {
		_ = s.client.Expire(ctx, s.redisKey(id), s.ttl).Err()
	}
	return &Session{ID: id, Identity: Identity(stored.UserID), Values: stored.Values}, nil
}

// Put writes a session for the identity. Used by tooling and tests; the
// portal owns interactive logins.
func (s *SessionStore) Put(ctx context.Context, id string, identity Identity) error {
	data, err := json.Marshal(sessionPayload{Values: map[string]string{}, UserID: identity.String()})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.redisKey(id), data, s.ttl).Err()
}

// CookieName returns the cookie identifier used for sessions.
func (s *SessionStore) CookieName() string {
	return s.cookieName
}

func (s *SessionStore) sessionID(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if cookie, err := r.Cookie(s.cookieName); err == nil {
		return cookie.Value
	}
	return ""
}

func (s *SessionStore) redisKey(id string) string {
	return "session:" + id
}

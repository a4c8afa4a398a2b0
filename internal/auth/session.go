package auth

import (
	"context"
	"errors"
)

// ErrNotAuthenticated is returned by operations that need a session when
// the request carries none.
var ErrNotAuthenticated = errors.New("authentication required")

// Session is the authenticated caller of a request.
type Session struct {
	UserID string
	Email  string
	Role   string
}

type sessionKey struct{}

// WithSession returns a copy of ctx carrying s.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFromContext returns the session stored in ctx, if any.
func SessionFromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(Session)
	if !ok || s.UserID == "" {
		return Session{}, false
	}
	return s, true
}

// UserID returns the authenticated user's id, or "" when there is no session.
func UserID(ctx context.Context) string {
	s, _ := SessionFromContext(ctx)
	return s.UserID
}

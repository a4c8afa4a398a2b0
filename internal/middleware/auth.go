package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gojoacademy/gojo/internal/auth"
)

// Authenticate resolves an optional "Authorization: Bearer <token>" header
// into an auth.Session on the request context. Requests without the header
// pass through anonymously; requests with an invalid token get 401.
func Authenticate(verifier *auth.Verifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" || verifier == nil {
				next.ServeHTTP(w, r)
				return
			}

			scheme, token, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
				writeError(w, r, http.StatusUnauthorized, "invalid_token", "Authorization header must be a bearer token")
				return
			}

			session, err := verifier.Verify(strings.TrimSpace(token))
			if err != nil {
				code := "invalid_token"
				if errors.Is(err, auth.ErrExpiredToken) {
					code = "token_expired"
				}
				logger.DebugContext(r.Context(), "rejected bearer token", "error", err)
				writeError(w, r, http.StatusUnauthorized, code, "Invalid or expired session")
				return
			}

			setLogUserID(r.Context(), session.UserID)
			next.ServeHTTP(w, r.WithContext(auth.WithSession(r.Context(), session)))
		})
	}
}

// RequireAuth rejects requests that carry no session with 401.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := auth.SessionFromContext(r.Context()); !ok {
			writeError(w, r, http.StatusUnauthorized, "not_authenticated", "Authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

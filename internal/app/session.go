package app

import (
	"context"
	"net/http"

	"tramando/api/internal/auth"
	"tramando/api/internal/rbac"
)

type Session struct {
	UserID string
	Name   string
	Role   rbac.Role
}

type sessionKey struct{}

func contextWithSession(ctx context.Context, session Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, session)
}

func sessionFromContext(ctx context.Context) (Session, bool) {
	session, ok := ctx.Value(sessionKey{}).(Session)
	return session, ok
}

// mustSession is only called behind requireSession.
func mustSession(r *http.Request) Session {
	session, _ := sessionFromContext(r.Context())
	return session
}

func (s *HTTPServer) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		claims, err := auth.ParseToken(s.jwtSecret, token)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		session := Session{
			UserID: claims.Subject,
			Name:   claims.Name,
			Role:   rbac.Normalize(claims.Role),
		}
		next.ServeHTTP(w, r.WithContext(contextWithSession(r.Context(), session)))
	})
}

package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"
)

type authContextKey struct{}

type authInfo struct {
	Session models.Session
}

// AuthMiddleware resolves the bearer session for staff endpoints. Public
// endpoints pass through untouched.
func AuthMiddleware(sessions store.SessionStore, now func() time.Time, next http.Handler) http.Handler {
	if now == nil {
		now = time.Now
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		sessionID := sessionIDFromRequest(r)
		if sessionID == "" {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
			return
		}
		session, err := sessions.GetSession(r.Context(), sessionID)
		if err != nil {
			if errors.Is(err, store.ErrSessionNotFound) {
				writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "invalid session")
				return
			}
			writeError(w, requestIDFromRequest(r), http.StatusInternalServerError, "internal_error", "internal server error")
			return
		}
		if !session.Active(now().UTC()) {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "session expired or revoked")
			return
		}
		if _, err := models.ParseRole(string(session.Role)); err != nil {
			writeError(w, requestIDFromRequest(r), http.StatusForbidden, "access_denied", "unknown role")
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, authInfo{Session: session})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionFromContext(ctx context.Context) (models.Session, bool) {
	info, ok := ctx.Value(authContextKey{}).(authInfo)
	if !ok {
		return models.Session{}, false
	}
	return info.Session, true
}

func requirePermission(w http.ResponseWriter, r *http.Request, perm models.Permission) bool {
	session, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
		return false
	}
	if !session.Role.Can(perm) {
		writeError(w, requestIDFromRequest(r), http.StatusForbidden, "access_denied", "role "+string(session.Role)+" may not perform this action")
		return false
	}
	return true
}

func sessionIDFromRequest(r *http.Request) string {
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.Header.Get("X-Session-ID"))
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

func isPublicEndpoint(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/metrics", "/api/board", "/api/board/ws":
		return true
	case "/api/queue-entries":
		return r.Method == http.MethodPost
	}
	if r.Method == http.MethodOptions {
		return true
	}
	return r.Method == http.MethodGet &&
		strings.HasPrefix(r.URL.Path, "/api/queue-entries/") &&
		strings.HasSuffix(r.URL.Path, "/estimate")
}

package auth

import (
	"io"
	"net/http"
	"strings"

	"github.com/onnwee/paygate/internal/middleware"
)

// RequireAuth returns middleware that validates a Bearer access token and
// stores the authenticated user ID in the request context. Requests without
// a valid access token receive 401.
func RequireAuth(svc *JWTService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				writeAuthError(w, "missing bearer token")
				return
			}

			claims, err := svc.ValidateToken(strings.TrimPrefix(header, "Bearer "))
			if err != nil || claims.Type != TokenTypeAccess {
				writeAuthError(w, "invalid or expired token")
				return
			}

			ctx := middleware.SetUserID(r.Context(), claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	io.WriteString(w, `{"error":{"code":"auth_failed","message":"`+message+`"}}`)
}

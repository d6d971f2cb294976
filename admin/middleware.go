package admin

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/sluiceio/sluice/cfg"
)

// AuthMiddleware validates token authentication for admin endpoints.
// An empty configured token disables the check.
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := cfg.Config.Admin.AuthToken
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}

		// Check X-Sluice-Token header
		provided := r.Header.Get("X-Sluice-Token")
		if provided == "" {
			// Check Authorization: Bearer header
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeErrorResponse(w, http.StatusUnauthorized, "missing authentication header")
				return
			}
			// Parse "Bearer <token>"
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeErrorResponse(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}
			provided = parts[1]
		}

		if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			writeErrorResponse(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

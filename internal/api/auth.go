package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// withAuth enforces the bearer token on everything except the health and
// metrics endpoints. With no token configured the API is open, which is
// the expected mode for local single-user deployments.
func (s *Server) withAuth(next http.Handler) http.Handler {
	if s.authToken == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="ocrflow"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing bearer token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func authExempt(path string) bool {
	return path == "/health" || path == "/metrics" || strings.HasPrefix(path, "/metrics/")
}

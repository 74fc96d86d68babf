package proxy

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

func bearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// authMiddleware enforces the configured bearer credential. With no
// credential configured the API is open.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(s.cfg.APIKey)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		presented := bearerToken(r.Header)
		if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
			writeAPIError(w, http.StatusUnauthorized, "invalid_request_error", "invalid_api_key", "Incorrect API key provided.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// extractToken pulls the client token from the request. It checks, in order:
// Authorization: Bearer <token>, X-API-Key header, api_key query param. The
// query param exists for SSE clients that cannot set headers.
func extractToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// authorize validates the request token. A server with no configured token
// refuses everything except /healthz, which never requires auth.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	token := extractToken(r)
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

package gateway

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/fum4/openkit-sub000/internal/domain"
	"github.com/fum4/openkit-sub000/internal/netutil"
)

// SessionCookieName carries the signed session token for browser flows.
const SessionCookieName = "openkit_session"

// sessionSource records where a request's token came from, so refresh
// can answer in kind (cookie flows get a refreshed cookie).
type sessionSource int

const (
	sourceNone sessionSource = iota
	sourceCookie
	sourceBearer
	sourceQuery
)

// sessionFromRequest resolves and verifies the session token. Cookie
// takes priority over the Authorization header. allowQuery additionally
// accepts an accessToken query parameter; only the WebSocket bridge may
// enable it, since browser handshakes cannot set bearer headers.
func (s *Server) sessionFromRequest(r *http.Request, allowQuery bool) (domain.SessionClaims, sessionSource, error) {
	raw, source := extractToken(r, allowQuery)
	if raw == "" {
		return domain.SessionClaims{}, sourceNone, fmt.Errorf("%w: no session token", domain.ErrUnauthenticated)
	}
	claims, err := s.codec.Verify(raw)
	if err != nil {
		return domain.SessionClaims{}, sourceNone, err
	}
	return claims, source, nil
}

func extractToken(r *http.Request, allowQuery bool) (string, sessionSource) {
	if c, err := r.Cookie(SessionCookieName); err == nil && c.Value != "" {
		return c.Value, sourceCookie
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		if raw, ok := strings.CutPrefix(auth, "Bearer "); ok && strings.TrimSpace(raw) != "" {
			return strings.TrimSpace(raw), sourceBearer
		}
	}
	if allowQuery {
		if raw := r.URL.Query().Get("accessToken"); raw != "" {
			return raw, sourceQuery
		}
	}
	return "", sourceNone
}

// setSessionCookie installs the signed token as an httpOnly, same-site
// lax cookie scoped to the whole gateway.
func (s *Server) setSessionCookie(w http.ResponseWriter, signed string, maxAgeSeconds int) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    signed,
		Path:     "/",
		MaxAge:   maxAgeSeconds,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// isLocalRequest reports whether a request came straight from the
// operator's machine. Tunnel-delivered traffic also arrives over
// loopback (the provider's agent forwards locally) but always carries
// X-Forwarded-For, so its absence is the distinguishing signal.
func isLocalRequest(r *http.Request) bool {
	return netutil.IsLoopbackRequest(r) && r.Header.Get("X-Forwarded-For") == ""
}

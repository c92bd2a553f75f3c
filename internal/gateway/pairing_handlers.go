package gateway

import (
	"fmt"
	"html/template"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fum4/openkit-sub000/internal/domain"
	"github.com/fum4/openkit-sub000/internal/netutil"
	"github.com/fum4/openkit-sub000/internal/store/sqlite"
	"github.com/fum4/openkit-sub000/internal/token"
)

func (s *Server) handlePairingStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !isLocalRequest(r) {
		s.writeError(w, fmt.Errorf("%w: local access only", domain.ErrUnauthenticated))
		return
	}

	var req domain.PairingStartRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, domain.ErrorResponse{Error: "invalid json"})
		return
	}

	publicURL, err := s.tunnel.Start(r.Context(), s.gatewayPort(), req.RegenerateURL)
	if err != nil {
		s.recordEvent(r.Context(), sqlite.EventTunnelError, err.Error())
		s.writeError(w, err)
		return
	}

	issued, err := s.pairings.Issue(s.cfg.ProjectID)
	if err != nil {
		s.log.Error("pairing issue failed", "err", err)
		s.writeError(w, err)
		return
	}
	s.recordEvent(r.Context(), sqlite.EventPairingIssued, "pairing_id="+issued.PairingID)
	s.log.Info("pairing started", "pairing_id", issued.PairingID)

	next := sanitizeNext(req.Next)
	query := url.Values{"token": {issued.RawToken}, "next": {next}}.Encode()
	writeJSON(w, http.StatusOK, domain.PairingStartResponse{
		PairingID:     issued.PairingID,
		PairURL:       publicURL + "/pair?" + query,
		MobilePairURL: publicURL + "/pairing/mobile?" + query,
		ExpiresAt:     issued.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handlePairingStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !isLocalRequest(r) {
		s.writeError(w, fmt.Errorf("%w: local access only", domain.ErrUnauthenticated))
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/pairing/status/")
	if id == "" || strings.Contains(id, "/") {
		writeJSON(w, http.StatusNotFound, domain.ErrorResponse{Error: "unknown pairing id"})
		return
	}
	rec, ok := s.pairings.Status(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, domain.ErrorResponse{Error: "unknown pairing id"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handlePairingExchange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	clientIP := netutil.ClientIP(r)
	if retryAfter, allowed := s.limiter.Allow(clientIP); !allowed {
		w.Header().Set("Retry-After", retryAfterSeconds(retryAfter))
		s.recordEvent(r.Context(), sqlite.EventPairingRejected, "reason=rate_limited client="+clientIP)
		s.writeError(w, domain.ErrPairingRateLimited)
		return
	}

	var req domain.PairingExchangeRequest
	if err := decodeJSONBody(r, &req); err != nil || req.Token == "" {
		s.writeError(w, fmt.Errorf("%w: missing token", domain.ErrPairingInvalid))
		return
	}

	pairingID, err := s.pairings.Consume(req.Token, s.cfg.ProjectID, clientIP)
	if err != nil {
		s.recordEvent(r.Context(), sqlite.EventPairingRejected, "reason=invalid client="+clientIP)
		s.writeError(w, err)
		return
	}
	s.recordEvent(r.Context(), sqlite.EventPairingConsumed, "pairing_id="+pairingID)

	signed, expiresIn, err := s.mintSession(s.cfg.ExchangeSessionTTL)
	if err != nil {
		s.log.Error("session mint failed", "err", err)
		s.writeError(w, err)
		return
	}
	s.log.Info("pairing exchanged", "pairing_id", pairingID, "client", clientIP)
	writeJSON(w, http.StatusOK, domain.PairingExchangeResponse{SessionJWT: signed, ExpiresIn: expiresIn})
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rawToken := r.URL.Query().Get("token")
	if rawToken == "" {
		s.writeError(w, fmt.Errorf("%w: missing token", domain.ErrPairingInvalid))
		return
	}
	clientIP := netutil.ClientIP(r)
	pairingID, err := s.pairings.Consume(rawToken, s.cfg.ProjectID, clientIP)
	if err != nil {
		s.recordEvent(r.Context(), sqlite.EventPairingRejected, "reason=invalid client="+clientIP)
		s.writeError(w, err)
		return
	}
	s.recordEvent(r.Context(), sqlite.EventPairingConsumed, "pairing_id="+pairingID)

	signed, expiresIn, err := s.mintSession(s.cfg.CookieSessionTTL)
	if err != nil {
		s.log.Error("session mint failed", "err", err)
		s.writeError(w, err)
		return
	}
	s.setSessionCookie(w, signed, int(expiresIn))
	s.log.Info("pairing redeemed via link", "pairing_id", pairingID, "client", clientIP)
	http.Redirect(w, r, sanitizeNext(r.URL.Query().Get("next")), http.StatusSeeOther)
}

var mobilePairTemplate = template.Must(template.New("mobile-pair").Parse(`<!doctype html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Pair this device</title>
</head>
<body>
<h1>Pair this device</h1>
<p><a href="{{.DeepLink}}">Open in the app</a></p>
<p>If nothing happens, the app is not installed. You can continue in the
browser instead:</p>
<p><a href="{{.BrowserLink}}">Continue in browser</a></p>
<script>window.location.href = {{.DeepLink}};</script>
</body>
</html>
`))

func (s *Server) handlePairingMobile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rawToken := r.URL.Query().Get("token")
	if rawToken == "" {
		s.writeError(w, fmt.Errorf("%w: missing token", domain.ErrPairingInvalid))
		return
	}
	next := sanitizeNext(r.URL.Query().Get("next"))

	// The page itself never consumes the token; the app redeems it via
	// the exchange endpoint, or the browser fallback via /pair.
	deepLink := "openkit://pair?" + url.Values{
		"token":   {rawToken},
		"gateway": {"https://" + r.Host},
		"project": {s.cfg.ProjectID},
	}.Encode()
	browserLink := "/pair?" + url.Values{"token": {rawToken}, "next": {next}}.Encode()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := mobilePairTemplate.Execute(w, struct {
		DeepLink    string
		BrowserLink string
	}{DeepLink: deepLink, BrowserLink: browserLink})
	if err != nil {
		s.log.Warn("mobile pair page render failed", "err", err)
	}
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, _, err := s.sessionFromRequest(r, false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.MeResponse{
		UserID:    claims.UserID,
		ProjectID: claims.ProjectID,
		Email:     claims.Email,
		ExpiresAt: claims.ExpiresAt,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	_, source, err := s.sessionFromRequest(r, false)
	if err != nil {
		s.writeError(w, err)
		return
	}

	ttl := s.cfg.ExchangeSessionTTL
	if source == sourceCookie {
		ttl = s.cfg.CookieSessionTTL
	}
	signed, expiresIn, err := s.mintSession(ttl)
	if err != nil {
		s.log.Error("session mint failed", "err", err)
		s.writeError(w, err)
		return
	}
	if source == sourceCookie {
		s.setSessionCookie(w, signed, int(expiresIn))
	}
	writeJSON(w, http.StatusOK, domain.PairingExchangeResponse{SessionJWT: signed, ExpiresIn: expiresIn})
}

// mintSession signs a fresh session for the gateway's configured
// identity and returns it with its lifetime in whole seconds.
func (s *Server) mintSession(ttl time.Duration) (string, int64, error) {
	now := time.Now()
	signed, err := s.codec.Sign(domain.SessionClaims{
		Type:      token.ClaimsType,
		IssuedAt:  now.UnixMilli(),
		ExpiresAt: now.Add(ttl).UnixMilli(),
		UserID:    s.cfg.UserID,
		ProjectID: s.cfg.ProjectID,
		Email:     s.cfg.UserEmail,
	})
	if err != nil {
		return "", 0, err
	}
	return signed, int64(ttl / time.Second), nil
}

// sanitizeNext restricts redirect targets to gateway-relative paths.
func sanitizeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") {
		return "/"
	}
	return next
}

func retryAfterSeconds(d time.Duration) string {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

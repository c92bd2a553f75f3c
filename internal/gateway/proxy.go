package gateway

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/fum4/openkit-sub000/internal/domain"
	"github.com/fum4/openkit-sub000/internal/netutil"
)

// Identity headers stamped onto forwarded requests so downstream routes
// can trust the authenticated caller without re-verifying the token.
const (
	HeaderUserID    = "X-Openkit-User-Id"
	HeaderProjectID = "X-Openkit-Project-Id"
	HeaderUserEmail = "X-Openkit-User-Email"
)

// handleProxy authenticates /p/{projectId}/... requests and dispatches
// them into the local application's handler in-process. The allowlist
// is the control that keeps the tunnel from becoming an open proxy to
// arbitrary local routes.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	claims, _, err := s.sessionFromRequest(r, false)
	if err != nil {
		s.writeError(w, err)
		return
	}

	projectID, targetPath, ok := splitProxyPath(r.URL.Path)
	if !ok {
		s.writeError(w, fmt.Errorf("%w: no target path", domain.ErrRouteForbidden))
		return
	}
	if projectID != claims.ProjectID {
		s.writeError(w, fmt.Errorf("%w: session bound to another project", domain.ErrProjectForbidden))
		return
	}
	if !routeAllowed(targetPath) {
		s.writeError(w, fmt.Errorf("%w: %s", domain.ErrRouteForbidden, targetPath))
		return
	}

	fwd := r.Clone(r.Context())
	fwd.URL.Path = targetPath
	fwd.URL.RawPath = ""
	fwd.RequestURI = ""
	fwd.Host = ""
	fwd.Header = r.Header.Clone()
	fwd.Header.Del("Cookie")
	fwd.Header.Del("Host")
	netutil.RemoveHopByHopHeaders(fwd.Header)
	fwd.Header.Set(HeaderUserID, claims.UserID)
	fwd.Header.Set(HeaderProjectID, claims.ProjectID)
	if claims.Email != "" {
		fwd.Header.Set(HeaderUserEmail, claims.Email)
	}
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		fwd.Body = nil
		fwd.ContentLength = 0
	}

	s.local.ServeHTTP(w, fwd)
}

// splitProxyPath extracts the project id and the remaining target path
// from /p/{projectId}/rest-of-path.
func splitProxyPath(path string) (projectID, targetPath string, ok bool) {
	rest := strings.TrimPrefix(path, "/p/")
	if rest == path || rest == "" {
		return "", "", false
	}
	projectID, targetPath, found := strings.Cut(rest, "/")
	if !found || projectID == "" {
		return "", "", false
	}
	return projectID, "/" + targetPath, true
}

// routeAllowed is the explicit proxy allowlist: the API namespace and
// the fixed RPC endpoint, nothing else.
func routeAllowed(targetPath string) bool {
	if strings.HasPrefix(targetPath, "/api/") {
		return true
	}
	return targetPath == "/rpc"
}

package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fum4/openkit-sub000/internal/domain"
)

func TestProxyRequiresSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, tunnelRequest(http.MethodGet, "/p/proj-1/api/items", ""))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	resp := decodeBody[domain.ErrorResponse](t, rec)
	if resp.ErrorCode != domain.ErrCodeUnauthenticated {
		t.Fatalf("unexpected code %q", resp.ErrorCode)
	}
	if env.local.last() != nil {
		t.Fatal("unauthenticated request must never reach the local handler")
	}
}

func TestProxyRejectsExpiredSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	r := tunnelRequest(http.MethodGet, "/p/proj-1/api/items", "")
	r.Header.Set("Authorization", "Bearer "+env.signedToken(t, testProject, -time.Minute))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, r)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", rec.Code)
	}
}

func TestProxyRejectsProjectMismatch(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	r := tunnelRequest(http.MethodGet, "/p/proj-other/api/items", "")
	r.Header.Set("Authorization", "Bearer "+env.signedToken(t, testProject, time.Hour))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, r)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	resp := decodeBody[domain.ErrorResponse](t, rec)
	if resp.ErrorCode != domain.ErrCodeProjectForbidden {
		t.Fatalf("unexpected code %q", resp.ErrorCode)
	}
}

func TestProxyRejectsDisallowedRoute(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	for _, path := range []string{
		"/p/proj-1/admin/secrets",
		"/p/proj-1/rpc/extra",
		"/p/proj-1/apifake",
		"/p/proj-1/",
	} {
		r := tunnelRequest(http.MethodGet, path, "")
		r.Header.Set("Authorization", "Bearer "+env.signedToken(t, testProject, time.Hour))
		rec := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(rec, r)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404 even with a valid session, got %d", path, rec.Code)
		}
		resp := decodeBody[domain.ErrorResponse](t, rec)
		if resp.ErrorCode != domain.ErrCodeRouteForbidden {
			t.Fatalf("%s: unexpected code %q", path, resp.ErrorCode)
		}
	}
	if env.local.last() != nil {
		t.Fatal("disallowed routes must never reach the local handler")
	}
}

func TestProxyForwardsAllowedRequest(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	r := tunnelRequest(http.MethodPost, "/p/proj-1/api/items", `{"name":"x"}`)
	r.Header.Set("Authorization", "Bearer "+env.signedToken(t, testProject, time.Hour))
	r.Header.Set("Content-Type", "application/json")
	r.AddCookie(&http.Cookie{Name: "unrelated", Value: "1"})
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, r)

	if rec.Code != http.StatusOK || rec.Body.String() != "local response" {
		t.Fatalf("expected local handler response verbatim, got %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Local-Handled") != "1" {
		t.Fatal("local response headers must pass through")
	}

	fwd := env.local.last()
	if fwd == nil {
		t.Fatal("expected request to reach the local handler")
	}
	if fwd.URL.Path != "/api/items" {
		t.Fatalf("gateway prefix must be stripped, got %q", fwd.URL.Path)
	}
	if fwd.Header.Get(HeaderUserID) != "user-1" || fwd.Header.Get(HeaderProjectID) != testProject {
		t.Fatalf("missing identity headers: %+v", fwd.Header)
	}
	if fwd.Header.Get(HeaderUserEmail) != "user@example.com" {
		t.Fatal("missing email identity header")
	}
	if fwd.Header.Get("Cookie") != "" {
		t.Fatal("cookies must be stripped before forwarding")
	}
	if fwd.Header.Get("Content-Type") != "application/json" {
		t.Fatal("end-to-end headers must survive forwarding")
	}
	if env.local.bodies[len(env.local.bodies)-1] != `{"name":"x"}` {
		t.Fatal("body must pass through for methods that carry one")
	}
}

func TestProxyAllowsRPCEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	r := tunnelRequest(http.MethodPost, "/p/proj-1/rpc", `{"method":"ping"}`)
	r.Header.Set("Authorization", "Bearer "+env.signedToken(t, testProject, time.Hour))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("rpc should be allowlisted, got %d", rec.Code)
	}
}

func TestProxyCookieBeatsBearer(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	r := tunnelRequest(http.MethodGet, "/p/proj-1/api/items", "")
	r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: env.signedToken(t, testProject, time.Hour)})
	r.Header.Set("Authorization", "Bearer not-a-valid-token")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid cookie must win over a bad bearer header, got %d", rec.Code)
	}
}

func TestProxyIgnoresQueryToken(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	r := tunnelRequest(http.MethodGet, "/p/proj-1/api/items?accessToken="+env.signedToken(t, testProject, time.Hour), "")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, r)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("query tokens are only for the websocket bridge, got %d", rec.Code)
	}
}

func TestSplitProxyPath(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		project string
		target  string
		ok      bool
	}{
		{"/p/proj-1/api/items", "proj-1", "/api/items", true},
		{"/p/proj-1/rpc", "proj-1", "/rpc", true},
		{"/p/proj-1/", "proj-1", "/", true},
		{"/p/proj-1", "", "", false},
		{"/p/", "", "", false},
		{"/other", "", "", false},
	}
	for _, tc := range cases {
		project, target, ok := splitProxyPath(tc.in)
		if project != tc.project || target != tc.target || ok != tc.ok {
			t.Fatalf("splitProxyPath(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.in, project, target, ok, tc.project, tc.target, tc.ok)
		}
	}
}

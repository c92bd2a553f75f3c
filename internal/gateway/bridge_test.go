package gateway

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fum4/openkit-sub000/internal/domain"
)

func bridgeTestServer(t *testing.T, env *testEnv) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(env.server.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, sessionID string, query url.Values) string {
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/mobile/v1/agent-sessions/" + sessionID + "/ws"
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// expectPolicyClose asserts the socket was accepted then closed with a
// policy-violation code before any data arrived.
func expectPolicyClose(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("expected the socket to be closed")
	}
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected close frame, got %v", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation {
		t.Fatalf("expected policy violation close, got %d", closeErr.Code)
	}
}

func TestBridgeAttachesValidSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.terminals.sessions["term-1"] = domain.TerminalSession{
		WorktreeID: "wt-1", Scope: "remote-agent", Cols: 120, Rows: 40,
	}
	env.worktrees.worktrees = []domain.Worktree{{ID: "wt-1"}}
	srv := bridgeTestServer(t, env)

	query := url.Values{"accessToken": {env.signedToken(t, testProject, time.Hour)}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "term-1", query), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The handshake succeeding plus the socket staying open means the
	// bridge handed the connection to the terminal collaborator.
	deadline := time.After(2 * time.Second)
	for len(env.terminals.attachedIDs()) == 0 {
		select {
		case <-deadline:
			t.Fatal("terminal attach never happened")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if ids := env.terminals.attachedIDs(); ids[0] != "term-1" {
		t.Fatalf("attached wrong session %v", ids)
	}
}

func TestBridgeRejectsMissingToken(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	srv := bridgeTestServer(t, env)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "term-1", nil), nil)
	if err != nil {
		t.Fatalf("handshake should be accepted before the policy close: %v", err)
	}
	defer conn.Close()
	expectPolicyClose(t, conn)
}

func TestBridgeAcceptsBearerHeader(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.terminals.sessions["term-1"] = domain.TerminalSession{WorktreeID: "wt-1", Scope: "remote-agent"}
	env.worktrees.worktrees = []domain.Worktree{{ID: "wt-1"}}
	srv := bridgeTestServer(t, env)

	header := http.Header{"Authorization": {"Bearer " + env.signedToken(t, testProject, time.Hour)}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "term-1", nil), header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Bearer transport is valid for the bridge as well; only the
	// session must check out.
	deadline := time.After(2 * time.Second)
	for len(env.terminals.attachedIDs()) == 0 {
		select {
		case <-deadline:
			t.Fatal("terminal attach never happened")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestBridgeRejectsUnknownSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	srv := bridgeTestServer(t, env)

	query := url.Values{"accessToken": {env.signedToken(t, testProject, time.Hour)}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "term-missing", query), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	expectPolicyClose(t, conn)
}

func TestBridgeRejectsDisallowedScope(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.terminals.sessions["term-1"] = domain.TerminalSession{WorktreeID: "wt-1", Scope: "local-only"}
	env.worktrees.worktrees = []domain.Worktree{{ID: "wt-1"}}
	srv := bridgeTestServer(t, env)

	query := url.Values{"accessToken": {env.signedToken(t, testProject, time.Hour)}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "term-1", query), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	expectPolicyClose(t, conn)
}

func TestBridgeRejectsVanishedWorktree(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.terminals.sessions["term-1"] = domain.TerminalSession{WorktreeID: "wt-gone", Scope: "remote-agent"}
	srv := bridgeTestServer(t, env)

	query := url.Values{"accessToken": {env.signedToken(t, testProject, time.Hour)}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "term-1", query), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	expectPolicyClose(t, conn)
}

func TestBridgeRejectsWrongProjectSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.terminals.sessions["term-1"] = domain.TerminalSession{WorktreeID: "wt-1", Scope: "remote-agent"}
	env.worktrees.worktrees = []domain.Worktree{{ID: "wt-1"}}
	srv := bridgeTestServer(t, env)

	query := url.Values{"accessToken": {env.signedToken(t, "proj-other", time.Hour)}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "term-1", query), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	expectPolicyClose(t, conn)
}

func TestBridgeRejectsWhenAttachRefused(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.terminals.sessions["term-1"] = domain.TerminalSession{WorktreeID: "wt-1", Scope: "remote-agent"}
	env.terminals.refuse = true
	env.worktrees.worktrees = []domain.Worktree{{ID: "wt-1"}}
	srv := bridgeTestServer(t, env)

	query := url.Values{"accessToken": {env.signedToken(t, testProject, time.Hour)}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "term-1", query), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	expectPolicyClose(t, conn)
}

func TestSplitAgentSessionPath(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		id   string
		ok   bool
	}{
		{"/mobile/v1/agent-sessions/term-1/ws", "term-1", true},
		{"/mobile/v1/agent-sessions/term-1", "", false},
		{"/mobile/v1/agent-sessions//ws", "", false},
		{"/mobile/v1/agent-sessions/a/b/ws", "", false},
		{"/other", "", false},
	}
	for _, tc := range cases {
		id, ok := splitAgentSessionPath(tc.in)
		if id != tc.id || ok != tc.ok {
			t.Fatalf("splitAgentSessionPath(%q) = (%q, %v), want (%q, %v)", tc.in, id, ok, tc.id, tc.ok)
		}
	}
}

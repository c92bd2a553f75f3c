package gateway

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fum4/openkit-sub000/internal/domain"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsCloseWriteWait = 2 * time.Second

// handleAgentSessionWS authenticates a remote terminal-attach upgrade.
// Rejections happen after the handshake with a policy-violation close
// so every failure looks identical to the client: a closed socket, no
// data. The distinct reasons exist for the logs only.
func (s *Server) handleAgentSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := splitAgentSessionPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", "err", err)
		return
	}

	// Token may arrive as a query parameter here: browser WebSocket
	// handshakes cannot set bearer headers.
	claims, _, err := s.sessionFromRequest(r, true)
	if err != nil {
		s.rejectWS(conn, "no valid session", err)
		return
	}
	if claims.ProjectID != s.cfg.ProjectID {
		s.rejectWS(conn, "project mismatch", domain.ErrProjectForbidden)
		return
	}
	meta, ok := s.terminals.SessionMetadata(sessionID)
	if !ok {
		s.rejectWS(conn, "unknown terminal session", domain.ErrSessionNotFound)
		return
	}
	if !slices.Contains(s.cfg.AllowedScopes, meta.Scope) {
		s.rejectWS(conn, "scope not permitted", domain.ErrRouteForbidden)
		return
	}
	if !s.worktreeExists(meta.WorktreeID) {
		s.rejectWS(conn, "worktree gone", domain.ErrWorktreeNotFound)
		return
	}

	if !s.terminals.Attach(sessionID, conn.NetConn()) {
		s.rejectWS(conn, "attach refused", domain.ErrSessionNotFound)
		return
	}
	s.log.Info("remote terminal attached", "session_id", sessionID, "worktree", meta.WorktreeID, "scope", meta.Scope)
}

// rejectWS closes an accepted socket with a policy-violation code. The
// close reason is deliberately generic; reason strings stay in the logs.
func (s *Server) rejectWS(conn *websocket.Conn, reason string, err error) {
	s.log.Warn("ws attach rejected", "reason", reason, "err", err)
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseWriteWait))
	_ = conn.Close()
}

func (s *Server) worktreeExists(worktreeID string) bool {
	for _, wt := range s.worktrees.ListWorktrees() {
		if wt.ID == worktreeID {
			return true
		}
	}
	return false
}

// splitAgentSessionPath extracts the session id from
// /mobile/v1/agent-sessions/{id}/ws.
func splitAgentSessionPath(path string) (string, bool) {
	rest := strings.TrimPrefix(path, "/mobile/v1/agent-sessions/")
	if rest == path {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/ws")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

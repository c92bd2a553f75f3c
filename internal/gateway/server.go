// Package gateway implements the remote-access HTTP surface: pairing
// endpoints, the authenticated reverse proxy into the local application,
// tunnel lifecycle controls, and the WebSocket bridge for remote
// terminal attachment.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/fum4/openkit-sub000/internal/config"
	"github.com/fum4/openkit-sub000/internal/domain"
	"github.com/fum4/openkit-sub000/internal/pairing"
	"github.com/fum4/openkit-sub000/internal/store/sqlite"
	"github.com/fum4/openkit-sub000/internal/token"
)

// TunnelController is the tunnel lifecycle surface the gateway drives.
// *tunnel.Manager satisfies it.
type TunnelController interface {
	Start(ctx context.Context, localPort int, forceRestart bool) (string, error)
	Stop()
	Status() domain.TunnelSnapshot
}

// TerminalManager is the terminal-session collaborator. The gateway
// only authenticates and hands over sockets; it owns none of the PTY
// lifecycle.
type TerminalManager interface {
	ResolveActiveSessionID(worktreeID, scope string) (string, bool)
	SessionMetadata(sessionID string) (domain.TerminalSession, bool)
	Attach(sessionID string, conn net.Conn) bool
}

// WorktreeRegistry lists the workspace checkouts known to the local
// application, used to validate that a session's worktree still exists.
type WorktreeRegistry interface {
	ListWorktrees() []domain.Worktree
}

// EventLog records audit events. *sqlite.Store satisfies it.
type EventLog interface {
	AppendEvent(ctx context.Context, kind, projectID, detail string) error
	ListEvents(ctx context.Context, limit int) ([]sqlite.Event, error)
	PruneEvents(ctx context.Context, retention time.Duration) (int64, error)
}

// Deps bundles the gateway's collaborators.
type Deps struct {
	Codec     *token.Codec
	Pairings  *pairing.Store
	Limiter   *pairing.RateLimiter
	Tunnel    TunnelController
	Local     http.Handler
	Terminals TerminalManager
	Worktrees WorktreeRegistry
	Events    EventLog
}

// Server is the gateway HTTP server. One instance per process; all
// pairing and tunnel state hangs off its collaborators.
type Server struct {
	cfg       config.GatewayConfig
	log       *slog.Logger
	codec     *token.Codec
	pairings  *pairing.Store
	limiter   *pairing.RateLimiter
	tunnel    TunnelController
	local     http.Handler
	terminals TerminalManager
	worktrees WorktreeRegistry
	events    EventLog
}

func New(cfg config.GatewayConfig, logger *slog.Logger, deps Deps) *Server {
	return &Server{
		cfg:       cfg,
		log:       logger,
		codec:     deps.Codec,
		pairings:  deps.Pairings,
		limiter:   deps.Limiter,
		tunnel:    deps.Tunnel,
		local:     deps.Local,
		terminals: deps.Terminals,
		worktrees: deps.Worktrees,
		events:    deps.Events,
	}
}

// Handler builds the gateway's route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/tunnel/enable", s.handleTunnelEnable)
	mux.HandleFunc("/tunnel/disable", s.handleTunnelDisable)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/pairing/start", s.handlePairingStart)
	mux.HandleFunc("/pairing/status/", s.handlePairingStatus)
	mux.HandleFunc("/pairing/exchange", s.handlePairingExchange)
	mux.HandleFunc("/pairing/mobile", s.handlePairingMobile)
	mux.HandleFunc("/pair", s.handlePair)
	mux.HandleFunc("/me", s.handleMe)
	mux.HandleFunc("/refresh", s.handleRefresh)
	mux.HandleFunc("/p/", s.handleProxy)
	mux.HandleFunc("/mobile/v1/agent-sessions/", s.handleAgentSessionWS)
	return mux
}

// Run serves the gateway until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.runJanitor(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	s.log.Info("gateway listening", "addr", s.cfg.ListenAddr, "project", s.cfg.ProjectID)

	select {
	case <-ctx.Done():
		s.tunnel.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// runJanitor prunes aged-out audit events while the gateway runs.
func (s *Server) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := s.events.PruneEvents(ctx, s.cfg.EventRetention)
			if err != nil {
				s.log.Warn("event prune failed", "err", err)
				continue
			}
			if pruned > 0 {
				s.log.Debug("pruned audit events", "count", pruned)
			}
		}
	}
}

// recordEvent appends an audit event, logging rather than failing the
// request when the event log is unavailable.
func (s *Server) recordEvent(ctx context.Context, kind, detail string) {
	if err := s.events.AppendEvent(ctx, kind, s.cfg.ProjectID, detail); err != nil {
		s.log.Warn("audit event append failed", "kind", kind, "err", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n"))
}

// writeError maps well-known sentinels to the structured error body and
// status the clients rely on.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, ""
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		status, code = http.StatusUnauthorized, domain.ErrCodeUnauthenticated
	case errors.Is(err, domain.ErrProjectForbidden):
		status, code = http.StatusForbidden, domain.ErrCodeProjectForbidden
	case errors.Is(err, domain.ErrRouteForbidden):
		status, code = http.StatusNotFound, domain.ErrCodeRouteForbidden
	case errors.Is(err, domain.ErrPairingInvalid):
		status, code = http.StatusUnauthorized, domain.ErrCodePairInvalid
	case errors.Is(err, domain.ErrPairingRateLimited):
		status, code = http.StatusTooManyRequests, domain.ErrCodePairRateLimited
	case errors.Is(err, domain.ErrTunnelStartFailed):
		status, code = http.StatusBadGateway, domain.ErrCodeTunnelStart
	case errors.Is(err, domain.ErrTunnelExited):
		status, code = http.StatusBadGateway, domain.ErrCodeTunnelExited
	case errors.Is(err, domain.ErrSessionNotFound):
		status, code = http.StatusNotFound, domain.ErrCodeSessionNotFound
	case errors.Is(err, domain.ErrWorktreeNotFound):
		status, code = http.StatusNotFound, domain.ErrCodeWorktreeNotFound
	}
	if code == "" {
		writeJSON(w, status, domain.ErrorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, status, domain.ErrorResponse{Error: err.Error(), ErrorCode: code})
}

// decodeJSONBody decodes an optional JSON body. An empty body decodes
// to zero values; every body field on the gateway's POST endpoints is
// optional.
func decodeJSONBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

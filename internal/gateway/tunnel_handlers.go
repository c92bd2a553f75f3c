package gateway

import (
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/fum4/openkit-sub000/internal/domain"
	"github.com/fum4/openkit-sub000/internal/store/sqlite"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !isLocalRequest(r) {
		s.writeError(w, fmt.Errorf("%w: local access only", domain.ErrUnauthenticated))
		return
	}
	writeJSON(w, http.StatusOK, s.tunnel.Status())
}

func (s *Server) handleTunnelEnable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !isLocalRequest(r) {
		s.writeError(w, fmt.Errorf("%w: local access only", domain.ErrUnauthenticated))
		return
	}

	var req domain.TunnelEnableRequest
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
	s.recordEvent(r.Context(), sqlite.EventTunnelStarted, "public_url="+publicURL)
	writeJSON(w, http.StatusOK, s.tunnel.Status())
}

func (s *Server) handleTunnelDisable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !isLocalRequest(r) {
		s.writeError(w, fmt.Errorf("%w: local access only", domain.ErrUnauthenticated))
		return
	}
	s.tunnel.Stop()
	s.recordEvent(r.Context(), sqlite.EventTunnelStopped, "")
	writeJSON(w, http.StatusOK, s.tunnel.Status())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !isLocalRequest(r) {
		s.writeError(w, fmt.Errorf("%w: local access only", domain.ErrUnauthenticated))
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, domain.ErrorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}
	events, err := s.events.ListEvents(r.Context(), limit)
	if err != nil {
		s.log.Error("event list failed", "err", err)
		s.writeError(w, err)
		return
	}
	if events == nil {
		events = []sqlite.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// gatewayPort is the port the tunnel subprocess forwards public traffic
// to. The tunnel always fronts the gateway itself so every remote
// request passes the auth and allowlist checks.
func (s *Server) gatewayPort() int {
	_, port, err := net.SplitHostPort(s.cfg.ListenAddr)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return 0
	}
	return n
}

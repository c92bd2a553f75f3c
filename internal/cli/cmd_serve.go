package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strconv"

	"github.com/fum4/openkit-sub000/internal/config"
	"github.com/fum4/openkit-sub000/internal/domain"
	"github.com/fum4/openkit-sub000/internal/gateway"
	ilog "github.com/fum4/openkit-sub000/internal/log"
	"github.com/fum4/openkit-sub000/internal/pairing"
	"github.com/fum4/openkit-sub000/internal/store/sqlite"
	"github.com/fum4/openkit-sub000/internal/token"
	"github.com/fum4/openkit-sub000/internal/tunnel"
)

func runServe(ctx context.Context, args []string) int {
	cfg, err := config.ParseGatewayFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "gateway config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel, cfg.LogFormat)

	codec, err := token.NewCodec(cfg.SigningSecret)
	if err != nil {
		fmt.Fprintln(os.Stderr, "gateway config error:", err)
		return 2
	}

	events, err := sqlite.Open(cfg.EventsDBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "event db error:", err)
		return 1
	}
	defer func() { _ = events.Close() }()

	manager := tunnel.NewManager(
		&tunnel.CommandLauncher{Binary: cfg.NgrokPath},
		logger,
		tunnel.Options{
			StartTimeout: cfg.TunnelStartTimeout,
			StopGrace:    cfg.TunnelStopGrace,
		},
	)

	server := gateway.New(cfg, logger, gateway.Deps{
		Codec: codec,
		Pairings: pairing.NewStore(codec, pairing.Options{
			TokenTTL:        cfg.PairingTokenTTL,
			ReplayWindow:    cfg.ReplayWindow,
			StatusRetention: cfg.StatusRetention,
		}),
		Limiter: pairing.NewRateLimiter(pairing.RateLimiterOptions{
			Enabled:  cfg.RateLimitEnabled,
			Window:   cfg.RateLimitWindow,
			BlockFor: cfg.RateLimitBlockFor,
		}),
		Tunnel:    manager,
		Local:     localAppProxy(cfg.LocalAppPort),
		Terminals: standaloneTerminals{},
		Worktrees: standaloneWorktrees{},
		Events:    events,
	})

	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("gateway stopped", "err", err)
		return 1
	}
	return 0
}

func runSecret() int {
	secret, err := token.GenerateSecret()
	if err != nil {
		fmt.Fprintln(os.Stderr, "secret generation error:", err)
		return 1
	}
	fmt.Println(secret)
	return 0
}

// localAppProxy dispatches allowlisted requests to the local application
// over loopback. When the gateway is embedded in the application process
// this is replaced with the app's own handler; the standalone binary
// needs the extra hop.
func localAppProxy(port int) http.Handler {
	target := &url.URL{Scheme: "http", Host: net.JoinHostPort("127.0.0.1", strconv.Itoa(port))}
	proxy := httputil.NewSingleHostReverseProxy(target)
	return proxy
}

// standaloneTerminals is the terminal collaborator for the standalone
// binary, which hosts no PTY sessions of its own: every attach target is
// unknown.
type standaloneTerminals struct{}

func (standaloneTerminals) ResolveActiveSessionID(string, string) (string, bool) { return "", false }

func (standaloneTerminals) SessionMetadata(string) (domain.TerminalSession, bool) {
	return domain.TerminalSession{}, false
}

func (standaloneTerminals) Attach(string, net.Conn) bool { return false }

type standaloneWorktrees struct{}

func (standaloneWorktrees) ListWorktrees() []domain.Worktree { return nil }

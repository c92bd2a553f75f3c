package config

import (
	"errors"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"
)

// GatewayConfig holds everything the gateway needs to run. Values come
// from OPENKIT_* env vars with flag overrides; validation happens at
// parse time.
type GatewayConfig struct {
	ListenAddr    string
	LocalAppPort  int
	ProjectID     string
	UserID        string
	UserEmail     string
	SigningSecret string
	NgrokPath     string
	EventsDBPath  string
	AllowedScopes []string
	LogLevel      string
	LogFormat     string

	RateLimitEnabled bool

	PairingTokenTTL    time.Duration
	ReplayWindow       time.Duration
	StatusRetention    time.Duration
	CookieSessionTTL   time.Duration
	ExchangeSessionTTL time.Duration
	TunnelStartTimeout time.Duration
	TunnelStopGrace    time.Duration
	RateLimitWindow    time.Duration
	RateLimitBlockFor  time.Duration
	EventRetention     time.Duration
}

const (
	defaultListenAddr      = "127.0.0.1:4466"
	defaultLocalAppPort    = 3000
	defaultUserID          = "local-user"
	defaultEventsDBPath    = "./openkit-events.db"
	defaultAgentScopes     = "remote-agent,mobile"
	defaultEventRetention  = 7 * 24 * time.Hour
	defaultPairingTokenTTL = 90 * time.Second
	defaultReplayWindow    = 30 * time.Second
	defaultStatusRetention = 10 * time.Minute
	defaultCookieTTL       = 15 * time.Minute
	defaultExchangeTTL     = 60 * time.Minute
	defaultStartTimeout    = 20 * time.Second
	defaultStopGrace       = 1500 * time.Millisecond
	defaultRateWindow      = time.Minute
	defaultRateBlockFor    = 5 * time.Minute
)

// ParseGatewayFlags builds a GatewayConfig from env defaults and args.
func ParseGatewayFlags(args []string) (GatewayConfig, error) {
	cfg := GatewayConfig{
		ListenAddr:    envOrDefault("OPENKIT_LISTEN", defaultListenAddr),
		LocalAppPort:  envIntOrDefault("OPENKIT_APP_PORT", defaultLocalAppPort),
		ProjectID:     envOrDefault("OPENKIT_PROJECT_ID", ""),
		UserID:        envOrDefault("OPENKIT_USER_ID", defaultUserID),
		UserEmail:     envOrDefault("OPENKIT_USER_EMAIL", ""),
		SigningSecret: envOrDefault("OPENKIT_SECRET", ""),
		NgrokPath:     envOrDefault("OPENKIT_NGROK_PATH", "ngrok"),
		EventsDBPath:  envOrDefault("OPENKIT_EVENTS_DB", defaultEventsDBPath),
		LogLevel:      envOrDefault("OPENKIT_LOG_LEVEL", "info"),
		LogFormat:     envOrDefault("OPENKIT_LOG_FORMAT", "text"),

		RateLimitEnabled: envBoolOrDefault("OPENKIT_PAIRING_RATE_LIMIT", true),

		PairingTokenTTL:    envDurationOrDefault("OPENKIT_PAIRING_TOKEN_TTL", defaultPairingTokenTTL),
		ReplayWindow:       envDurationOrDefault("OPENKIT_PAIRING_REPLAY_WINDOW", defaultReplayWindow),
		StatusRetention:    envDurationOrDefault("OPENKIT_PAIRING_STATUS_RETENTION", defaultStatusRetention),
		CookieSessionTTL:   envDurationOrDefault("OPENKIT_COOKIE_SESSION_TTL", defaultCookieTTL),
		ExchangeSessionTTL: envDurationOrDefault("OPENKIT_EXCHANGE_SESSION_TTL", defaultExchangeTTL),
		TunnelStartTimeout: envDurationOrDefault("OPENKIT_TUNNEL_START_TIMEOUT", defaultStartTimeout),
		TunnelStopGrace:    envDurationOrDefault("OPENKIT_TUNNEL_STOP_GRACE", defaultStopGrace),
		RateLimitWindow:    envDurationOrDefault("OPENKIT_RATE_LIMIT_WINDOW", defaultRateWindow),
		RateLimitBlockFor:  envDurationOrDefault("OPENKIT_RATE_LIMIT_BLOCK", defaultRateBlockFor),
		EventRetention:     envDurationOrDefault("OPENKIT_EVENT_RETENTION", defaultEventRetention),
	}
	scopes := envOrDefault("OPENKIT_AGENT_SCOPES", defaultAgentScopes)

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "Gateway listen address")
	fs.IntVar(&cfg.LocalAppPort, "app-port", cfg.LocalAppPort, "Local application port the tunnel and proxy target")
	fs.StringVar(&cfg.ProjectID, "project", cfg.ProjectID, "Project id sessions are bound to")
	fs.StringVar(&cfg.UserID, "user", cfg.UserID, "User id stamped into sessions")
	fs.StringVar(&cfg.UserEmail, "email", cfg.UserEmail, "User email stamped into sessions (optional)")
	fs.StringVar(&cfg.SigningSecret, "secret", cfg.SigningSecret, "Master secret for session signing")
	fs.StringVar(&cfg.NgrokPath, "ngrok", cfg.NgrokPath, "Tunnel provider binary")
	fs.StringVar(&cfg.EventsDBPath, "events-db", cfg.EventsDBPath, "Audit event database path")
	fs.StringVar(&scopes, "agent-scopes", scopes, "Comma-separated scopes allowed to attach remotely")
	fs.BoolVar(&cfg.RateLimitEnabled, "pairing-rate-limit", cfg.RateLimitEnabled, "Rate-limit pairing exchange attempts per client IP")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text|json")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.AllowedScopes = splitScopes(scopes)
	cfg.ProjectID = strings.TrimSpace(cfg.ProjectID)
	if cfg.ProjectID == "" {
		return cfg, errors.New("missing --project or OPENKIT_PROJECT_ID")
	}
	if cfg.SigningSecret == "" {
		return cfg, errors.New("missing --secret or OPENKIT_SECRET (generate one with the secret subcommand)")
	}
	if cfg.LocalAppPort <= 0 || cfg.LocalAppPort > 65535 {
		return cfg, errors.New("app port must be between 1 and 65535")
	}
	if len(cfg.AllowedScopes) == 0 {
		return cfg, errors.New("at least one agent scope is required")
	}
	for _, d := range []time.Duration{
		cfg.PairingTokenTTL, cfg.ReplayWindow, cfg.StatusRetention,
		cfg.CookieSessionTTL, cfg.ExchangeSessionTTL,
		cfg.TunnelStartTimeout, cfg.TunnelStopGrace,
		cfg.RateLimitWindow, cfg.RateLimitBlockFor, cfg.EventRetention,
	} {
		if d <= 0 {
			return cfg, errors.New("durations must be > 0")
		}
	}

	return cfg, nil
}

func splitScopes(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBoolOrDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

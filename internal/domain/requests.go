package domain

// Machine-readable error codes carried in [ErrorResponse].
const (
	ErrCodeUnauthenticated  = "unauthenticated"
	ErrCodeProjectForbidden = "project_forbidden"
	ErrCodeRouteForbidden   = "route_forbidden"
	ErrCodePairInvalid      = "pair_invalid"
	ErrCodePairRateLimited  = "pair_rate_limited"
	ErrCodeTunnelStart      = "ngrok_start_failed"
	ErrCodeTunnelExited     = "ngrok_exited"
	ErrCodeSessionNotFound  = "session_not_found"
	ErrCodeWorktreeNotFound = "worktree_not_found"
)

// ErrorResponse is the JSON body returned by the gateway for structured
// errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
}

// PairingStartRequest is the JSON body to begin a pairing attempt.
type PairingStartRequest struct {
	Next          string `json:"next,omitempty"`
	RegenerateURL bool   `json:"regenerateUrl,omitempty"`
}

// PairingStartResponse carries the freshly minted one-time pairing link.
type PairingStartResponse struct {
	PairingID     string `json:"pairingId"`
	PairURL       string `json:"pairUrl"`
	MobilePairURL string `json:"mobilePairUrl"`
	ExpiresAt     string `json:"expiresAt"`
}

// PairingExchangeRequest trades a one-time pairing token for a session.
type PairingExchangeRequest struct {
	Token string `json:"token"`
}

// PairingExchangeResponse returns the signed session token and its
// lifetime in seconds.
type PairingExchangeResponse struct {
	SessionJWT string `json:"sessionJwt"`
	ExpiresIn  int64  `json:"expiresIn"`
}

// TunnelEnableRequest is the JSON body for enabling the tunnel.
type TunnelEnableRequest struct {
	RegenerateURL bool `json:"regenerateUrl,omitempty"`
}

// MeResponse echoes the identity claims of an authenticated session.
type MeResponse struct {
	UserID    string `json:"userId"`
	ProjectID string `json:"projectId"`
	Email     string `json:"email,omitempty"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Package domain defines the core data types shared across the gateway,
// pairing, token, and tunnel layers.
package domain

import "time"

// Pairing status constants track the lifecycle of a pairing attempt.
const (
	PairingStatusPending = "pending"
	PairingStatusUsed    = "used"
	PairingStatusExpired = "expired"
)

// Tunnel status constants describe the lifecycle of the tunnel subprocess.
const (
	TunnelStatusStopped  = "stopped"
	TunnelStatusStarting = "starting"
	TunnelStatusRunning  = "running"
	TunnelStatusError    = "error"
)

// SessionClaims is the payload carried inside a signed session token.
// Timestamps are Unix milliseconds so tokens stay compatible with
// browser and mobile clients.
type SessionClaims struct {
	Type      string `json:"type"`
	IssuedAt  int64  `json:"issuedAt"`
	ExpiresAt int64  `json:"expiresAt"`
	UserID    string `json:"userId"`
	ProjectID string `json:"projectId"`
	Email     string `json:"email,omitempty"`
}

// PairingStatus is the poll-visible record of a pairing attempt. It
// outlives the one-time token itself so clients can observe the
// terminal state after consumption or expiry.
type PairingStatus struct {
	PairingID string     `json:"pairingId"`
	ProjectID string     `json:"projectId"`
	Status    string     `json:"status"`
	ExpiresAt time.Time  `json:"expiresAt"`
	UsedAt    *time.Time `json:"usedAt,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// TunnelSnapshot is a read-only projection of the tunnel runtime. It
// never exposes the underlying process handle.
type TunnelSnapshot struct {
	Enabled   bool       `json:"enabled"`
	Status    string     `json:"status"`
	PublicURL string     `json:"publicUrl,omitempty"`
	LocalPort int        `json:"localPort,omitempty"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// TerminalSession is the metadata the terminal-session collaborator
// reports for an attachable session.
type TerminalSession struct {
	WorktreeID string
	Scope      string
	Cols       int
	Rows       int
}

// Worktree identifies a workspace checkout registered with the local
// application.
type Worktree struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Path string `json:"path,omitempty"`
}

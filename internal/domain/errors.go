package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrUnauthenticated indicates a missing, malformed, or expired
	// session token.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrProjectForbidden means the session is bound to a different
	// project than the one addressed by the request.
	ErrProjectForbidden = errors.New("project forbidden")

	// ErrRouteForbidden means the target path is not on the proxy
	// allowlist.
	ErrRouteForbidden = errors.New("route forbidden")

	// ErrPairingInvalid covers unknown, expired, already-used, and
	// wrong-project pairing tokens.
	ErrPairingInvalid = errors.New("pairing token invalid")

	// ErrPairingRateLimited is returned when a client exceeds the
	// allowed pairing attempts for the current window.
	ErrPairingRateLimited = errors.New("pairing rate limited")

	// ErrTunnelStartFailed means the tunnel subprocess never produced a
	// public URL (timeout, crash, or spawn failure).
	ErrTunnelStartFailed = errors.New("tunnel start failed")

	// ErrTunnelExited means a previously healthy tunnel subprocess
	// exited unexpectedly.
	ErrTunnelExited = errors.New("tunnel exited")

	// ErrSessionNotFound means the referenced terminal session does not
	// exist at attach time.
	ErrSessionNotFound = errors.New("terminal session not found")

	// ErrWorktreeNotFound means the owning worktree no longer exists.
	ErrWorktreeNotFound = errors.New("worktree not found")
)

// TunnelError wraps a subprocess failure with the last captured output
// so operators see the provider's own diagnostic.
type TunnelError struct {
	Op         string
	LastOutput string
	Err        error
}

func (e *TunnelError) Error() string {
	if e.LastOutput != "" {
		return fmt.Sprintf("%s: %v (last output: %s)", e.Op, e.Err, e.LastOutput)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TunnelError) Unwrap() error {
	return e.Err
}

// Package pairing implements the one-time pairing token store: issuance,
// single-use consumption with a short same-client replay window, status
// polling, and a per-client rate limiter for the exchange endpoint.
//
// All state is process-local and in-memory. Maps are pruned inline on
// every mutation so no background janitor is required.
package pairing

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/fum4/openkit-sub000/internal/domain"
	"github.com/fum4/openkit-sub000/internal/token"
)

// UnknownClientIP is the placeholder used when client IP extraction
// fails. It is treated as matching any replay entry, mirroring the
// lenient behavior of redirect flows behind proxies.
const UnknownClientIP = "unknown"

// Defaults for the pairing lifecycle windows.
const (
	DefaultTokenTTL        = 90 * time.Second
	DefaultReplayWindow    = 30 * time.Second
	DefaultStatusRetention = 10 * time.Minute
)

// Hasher produces the stored digest of a raw pairing token.
// *token.Codec satisfies it.
type Hasher interface {
	HashPairingToken(raw string) string
}

// Options tunes the store's windows. Zero values take the defaults.
type Options struct {
	TokenTTL        time.Duration
	ReplayWindow    time.Duration
	StatusRetention time.Duration
}

// Issued is the result of creating a pairing token. RawToken is
// returned to the caller exactly once and never stored.
type Issued struct {
	RawToken  string
	PairingID string
	ExpiresAt time.Time
}

type pendingToken struct {
	pairingID string
	projectID string
	expiresAt time.Time
}

type replayEntry struct {
	pairingID  string
	projectID  string
	consumedAt time.Time
	clientIP   string
}

// Store tracks pending pairing tokens, their poll-visible status
// records, and a short replay cache of just-consumed tokens.
type Store struct {
	hasher   Hasher
	opts     Options
	now      func() time.Time
	newToken func() (string, error)

	mu      sync.Mutex
	pending map[string]pendingToken         // keyed by token hash
	status  map[string]domain.PairingStatus // keyed by pairing id
	replay  map[string]replayEntry          // keyed by token hash
}

// NewStore creates an empty pairing store using hasher for token
// digests.
func NewStore(hasher Hasher, opts Options) *Store {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = DefaultTokenTTL
	}
	if opts.ReplayWindow <= 0 {
		opts.ReplayWindow = DefaultReplayWindow
	}
	if opts.StatusRetention <= 0 {
		opts.StatusRetention = DefaultStatusRetention
	}
	return &Store{
		hasher:   hasher,
		opts:     opts,
		now:      time.Now,
		newToken: token.GeneratePairingToken,
		pending:  make(map[string]pendingToken),
		status:   make(map[string]domain.PairingStatus),
		replay:   make(map[string]replayEntry),
	}
}

// SetNow overrides the store's clock. Intended for tests.
func (s *Store) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Issue creates a new one-time pairing token bound to projectID. Only
// the token's keyed hash is retained.
func (s *Store) Issue(projectID string) (Issued, error) {
	raw, err := s.newToken()
	if err != nil {
		return Issued{}, fmt.Errorf("generate pairing token: %w", err)
	}
	pairingID, err := newID("pair")
	if err != nil {
		return Issued{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.gcLocked(now)

	expiresAt := now.Add(s.opts.TokenTTL)
	s.pending[s.hasher.HashPairingToken(raw)] = pendingToken{
		pairingID: pairingID,
		projectID: projectID,
		expiresAt: expiresAt,
	}
	s.status[pairingID] = domain.PairingStatus{
		PairingID: pairingID,
		ProjectID: projectID,
		Status:    domain.PairingStatusPending,
		ExpiresAt: expiresAt,
		UpdatedAt: now,
	}
	return Issued{RawToken: raw, PairingID: pairingID, ExpiresAt: expiresAt}, nil
}

// Consume redeems a raw pairing token. The first successful consumption
// marks the token used and caches it for the replay window; a repeat
// presentation within that window by the same (or an unknown) client IP
// is answered idempotently. Every other failure mode returns
// [domain.ErrPairingInvalid].
func (s *Store) Consume(rawToken, expectedProjectID, clientIP string) (string, error) {
	hash := s.hasher.HashPairingToken(rawToken)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.gcLocked(now)

	if pt, ok := s.pending[hash]; ok {
		if pt.projectID != expectedProjectID {
			return "", fmt.Errorf("%w: project mismatch", domain.ErrPairingInvalid)
		}
		// Check-then-mark happens under one lock hold; two concurrent
		// consumers can never both observe the pending entry.
		delete(s.pending, hash)
		s.replay[hash] = replayEntry{
			pairingID:  pt.pairingID,
			projectID:  pt.projectID,
			consumedAt: now,
			clientIP:   clientIP,
		}
		rec := s.status[pt.pairingID]
		usedAt := now
		rec.Status = domain.PairingStatusUsed
		rec.UsedAt = &usedAt
		rec.UpdatedAt = now
		s.status[pt.pairingID] = rec
		return pt.pairingID, nil
	}

	if re, ok := s.replay[hash]; ok {
		if re.projectID != expectedProjectID {
			return "", fmt.Errorf("%w: project mismatch", domain.ErrPairingInvalid)
		}
		if !sameClient(re.clientIP, clientIP) {
			return "", fmt.Errorf("%w: token already used", domain.ErrPairingInvalid)
		}
		return re.pairingID, nil
	}

	return "", fmt.Errorf("%w: unknown or expired token", domain.ErrPairingInvalid)
}

// Status returns the poll-visible record for a pairing attempt.
func (s *Store) Status(pairingID string) (domain.PairingStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.status[pairingID]
	return rec, ok
}

// gcLocked prunes expired pending tokens (flipping their status records
// to expired), stale status records, and aged-out replay entries. Called
// on every store mutation with the lock held.
func (s *Store) gcLocked(now time.Time) {
	for hash, pt := range s.pending {
		if now.After(pt.expiresAt) {
			delete(s.pending, hash)
			if rec, ok := s.status[pt.pairingID]; ok && rec.Status == domain.PairingStatusPending {
				rec.Status = domain.PairingStatusExpired
				rec.UpdatedAt = now
				s.status[pt.pairingID] = rec
			}
		}
	}
	for hash, re := range s.replay {
		if now.Sub(re.consumedAt) > s.opts.ReplayWindow {
			delete(s.replay, hash)
		}
	}
	for id, rec := range s.status {
		anchor := rec.ExpiresAt
		if rec.UsedAt != nil {
			anchor = *rec.UsedAt
		}
		if now.Sub(anchor) > s.opts.StatusRetention {
			delete(s.status, id)
		}
	}
}

// sameClient reports whether a replayed consumption comes from the same
// client. An unknown IP on either side is treated as a match; IP
// extraction failures must not break legitimate double-submitted
// redirects.
func sameClient(recorded, presented string) bool {
	if recorded == UnknownClientIP || presented == UnknownClientIP {
		return true
	}
	return recorded == presented
}

func newID(prefix string) (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand: %w", err)
	}
	return prefix + "_" + hex.EncodeToString(b), nil
}

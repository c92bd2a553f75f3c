// Package token implements the signed session-token codec and the keyed
// hashing of one-time pairing tokens. Both keys are derived from a single
// master secret via HKDF so rotating the secret invalidates everything at
// once.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/fum4/openkit-sub000/internal/domain"
)

// ClaimsType is the required type literal inside a valid session payload.
const ClaimsType = "ok"

const keySize = 32

// Codec signs and verifies session tokens and hashes pairing tokens.
// The zero value is not usable; construct with [NewCodec].
type Codec struct {
	signingKey []byte
	hashKey    []byte
	now        func() time.Time
}

// NewCodec derives signing and hashing keys from masterSecret.
func NewCodec(masterSecret string) (*Codec, error) {
	if strings.TrimSpace(masterSecret) == "" {
		return nil, errors.New("master secret cannot be empty")
	}
	signingKey, err := deriveKey(masterSecret, "session-signing")
	if err != nil {
		return nil, err
	}
	hashKey, err := deriveKey(masterSecret, "pairing-hash")
	if err != nil {
		return nil, err
	}
	return &Codec{
		signingKey: signingKey,
		hashKey:    hashKey,
		now:        time.Now,
	}, nil
}

// SetNow overrides the codec's clock. Intended for tests.
func (c *Codec) SetNow(now func() time.Time) {
	c.now = now
}

// Sign serializes claims and appends an HMAC-SHA256 signature over the
// encoded payload: base64url(json(claims)) + "." + base64url(mac).
func (c *Codec) Sign(claims domain.SessionClaims) (string, error) {
	if claims.ExpiresAt <= claims.IssuedAt {
		return "", errors.New("claims must expire after issuance")
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("encode claims: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + c.signature(encoded), nil
}

// Verify checks the signature and expiry of a wire token and returns the
// embedded claims. All failures map to [domain.ErrUnauthenticated]; the
// wrapped detail is for logs, not clients.
func (c *Codec) Verify(raw string) (domain.SessionClaims, error) {
	var zero domain.SessionClaims

	encoded, sig, ok := strings.Cut(raw, ".")
	if !ok || encoded == "" || sig == "" {
		return zero, fmt.Errorf("%w: malformed token", domain.ErrUnauthenticated)
	}
	expected := c.signature(encoded)
	// Length check first so constant-time comparison never runs over
	// mismatched lengths.
	if len(sig) != len(expected) {
		return zero, fmt.Errorf("%w: bad signature", domain.ErrUnauthenticated)
	}
	if subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) != 1 {
		return zero, fmt.Errorf("%w: bad signature", domain.ErrUnauthenticated)
	}

	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return zero, fmt.Errorf("%w: undecodable payload", domain.ErrUnauthenticated)
	}
	var claims domain.SessionClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return zero, fmt.Errorf("%w: invalid payload", domain.ErrUnauthenticated)
	}
	if claims.Type != ClaimsType {
		return zero, fmt.Errorf("%w: unexpected token type", domain.ErrUnauthenticated)
	}
	if claims.UserID == "" || claims.ProjectID == "" {
		return zero, fmt.Errorf("%w: missing identity claims", domain.ErrUnauthenticated)
	}
	if claims.IssuedAt <= 0 || claims.ExpiresAt <= claims.IssuedAt {
		return zero, fmt.Errorf("%w: invalid validity window", domain.ErrUnauthenticated)
	}
	if c.now().UnixMilli() >= claims.ExpiresAt {
		return zero, fmt.Errorf("%w: token expired", domain.ErrUnauthenticated)
	}
	return claims, nil
}

// HashPairingToken returns a keyed hex digest of a raw pairing token.
// Only the digest is ever stored server-side.
func (c *Codec) HashPairingToken(raw string) string {
	mac := hmac.New(sha256.New, c.hashKey)
	_, _ = mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Codec) signature(encodedPayload string) string {
	mac := hmac.New(sha256.New, c.signingKey)
	_, _ = mac.Write([]byte(encodedPayload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func deriveKey(masterSecret, purpose string) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(masterSecret), nil, []byte("openkit-gateway:"+purpose))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", purpose, err)
	}
	return key, nil
}

// GenerateSecret returns a cryptographically random, URL-safe master
// secret suitable for the gateway's signing configuration.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GeneratePairingToken returns a random high-entropy raw pairing token.
func GeneratePairingToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

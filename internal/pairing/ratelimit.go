package pairing

import (
	"sync"
	"time"
)

// Defaults for the pairing-exchange rate limiter.
const (
	DefaultRateLimitWindow   = time.Minute
	DefaultRateLimitCeiling  = 12
	DefaultRateLimitBlockFor = 5 * time.Minute
)

// bucketCleanupFactor controls how stale a bucket must be, in multiples
// of the window, before inline cleanup evicts it.
const bucketCleanupFactor = 4

type rateBucket struct {
	windowStart  time.Time
	attempts     int
	blockedUntil time.Time
}

// RateLimiter is a fixed-window per-client-IP counter with a hard block
// once the ceiling is exceeded. It guards the token-exchange endpoint
// against brute-force guessing of pairing tokens.
type RateLimiter struct {
	enabled  bool
	ceiling  int
	window   time.Duration
	blockFor time.Duration
	now      func() time.Time

	mu      sync.Mutex
	buckets map[string]*rateBucket
}

// RateLimiterOptions tunes the limiter. Zero values take the defaults.
type RateLimiterOptions struct {
	Enabled  bool
	Ceiling  int
	Window   time.Duration
	BlockFor time.Duration
}

// NewRateLimiter creates a limiter. When opts.Enabled is false every
// request passes through, which keeps trusted local testing friction
// free.
func NewRateLimiter(opts RateLimiterOptions) *RateLimiter {
	if opts.Ceiling <= 0 {
		opts.Ceiling = DefaultRateLimitCeiling
	}
	if opts.Window <= 0 {
		opts.Window = DefaultRateLimitWindow
	}
	if opts.BlockFor <= 0 {
		opts.BlockFor = DefaultRateLimitBlockFor
	}
	return &RateLimiter{
		enabled:  opts.Enabled,
		ceiling:  opts.Ceiling,
		window:   opts.Window,
		blockFor: opts.BlockFor,
		now:      time.Now,
		buckets:  make(map[string]*rateBucket),
	}
}

// SetNow overrides the limiter's clock. Intended for tests.
func (l *RateLimiter) SetNow(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Allow records one pairing attempt for clientIP. When the attempt is
// rejected, retryAfter carries the Retry-After hint to surface to the
// client.
func (l *RateLimiter) Allow(clientIP string) (retryAfter time.Duration, allowed bool) {
	if !l.enabled {
		return 0, true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.cleanupLocked(now)

	b, ok := l.buckets[clientIP]
	if !ok || now.Sub(b.windowStart) >= l.window {
		if b != nil && now.Before(b.blockedUntil) {
			return b.blockedUntil.Sub(now), false
		}
		l.buckets[clientIP] = &rateBucket{windowStart: now, attempts: 1}
		return 0, true
	}

	if now.Before(b.blockedUntil) {
		return b.blockedUntil.Sub(now), false
	}

	b.attempts++
	if b.attempts > l.ceiling {
		b.blockedUntil = now.Add(l.blockFor)
		remaining := l.window - now.Sub(b.windowStart)
		if remaining < 0 {
			remaining = 0
		}
		return remaining, false
	}
	return 0, true
}

func (l *RateLimiter) cleanupLocked(now time.Time) {
	cutoff := l.window * bucketCleanupFactor
	for ip, b := range l.buckets {
		if now.Sub(b.windowStart) > cutoff && now.After(b.blockedUntil) {
			delete(l.buckets, ip)
		}
	}
}

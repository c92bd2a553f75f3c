package pairing

import (
	"testing"
	"time"
)

func testLimiter(enabled bool) (*RateLimiter, *time.Time) {
	l := NewRateLimiter(RateLimiterOptions{Enabled: enabled})
	now := time.Now()
	l.SetNow(func() time.Time { return now })
	return l, &now
}

func TestRateLimiterAllowsWithinCeiling(t *testing.T) {
	t.Parallel()

	l, _ := testLimiter(true)
	for i := 0; i < DefaultRateLimitCeiling; i++ {
		if _, ok := l.Allow("10.0.0.1"); !ok {
			t.Fatalf("expected allow on attempt %d", i+1)
		}
	}
}

func TestRateLimiterBlocksThirteenthAttempt(t *testing.T) {
	t.Parallel()

	l, _ := testLimiter(true)
	for i := 0; i < DefaultRateLimitCeiling; i++ {
		l.Allow("10.0.0.1")
	}
	retryAfter, ok := l.Allow("10.0.0.1")
	if ok {
		t.Fatal("expected 13th attempt to be rejected")
	}
	if retryAfter <= 0 || retryAfter > DefaultRateLimitWindow {
		t.Fatalf("expected window-remainder retry hint, got %v", retryAfter)
	}
}

func TestRateLimiterBlockPersistsAcrossWindow(t *testing.T) {
	t.Parallel()

	l, now := testLimiter(true)
	for i := 0; i < (DefaultRateLimitCeiling + 1); i++ {
		l.Allow("10.0.0.1")
	}

	// A fresh window does not lift the hard block.
	*now = now.Add(DefaultRateLimitWindow + time.Second)
	retryAfter, ok := l.Allow("10.0.0.1")
	if ok {
		t.Fatal("expected block to persist into the next window")
	}
	if retryAfter <= 0 || retryAfter > DefaultRateLimitBlockFor {
		t.Fatalf("expected block-remainder retry hint, got %v", retryAfter)
	}

	// After the block elapses the client starts a clean window.
	*now = now.Add(DefaultRateLimitBlockFor)
	if _, ok := l.Allow("10.0.0.1"); !ok {
		t.Fatal("expected allow after block expiry")
	}
}

func TestRateLimiterIsolatesClients(t *testing.T) {
	t.Parallel()

	l, _ := testLimiter(true)
	for i := 0; i < (DefaultRateLimitCeiling + 1); i++ {
		l.Allow("10.0.0.1")
	}
	if _, ok := l.Allow("10.0.0.2"); !ok {
		t.Fatal("expected other client to be unaffected")
	}
}

func TestRateLimiterWindowResets(t *testing.T) {
	t.Parallel()

	l, now := testLimiter(true)
	for i := 0; i < DefaultRateLimitCeiling; i++ {
		l.Allow("10.0.0.1")
	}
	*now = now.Add(DefaultRateLimitWindow)
	if _, ok := l.Allow("10.0.0.1"); !ok {
		t.Fatal("expected fresh window to allow again")
	}
}

func TestRateLimiterDisabledPassesThrough(t *testing.T) {
	t.Parallel()

	l, _ := testLimiter(false)
	for i := 0; i < (DefaultRateLimitCeiling * 3); i++ {
		if _, ok := l.Allow("10.0.0.1"); !ok {
			t.Fatal("disabled limiter must never reject")
		}
	}
}

func TestRateLimiterCleanupEvictsStaleBuckets(t *testing.T) {
	t.Parallel()

	l, now := testLimiter(true)
	l.Allow("stale-client")

	*now = now.Add(DefaultRateLimitWindow*bucketCleanupFactor + time.Minute)
	l.Allow("fresh-client")

	l.mu.Lock()
	_, exists := l.buckets["stale-client"]
	l.mu.Unlock()
	if exists {
		t.Fatal("expected stale bucket to be evicted")
	}
}

func BenchmarkRateLimiterAllow(b *testing.B) {
	l := NewRateLimiter(RateLimiterOptions{Enabled: true, Ceiling: 1 << 30})
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.Allow("bench-client")
	}
}

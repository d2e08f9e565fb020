package ratelimit

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestLimiterNeverExceedsMaxWithinWindow(t *testing.T) {
	l := NewLimiter(3, 200*time.Millisecond, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.Wait(ctx); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
	}
	if l.InWindowCount() != 3 {
		t.Fatalf("expected 3 acquisitions counted, got %d", l.InWindowCount())
	}

	// A 4th immediate acquisition must block until the window clears.
	start := time.Now()
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("Wait 4th: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("4th acquisition returned too early after %v", elapsed)
	}
}

func TestLimiterRespectsMinDelay(t *testing.T) {
	l := NewLimiter(100, time.Minute, 50*time.Millisecond)
	ctx := context.Background()
	start := time.Now()
	_ = l.Wait(ctx)
	_ = l.Wait(ctx)
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("second Wait returned too early after %v", elapsed)
	}
}

func TestLimiterHonorsCancellation(t *testing.T) {
	l := NewLimiter(1, time.Hour, 0)
	ctx := context.Background()
	_ = l.Wait(ctx)

	cctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Wait(cctx); err == nil {
		t.Fatalf("expected context cancellation error")
	}
}

var rateLimitPattern = regexp.MustCompile(`(?i)429|rate ?limit`)

func shouldRetryRateLimit(err error) bool {
	return rateLimitPattern.MatchString(err.Error())
}

func TestRetryAttemptsAtMostMaxPlusNone(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, Base: time.Millisecond, Cap: 10 * time.Millisecond}
	calls := 0
	err := Retry(context.Background(), cfg, shouldRetryRateLimit, func() error {
		calls++
		return errors.New("429 too many requests")
	})
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3 (MaxAttempts)", calls)
	}
}

func TestRetryOnlyMatchesRateLimitPattern(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 5, Base: time.Millisecond, Cap: 10 * time.Millisecond}
	calls := 0
	err := Retry(context.Background(), cfg, shouldRetryRateLimit, func() error {
		calls++
		return errors.New("connection refused")
	})
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected non-retryable error to propagate immediately, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on non-matching error)", calls)
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 5, Base: time.Millisecond, Cap: 10 * time.Millisecond}
	calls := 0
	err := Retry(context.Background(), cfg, shouldRetryRateLimit, func() error {
		calls++
		if calls < 3 {
			return errors.New("rate limit exceeded")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

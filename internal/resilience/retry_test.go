package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Retry{}.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_RetriesUntilSuccess(t *testing.T) {
	policy := Retry{MaxAttempts: 5, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	calls := 0
	err := policy.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errTest
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	policy := Retry{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	calls := 0
	err := policy.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errTest
	})
	if !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want errTest", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_NonRetryableReturnsImmediately(t *testing.T) {
	permanent := errors.New("permanent")
	policy := Retry{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
		Retryable:      func(err error) bool { return !errors.Is(err, permanent) },
	}
	calls := 0
	err := policy.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("err = %v, want permanent", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (non-retryable)", calls)
	}
}

func TestRetry_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := Retry{MaxAttempts: 3, InitialBackoff: time.Hour}
	calls := 0
	err := policy.Do(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return errTest
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_BackoffCappedAtMax(t *testing.T) {
	policy := Retry{MaxAttempts: 6, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	start := time.Now()
	_ = policy.Do(context.Background(), func(ctx context.Context) error { return errTest })
	// Worst case without the cap would be 1+2+4+8+16 = 31ms of sleeping;
	// with the cap it is 1+2+2+2+2 = 9ms. Allow generous slack for CI.
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("retries took %v, backoff cap not applied?", elapsed)
	}
}

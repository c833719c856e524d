package matrix

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// recordingSleep captures backoff waits without actually sleeping.
func recordingSleep(waits *[]time.Duration) func(ctx context.Context, d time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return ctx.Err()
	}
}

func TestRetrierSuccessPassesThrough(t *testing.T) {
	t.Parallel()

	retrier := NewRetrier(nil)
	body, err := retrier.Do(context.Background(), func(ctx context.Context) ([]byte, error) {
		return []byte("ok"), nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if string(body) != "ok" {
		t.Errorf("unexpected body: %q", body)
	}
}

func TestRetrierDoublesBackoffWithoutServerHint(t *testing.T) {
	t.Parallel()

	var waits []time.Duration
	retrier := NewRetrier(nil)
	retrier.sleep = recordingSleep(&waits)

	attempts := 0
	body, err := retrier.Do(context.Background(), func(ctx context.Context) ([]byte, error) {
		attempts++
		if attempts <= 3 {
			return nil, &RateLimitError{Code: ErrCodeLimitExceeded, Message: "slow down"}
		}
		return []byte("done"), nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if string(body) != "done" {
		t.Errorf("unexpected body: %q", body)
	}

	expected := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}
	if len(waits) != len(expected) {
		t.Fatalf("expected %d waits, got %d: %v", len(expected), len(waits), waits)
	}
	for i, want := range expected {
		if waits[i] != want {
			t.Errorf("wait %d: expected %v, got %v", i, want, waits[i])
		}
	}
}

func TestRetrierUsesServerSuggestedDelay(t *testing.T) {
	t.Parallel()

	var waits []time.Duration
	retrier := NewRetrier(nil)
	retrier.sleep = recordingSleep(&waits)

	attempts := 0
	_, err := retrier.Do(context.Background(), func(ctx context.Context) ([]byte, error) {
		attempts++
		if attempts == 1 {
			return nil, &RateLimitError{Code: ErrCodeLimitExceeded, RetryAfterMS: 1500}
		}
		return []byte("done"), nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if len(waits) != 1 || waits[0] != 1500*time.Millisecond {
		t.Errorf("expected single 1.5s wait, got %v", waits)
	}
}

func TestRetrierServerDelayDoesNotResetBackoff(t *testing.T) {
	t.Parallel()

	var waits []time.Duration
	retrier := NewRetrier(nil)
	retrier.sleep = recordingSleep(&waits)

	attempts := 0
	_, err := retrier.Do(context.Background(), func(ctx context.Context) ([]byte, error) {
		attempts++
		switch attempts {
		case 1:
			return nil, &RateLimitError{RetryAfterMS: 100}
		case 2:
			return nil, &RateLimitError{}
		}
		return []byte("done"), nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	// The no-hint attempt sees the doubled backoff, not the initial one.
	expected := []time.Duration{100 * time.Millisecond, 10 * time.Second}
	if len(waits) != 2 || waits[0] != expected[0] || waits[1] != expected[1] {
		t.Errorf("expected waits %v, got %v", expected, waits)
	}
}

func TestRetrierAbortsAtCeiling(t *testing.T) {
	t.Parallel()

	var waits []time.Duration
	retrier := NewRetrier(nil)
	retrier.sleep = recordingSleep(&waits)

	_, err := retrier.Do(context.Background(), func(ctx context.Context) ([]byte, error) {
		return nil, &RateLimitError{Code: ErrCodeLimitExceeded}
	})
	if !errors.Is(err, ErrRateLimitExceeded) {
		t.Fatalf("expected ErrRateLimitExceeded, got %v", err)
	}

	// 5s doubles up to 160s; the next value (320s) exceeds the 5
	// minute ceiling and aborts without sleeping.
	last := waits[len(waits)-1]
	if last > backoffCeiling {
		t.Errorf("slept %v beyond the ceiling", last)
	}
	for i := 1; i < len(waits); i++ {
		if waits[i] != waits[i-1]*2 {
			t.Errorf("wait %d: expected doubling from %v, got %v", i, waits[i-1], waits[i])
		}
	}
}

func TestRetrierAbortsOnExcessiveServerDelay(t *testing.T) {
	t.Parallel()

	var waits []time.Duration
	retrier := NewRetrier(nil)
	retrier.sleep = recordingSleep(&waits)

	_, err := retrier.Do(context.Background(), func(ctx context.Context) ([]byte, error) {
		return nil, &RateLimitError{RetryAfterMS: (10 * time.Minute).Milliseconds()}
	})
	if !errors.Is(err, ErrRateLimitExceeded) {
		t.Fatalf("expected ErrRateLimitExceeded, got %v", err)
	}
	if len(waits) != 0 {
		t.Errorf("expected no sleeps, got %v", waits)
	}
}

func TestRetrierDoesNotRetryOtherErrors(t *testing.T) {
	t.Parallel()

	retrier := NewRetrier(nil)
	retrier.sleep = func(ctx context.Context, d time.Duration) error {
		t.Fatal("sleep should not be called")
		return nil
	}

	authErr := &AuthRequiredError{}
	attempts := 0
	_, err := retrier.Do(context.Background(), func(ctx context.Context) ([]byte, error) {
		attempts++
		return nil, fmt.Errorf("request failed: %w", authErr)
	})

	var gotAuth *AuthRequiredError
	if !errors.As(err, &gotAuth) {
		t.Fatalf("expected AuthRequiredError, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected a single attempt, got %d", attempts)
	}
}

func TestRetrierStopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	retrier := NewRetrier(nil)
	retrier.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := retrier.Do(ctx, func(ctx context.Context) ([]byte, error) {
		return nil, &RateLimitError{}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

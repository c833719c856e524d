package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	// initialBackoff is the first wait after a rate-limit response with
	// no server-suggested delay.
	initialBackoff = 5 * time.Second

	// backoffCeiling bounds the exponential backoff. A backoff that
	// would exceed it aborts the request with ErrRateLimitExceeded.
	backoffCeiling = 5 * time.Minute
)

// Retrier executes outbound requests, transparently absorbing
// rate-limit responses with exponential backoff. All other failure
// kinds (auth required, protocol errors, transport failures,
// cancellation) surface immediately without a retry.
//
// A Retrier holds no per-call state and is safe for concurrent use:
// backoff bookkeeping is local to each Do invocation.
type Retrier struct {
	logger *slog.Logger

	// sleep is swappable for tests. Returns the context error if the
	// context is cancelled before the duration elapses.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetrier creates a Retrier logging through the given logger.
func NewRetrier(logger *slog.Logger) *Retrier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrier{
		logger: logger.With("component", "retrier"),
		sleep:  sleepContext,
	}
}

// Do invokes attempt until it succeeds, fails terminally, or the
// backoff ceiling is reached. Only *RateLimitError triggers a retry:
// the wait is the server-suggested delay when present, otherwise the
// current backoff value, which doubles after every rate-limited
// attempt. A wait that would exceed the ceiling aborts with
// ErrRateLimitExceeded wrapping the final rate-limit payload.
func (r *Retrier) Do(ctx context.Context, attempt func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	backoff := initialBackoff

	for {
		body, err := attempt(ctx)
		if err == nil {
			return body, nil
		}

		var rateLimited *RateLimitError
		if !errors.As(err, &rateLimited) {
			return nil, err
		}

		wait := backoff
		if rateLimited.RetryAfterMS > 0 {
			wait = time.Duration(rateLimited.RetryAfterMS) * time.Millisecond
		}

		if wait > backoffCeiling {
			r.logger.WarnContext(ctx, "rate limit backoff ceiling reached, aborting request",
				"wait", wait, "ceiling", backoffCeiling)
			return nil, fmt.Errorf("%w: %v", ErrRateLimitExceeded, rateLimited)
		}

		r.logger.InfoContext(ctx, "rate limited, backing off before retry",
			"wait", wait, "server_suggested", rateLimited.RetryAfterMS > 0)

		if err := r.sleep(ctx, wait); err != nil {
			return nil, err
		}
		backoff *= 2
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

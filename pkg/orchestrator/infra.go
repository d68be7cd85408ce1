package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Retry policy for bus and store calls. Short outages are absorbed here;
// anything that outlives the budget parks the session instead of
// failing it.
const (
	// infraMaxAttempts is the total number of tries per operation.
	infraMaxAttempts = 4

	// infraBackoffBase is the pre-jitter delay after the first failure;
	// it doubles per attempt.
	infraBackoffBase = 250 * time.Millisecond

	// infraBackoffCap bounds the pre-jitter delay.
	infraBackoffCap = 2 * time.Second
)

// ErrInfraUnavailable marks an operation that kept failing after its
// retry budget. Run reacts by parking the session paused so the orphan
// scan can hand it to a healthy pod later.
var ErrInfraUnavailable = errors.New("infrastructure unavailable")

// withInfraRetry runs fn with exponential backoff and jitter. Context
// errors stop the attempts immediately and propagate unchanged.
func withInfraRetry(ctx context.Context, log *slog.Logger, op string, fn func() error) error {
	delay := infraBackoffBase
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if attempt == infraMaxAttempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrInfraUnavailable, attempt, err)
		}

		backoff := delay + time.Duration(rand.Int64N(int64(delay)))
		log.Warn("Infrastructure call failed, backing off",
			"op", op, "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = min(delay*2, infraBackoffCap)
	}
}

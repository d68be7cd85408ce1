package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithInfraRetryStopsAfterSuccess(t *testing.T) {
	attempts := 0
	err := withInfraRetry(context.Background(), slog.Default(), "op", func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithInfraRetryExhaustsBudget(t *testing.T) {
	cause := errors.New("connection refused")
	attempts := 0
	err := withInfraRetry(context.Background(), slog.Default(), "op", func() error {
		attempts++
		return cause
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInfraUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, infraMaxAttempts, attempts)
}

func TestWithInfraRetryPropagatesContextErrors(t *testing.T) {
	// A wrapped context error means the deadline fired mid-call; that is
	// not an infra outage and must not be retried or reclassified.
	attempts := 0
	err := withInfraRetry(context.Background(), slog.Default(), "op", func() error {
		attempts++
		return fmt.Errorf("query: %w", context.Canceled)
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrInfraUnavailable)
	assert.Equal(t, 1, attempts)
}

func TestWithInfraRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := withInfraRetry(ctx, slog.Default(), "op", func() error {
		attempts++
		return errors.New("connection refused")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts, "cancellation wins over the backoff timer")
}

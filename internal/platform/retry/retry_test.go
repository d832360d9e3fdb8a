package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayBeforeSchedule(t *testing.T) {
	cases := map[int]time.Duration{
		1: 0,
		2: 1 * time.Second,
		3: 2 * time.Second,
		4: 4 * time.Second,
		5: 8 * time.Second,
		6: 8 * time.Second,
	}
	for attempt, want := range cases {
		assert.Equal(t, want, DelayBefore(attempt), "attempt %d", attempt)
	}
}

func TestIsRetryableStatusCodes(t *testing.T) {
	retryable := []int{http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout}
	for _, code := range retryable {
		assert.True(t, IsRetryable(&StatusError{StatusCode: code}), "status %d", code)
	}
	nonRetryable := []int{http.StatusBadRequest, http.StatusNotFound, http.StatusForbidden, http.StatusUnauthorized}
	for _, code := range nonRetryable {
		assert.False(t, IsRetryable(&StatusError{StatusCode: code}), "status %d", code)
	}
}

func TestIsRetryableContext(t *testing.T) {
	assert.False(t, IsRetryable(context.Canceled))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
}

func TestIsRetryableNetError(t *testing.T) {
	err := &net.OpError{Op: "dial", Err: errors.New("connection refused")}
	assert.True(t, IsRetryable(err))
}

func TestDoSucceedsWithoutRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return &StatusError{StatusCode: http.StatusBadRequest}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	var statusErr *StatusError
	assert.True(t, errors.As(err, &statusErr))
}

func TestDoExhaustsRetryableFailures(t *testing.T) {
	calls := 0
	start := time.Now()
	err := Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return &StatusError{StatusCode: http.StatusServiceUnavailable}
	})
	require.Error(t, err)
	assert.Equal(t, MaxAttempts, calls)
	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, MaxAttempts, exhausted.Attempts)
	// 1 + 2 + 4 + 8 seconds of backoff before attempts 2-5 (no wait after
	// the last attempt).
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Second)
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, func(ctx context.Context, attempt int) error {
		calls++
		if attempt == 1 {
			cancel()
		}
		return &StatusError{StatusCode: http.StatusServiceUnavailable}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
}

package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type statusErr struct {
	code  int
	after time.Duration
}

func (e *statusErr) Error() string             { return fmt.Sprintf("status %d", e.code) }
func (e *statusErr) StatusCode() int           { return e.code }
func (e *statusErr) RetryAfter() time.Duration { return e.after }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestZones_Retry_Do(t *testing.T) {
	t.Parallel()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := Do(t.Context(), fastConfig(3), func() error {
			calls++
			if calls < 3 {
				return &statusErr{code: http.StatusServiceUnavailable}
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := Do(t.Context(), fastConfig(2), func() error {
			calls++
			return &statusErr{code: http.StatusBadGateway}
		})
		require.ErrorContains(t, err, "failed after 2 attempts")
		var se *statusErr
		require.ErrorAs(t, err, &se)
		require.Equal(t, 2, calls)
	})

	t.Run("client errors are returned at once", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := Do(t.Context(), fastConfig(5), func() error {
			calls++
			return &statusErr{code: http.StatusNotFound}
		})
		require.EqualError(t, err, "status 404")
		require.Equal(t, 1, calls)
	})

	t.Run("permanent stops retrying", func(t *testing.T) {
		t.Parallel()
		calls := 0
		cause := &statusErr{code: http.StatusServiceUnavailable}
		err := Do(t.Context(), fastConfig(5), func() error {
			calls++
			return Permanent(cause)
		})
		require.ErrorIs(t, err, cause)
		require.Equal(t, 1, calls)
	})

	t.Run("zero attempts still runs once", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := Do(t.Context(), Config{}, func() error {
			calls++
			return io.ErrUnexpectedEOF
		})
		require.ErrorIs(t, err, io.ErrUnexpectedEOF)
		require.Equal(t, 1, calls)
	})

	t.Run("cancelled while waiting", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		ctx, cancel := context.WithCancel(t.Context())
		done := make(chan error, 1)
		go func() {
			done <- Do(ctx, Config{MaxAttempts: 3, BaseBackoff: time.Hour, MaxBackoff: time.Hour, Clock: clock}, func() error {
				return io.ErrUnexpectedEOF
			})
		}()
		require.NoError(t, clock.BlockUntilContext(t.Context(), 1))
		cancel()
		require.ErrorIs(t, <-done, context.Canceled)
	})

	t.Run("retry after hint extends the wait", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		var waits []time.Duration
		cfg := Config{
			MaxAttempts: 2,
			BaseBackoff: time.Millisecond,
			MaxBackoff:  time.Millisecond,
			Clock:       clock,
			OnRetry: func(attempt int, err error, wait time.Duration) {
				waits = append(waits, wait)
			},
		}
		calls := 0
		done := make(chan error, 1)
		go func() {
			done <- Do(t.Context(), cfg, func() error {
				calls++
				if calls == 1 {
					return &statusErr{code: http.StatusTooManyRequests, after: 10 * time.Second}
				}
				return nil
			})
		}()
		require.NoError(t, clock.BlockUntilContext(t.Context(), 1))
		clock.Advance(10 * time.Second)
		require.NoError(t, <-done)
		require.Equal(t, []time.Duration{10 * time.Second}, waits)
	})
}

func TestZones_Retry_IsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"cancelled", context.Canceled, false},
		{"deadline", fmt.Errorf("download: %w", context.DeadlineExceeded), false},
		{"too many requests", &statusErr{code: 429}, true},
		{"gateway timeout", &statusErr{code: 504}, true},
		{"forbidden", &statusErr{code: 403}, false},
		{"truncated body", fmt.Errorf("copy: %w", io.ErrUnexpectedEOF), true},
		{"connection reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, true},
		{"timeout", timeoutErr{}, true},
		{"permanent timeout", Permanent(timeoutErr{}), false},
		{"plain", errors.New("no such file"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestZones_Retry_Backoff(t *testing.T) {
	t.Parallel()

	base, max := 100*time.Millisecond, time.Second
	for attempt, full := range map[int]time.Duration{
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		3: 400 * time.Millisecond,
		5: time.Second,
		9: time.Second,
	} {
		for range 20 {
			d := Backoff(base, max, attempt)
			require.GreaterOrEqual(t, d, full/2, "attempt %d", attempt)
			require.Less(t, d, full, "attempt %d", attempt)
		}
	}
}

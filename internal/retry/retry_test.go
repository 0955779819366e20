package retry

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestIsRetryableProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("nil error is not retryable", prop.ForAll(
		func(_ int) bool {
			return !IsRetryable(nil)
		},
		gen.Int(),
	))

	properties.Property("context.Canceled is not retryable", prop.ForAll(
		func(_ int) bool {
			return !IsRetryable(context.Canceled)
		},
		gen.Int(),
	))

	properties.Property("context.DeadlineExceeded is retryable", prop.ForAll(
		func(_ int) bool {
			return IsRetryable(context.DeadlineExceeded)
		},
		gen.Int(),
	))

	properties.Property("transient-marked errors are retryable", prop.ForAll(
		func(msg string) bool {
			return IsRetryable(Transient(errors.New(msg)))
		},
		gen.AlphaString(),
	))

	properties.Property("wrapped transient errors stay retryable", prop.ForAll(
		func(msg string) bool {
			err := Transient(errors.New(msg))
			return IsRetryable(errors.Join(errors.New("save record"), err))
		},
		gen.AlphaString(),
	))

	properties.Property("plain errors are not retryable", prop.ForAll(
		func(msg string) bool {
			return !IsRetryable(errors.New(msg))
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestRetryDoProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("successful operation returns nil", prop.ForAll(
		func(maxAttempts int) bool {
			cfg := Config{
				MaxAttempts:       maxAttempts,
				InitialBackoff:    time.Millisecond,
				MaxBackoff:        10 * time.Millisecond,
				BackoffMultiplier: 2.0,
			}

			err := Do(context.Background(), cfg, func(_ context.Context) error {
				return nil
			})
			return err == nil
		},
		gen.IntRange(1, 10),
	))

	properties.Property("non-retryable error returns immediately", prop.ForAll(
		func(maxAttempts int) bool {
			cfg := Config{
				MaxAttempts:       maxAttempts,
				InitialBackoff:    time.Millisecond,
				MaxBackoff:        10 * time.Millisecond,
				BackoffMultiplier: 2.0,
			}

			attempts := 0
			permanent := errors.New("bad record")

			err := Do(context.Background(), cfg, func(_ context.Context) error {
				attempts++
				return permanent
			})
			return attempts == 1 && errors.Is(err, permanent)
		},
		gen.IntRange(2, 10),
	))

	properties.Property("transient error exhausts all attempts", prop.ForAll(
		func(maxAttempts int) bool {
			cfg := Config{
				MaxAttempts:       maxAttempts,
				InitialBackoff:    time.Millisecond,
				MaxBackoff:        10 * time.Millisecond,
				BackoffMultiplier: 2.0,
			}

			attempts := 0
			flaky := Transient(errors.New("connection reset"))

			err := Do(context.Background(), cfg, func(_ context.Context) error {
				attempts++
				return flaky
			})

			var exhausted *ExhaustedError
			return attempts == maxAttempts && errors.As(err, &exhausted)
		},
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}

func TestExhaustedErrorProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("ExhaustedError unwraps to the last error", prop.ForAll(
		func(msg string) bool {
			last := errors.New(msg)
			err := &ExhaustedError{
				Attempts:      3,
				TotalDuration: time.Second,
				LastError:     last,
			}
			return errors.Is(err, last)
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestCalculateBackoffProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("backoff does not decrease with attempts", prop.ForAll(
		func(attempt int) bool {
			cfg := Config{
				InitialBackoff:    100 * time.Millisecond,
				MaxBackoff:        10 * time.Second,
				BackoffMultiplier: 2.0,
				Jitter:            0, // deterministic
			}
			return calculateBackoff(cfg, attempt+1) >= calculateBackoff(cfg, attempt)
		},
		gen.IntRange(1, 10),
	))

	properties.Property("backoff respects the max limit", prop.ForAll(
		func(attempt int) bool {
			cfg := Config{
				InitialBackoff:    100 * time.Millisecond,
				MaxBackoff:        time.Second,
				BackoffMultiplier: 2.0,
				Jitter:            0,
			}
			return calculateBackoff(cfg, attempt) <= cfg.MaxBackoff
		},
		gen.IntRange(1, 100),
	))

	properties.TestingRun(t)
}

func TestTransientNil(t *testing.T) {
	if Transient(nil) != nil {
		t.Error("Transient(nil) should return nil")
	}
}

// mockTimeoutError implements net.Error for testing.
type mockTimeoutError struct {
	timeout bool
}

func (e *mockTimeoutError) Error() string   { return "mock network error" }
func (e *mockTimeoutError) Timeout() bool   { return e.timeout }
func (e *mockTimeoutError) Temporary() bool { return false }

var _ net.Error = (*mockTimeoutError)(nil)

func TestNetworkErrorRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{
			name:      "timeout error is retryable",
			err:       &mockTimeoutError{timeout: true},
			retryable: true,
		},
		{
			name:      "non-timeout is not retryable",
			err:       &mockTimeoutError{},
			retryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mapeval-cli/internal/model"
	"github.com/sells-group/mapeval-cli/pkg/ollama"
	"github.com/sells-group/mapeval-cli/pkg/openai"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     1.0,
		JitterFraction: 0,
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"provider timeout", &model.ProviderError{Err: context.DeadlineExceeded, Timeout: true}, true},
		{"provider non-timeout", &model.ProviderError{Err: errors.New("bad request")}, false},
		{"http 429", &openai.StatusError{Code: 429, Body: "slow down"}, true},
		{"http 503", &ollama.StatusError{Code: 503, Body: "loading model"}, true},
		{"http 400", &openai.StatusError{Code: 400, Body: "bad schema"}, false},
		{"http 401", &ollama.StatusError{Code: 401, Body: "no"}, false},
		{"wrapped 502", &model.ProviderError{Err: &openai.StatusError{Code: 502}}, true},
		{"overloaded message", errors.New("api_error: Overloaded"), true},
		{"plain error", errors.New("invalid model name"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestDoValRetriesTransient(t *testing.T) {
	calls := 0
	val, err := DoVal(context.Background(), fastRetry(3), "invoke", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &openai.StatusError{Code: 503}
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", val)
	assert.Equal(t, 3, calls)
}

func TestDoValStopsOnPermanent(t *testing.T) {
	calls := 0
	_, err := DoVal(context.Background(), fastRetry(5), "invoke", func(context.Context) (string, error) {
		calls++
		return "", &openai.StatusError{Code: 400}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoValExhaustsBudget(t *testing.T) {
	calls := 0
	_, err := DoVal(context.Background(), fastRetry(3), "invoke", func(context.Context) (string, error) {
		calls++
		return "", &ollama.StatusError{Code: 429}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoValHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := DoVal(ctx, fastRetry(10), "invoke", func(context.Context) (string, error) {
		calls++
		cancel()
		return "", &openai.StatusError{Code: 503}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Hour})

	boom := errors.New("down")
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Allow())
		b.Record(boom)
	}

	assert.Equal(t, CircuitOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour})

	b.Record(errors.New("down"))
	b.Record(nil)
	b.Record(errors.New("down"))

	assert.Equal(t, CircuitClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second})
	b.now = func() time.Time { return now }

	b.Record(errors.New("down"))
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	// After the reset window a probe goes through.
	now = now.Add(11 * time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, CircuitHalfOpen, b.State())

	b.Record(nil)
	assert.Equal(t, CircuitClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second})
	b.now = func() time.Time { return now }

	b.Record(errors.New("down"))
	now = now.Add(11 * time.Second)
	require.NoError(t, b.Allow())

	b.Record(errors.New("still down"))
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreakerShouldTripFilter(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
		ShouldTrip:       IsTransient,
	})

	// Schema failures are the model's fault, not the provider's.
	b.Record(&model.SchemaError{Violations: []model.FieldViolation{{Field: "date", Reason: "missing"}}})
	assert.Equal(t, CircuitClosed, b.State())

	b.Record(&openai.StatusError{Code: 503})
	assert.Equal(t, CircuitOpen, b.State())
}

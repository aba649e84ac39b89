package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityGateCriticalNeverWaits(t *testing.T) {
	var gate priorityGate

	waited, err := gate.enter(context.Background(), PriorityCritical)
	require.NoError(t, err)
	assert.Zero(t, waited)
	assert.True(t, gate.criticalPending())
	gate.exit(PriorityCritical)
	assert.False(t, gate.criticalPending())
}

func TestPriorityGateNormalWaitsForCritical(t *testing.T) {
	var gate priorityGate

	_, err := gate.enter(context.Background(), PriorityCritical)
	require.NoError(t, err)

	released := make(chan time.Duration, 1)
	go func() {
		waited, _ := gate.enter(context.Background(), PriorityNormal)
		gate.exit(PriorityNormal)
		released <- waited
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-released:
		t.Fatal("NORMAL call entered while CRITICAL in flight")
	default:
	}

	gate.exit(PriorityCritical)
	select {
	case waited := <-released:
		assert.GreaterOrEqual(t, waited, 40*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("NORMAL call never released after CRITICAL exit")
	}
}

func TestPriorityGateRespectsCancellation(t *testing.T) {
	var gate priorityGate

	_, err := gate.enter(context.Background(), PriorityCritical)
	require.NoError(t, err)
	defer gate.exit(PriorityCritical)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = gate.enter(ctx, PriorityNormal)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClassifyVenueCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind ErrorKind
		code string
	}{
		{"quantity", errors.New("venue error 100001: bad quantity"), KindQuantity, CodeQuantityViolation},
		{"no position", errors.New("venue error 300009: no position"), KindNoPosition, CodeNoPositionToClose},
		{"reduce-only leverage", errors.New("venue error 330008: leverage conflict"), KindReduceOnlyConflict, CodeReduceOnlyLeverage},
		{"position mode", errors.New("venue error 330011: mode mismatch"), KindPositionMode, CodePositionModeWrong},
		{"rate limit", errors.New("429 too many requests"), KindRateLimited, ""},
		{"transient", errors.New("connection refused"), KindTransient, ""},
		{"fatal auth", errors.New("invalid api key"), KindFatal, ""},
		{"unknown defaults transient", errors.New("weird venue hiccup"), KindTransient, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			xe := Classify("create_order", tc.err)
			assert.Equal(t, tc.kind, xe.Kind)
			assert.Equal(t, tc.code, xe.Code)
		})
	}
}

func TestClassifyPassesThroughClassifiedErrors(t *testing.T) {
	orig := &ExchangeError{Kind: KindNoPosition, Code: CodeNoPositionToClose, Op: "create_order", Err: errors.New("x")}
	assert.Same(t, orig, Classify("other_op", orig))
}

func TestBreakerOpenIsNotRetryable(t *testing.T) {
	xe := &ExchangeError{Kind: KindTransient, Op: "get_ticker", Err: ErrBreakerOpen}
	assert.False(t, xe.Retryable())

	plain := &ExchangeError{Kind: KindTransient, Op: "get_ticker", Err: errors.New("timeout")}
	assert.True(t, plain.Retryable())
}

func TestWithRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), "create_order", retryConfigFor(PriorityCritical), func() error {
		calls++
		return errors.New("venue error 300009: no position")
	})

	var xe *ExchangeError
	require.ErrorAs(t, err, &xe)
	assert.Equal(t, KindNoPosition, xe.Kind)
	assert.Equal(t, 1, calls)
}

func TestWithRetryExhaustsTransient(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, BackoffFactor: 2}
	calls := 0
	err := withRetry(context.Background(), "get_ticker", cfg, func() error {
		calls++
		return errors.New("timeout")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	m := NewBreakerManager()
	boom := errors.New("service unavailable")

	for i := 0; i < breakerConsecutiveFailures; i++ {
		err := m.Execute(ClassMarketData, func() error { return boom })
		require.Error(t, err)
	}

	err := m.Execute(ClassMarketData, func() error { return nil })
	require.Error(t, err, "open breaker rejects without invoking the call")
	assert.ErrorIs(t, err, ErrBreakerOpen)
}

func TestStaggerSpacesStarts(t *testing.T) {
	start := time.Now()
	Stagger(context.Background(), 2)
	assert.GreaterOrEqual(t, time.Since(start), 2*StaggerDelay)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start = time.Now()
	Stagger(ctx, 10)
	assert.Less(t, time.Since(start), StaggerDelay, "cancellation skips the sleep")
}

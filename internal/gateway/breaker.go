package gateway

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

// Endpoint classes with independent circuit breakers.
const (
	ClassTrading    = "trading"     // order submission, cancel, leverage
	ClassMarketData = "market_data" // ticker, candles, order book, metadata
	ClassAccount    = "account"     // balance, positions
)

// Breaker defaults: 5 consecutive failures open the circuit for 60 s; a single
// half-open success closes it again.
const (
	breakerConsecutiveFailures = 5
	breakerOpenTimeout         = 60 * time.Second
	breakerHalfOpenMaxReqs     = 1
)

// BreakerManager holds one circuit breaker per endpoint class. CRITICAL calls
// bypass it entirely so a position can always be closed while the circuit is
// open; NORMAL/HIGH calls fail fast with ErrBreakerOpen.
type BreakerManager struct {
	breakers map[string]*gobreaker.CircuitBreaker
	metrics  *breakerMetrics
}

type breakerMetrics struct {
	state    *prometheus.GaugeVec
	requests *prometheus.CounterVec
}

var (
	globalBreakerMetrics *breakerMetrics
	breakerMetricsOnce   sync.Once
)

func initBreakerMetrics() {
	breakerMetricsOnce.Do(func() {
		globalBreakerMetrics = &breakerMetrics{
			state: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "gateway_circuit_breaker_state",
					Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
				},
				[]string{"class"},
			),
			requests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gateway_circuit_breaker_requests_total",
					Help: "Requests through circuit breakers by result",
				},
				[]string{"class", "result"},
			),
		}
	})
}

// NewBreakerManager creates breakers for all endpoint classes.
func NewBreakerManager() *BreakerManager {
	initBreakerMetrics()

	m := &BreakerManager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		metrics:  globalBreakerMetrics,
	}

	for _, class := range []string{ClassTrading, ClassMarketData, ClassAccount} {
		class := class
		m.breakers[class] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        class,
			MaxRequests: breakerHalfOpenMaxReqs,
			Timeout:     breakerOpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerConsecutiveFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				m.updateStateMetric(name, to)
			},
		})
		m.updateStateMetric(class, m.breakers[class].State())
	}

	return m
}

// Execute runs fn through the class breaker. A rejected call (open circuit)
// surfaces as ErrBreakerOpen wrapped in a transient ExchangeError.
func (m *BreakerManager) Execute(class string, fn func() error) error {
	cb, ok := m.breakers[class]
	if !ok {
		return fn()
	}

	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		m.metrics.requests.WithLabelValues(class, "rejected").Inc()
		return &ExchangeError{Kind: KindTransient, Op: class, Err: ErrBreakerOpen}
	}
	if err != nil {
		m.metrics.requests.WithLabelValues(class, "failure").Inc()
		return err
	}
	m.metrics.requests.WithLabelValues(class, "success").Inc()
	return nil
}

// RecordDirect feeds a CRITICAL call's outcome into the class counts without
// subjecting the call to the breaker's admission control.
func (m *BreakerManager) RecordDirect(class string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.metrics.requests.WithLabelValues(class, result).Inc()
}

// State returns the breaker state for a class.
func (m *BreakerManager) State(class string) gobreaker.State {
	cb, ok := m.breakers[class]
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

func (m *BreakerManager) updateStateMetric(class string, state gobreaker.State) {
	var v float64
	switch state {
	case gobreaker.StateClosed:
		v = 0
	case gobreaker.StateOpen:
		v = 1
	case gobreaker.StateHalfOpen:
		v = 2
	}
	m.metrics.state.WithLabelValues(class).Set(v)
}

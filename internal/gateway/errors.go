package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind classifies exchange failures so callers can branch explicitly
// instead of string-matching exception text.
type ErrorKind int

const (
	// KindTransient covers network failures, 5xx responses and rate limits.
	KindTransient ErrorKind = iota
	// KindRateLimited is a transient subtype that should also reduce parallelism.
	KindRateLimited
	// KindPositionMode means the account is in hedge mode (code 330011).
	KindPositionMode
	// KindReduceOnlyConflict means set-leverage/margin failed on a close path
	// because all margin is tied up (code 330008).
	KindReduceOnlyConflict
	// KindNoPosition means a reduce-only order found nothing to close (code 300009).
	KindNoPosition
	// KindQuantity means the order quantity or notional violated symbol limits (code 100001).
	KindQuantity
	// KindFatal covers bad signatures, missing permissions and unknown symbols.
	KindFatal
)

// String returns the kind name for logging.
func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindPositionMode:
		return "position_mode"
	case KindReduceOnlyConflict:
		return "reduce_only_conflict"
	case KindNoPosition:
		return "no_position"
	case KindQuantity:
		return "quantity"
	case KindFatal:
		return "fatal"
	}
	return "unknown"
}

// Exchange error codes used by the venue.
const (
	CodeQuantityViolation  = "100001"
	CodeNoPositionToClose  = "300009"
	CodeReduceOnlyLeverage = "330008"
	CodePositionModeWrong  = "330011"
)

// ExchangeError carries the classified failure returned by the gateway.
type ExchangeError struct {
	Kind ErrorKind
	Code string // venue error code when present
	Op   string // gateway operation, e.g. "create_order"
	Err  error
}

// Error implements the error interface.
func (e *ExchangeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code %s): %v", e.Op, e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *ExchangeError) Unwrap() error { return e.Err }

// Retryable reports whether the gateway retry loop may re-attempt the call.
// Breaker rejections are never retried; the caller fails fast until the
// circuit half-opens.
func (e *ExchangeError) Retryable() bool {
	if errors.Is(e.Err, ErrBreakerOpen) {
		return false
	}
	return e.Kind == KindTransient || e.Kind == KindRateLimited
}

// ErrBreakerOpen is returned to non-CRITICAL callers while a circuit is open.
var ErrBreakerOpen = errors.New("circuit breaker open")

// Classify maps a raw transport error to an ExchangeError. Already-classified
// errors pass through unchanged.
func Classify(op string, err error) *ExchangeError {
	if err == nil {
		return nil
	}

	var xe *ExchangeError
	if errors.As(err, &xe) {
		return xe
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &ExchangeError{Kind: KindTransient, Op: op, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &ExchangeError{Kind: KindTransient, Op: op, Err: err}
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, CodePositionModeWrong):
		return &ExchangeError{Kind: KindPositionMode, Code: CodePositionModeWrong, Op: op, Err: err}
	case strings.Contains(msg, CodeReduceOnlyLeverage):
		return &ExchangeError{Kind: KindReduceOnlyConflict, Code: CodeReduceOnlyLeverage, Op: op, Err: err}
	case strings.Contains(msg, CodeNoPositionToClose),
		strings.Contains(msg, "no open positions to close"):
		return &ExchangeError{Kind: KindNoPosition, Code: CodeNoPositionToClose, Op: op, Err: err}
	case strings.Contains(msg, CodeQuantityViolation),
		strings.Contains(msg, "exceeds the maximum"),
		strings.Contains(msg, "min notional"):
		return &ExchangeError{Kind: KindQuantity, Code: CodeQuantityViolation, Op: op, Err: err}
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "too many requests"):
		return &ExchangeError{Kind: KindRateLimited, Op: op, Err: err}
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection lost"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "temporary failure"),
		strings.Contains(msg, "bad gateway"),
		strings.Contains(msg, "service unavailable"),
		strings.Contains(msg, "internal server error"):
		return &ExchangeError{Kind: KindTransient, Op: op, Err: err}
	case strings.Contains(msg, "signature"),
		strings.Contains(msg, "api key"),
		strings.Contains(msg, "permission"),
		strings.Contains(msg, "unknown symbol"):
		return &ExchangeError{Kind: KindFatal, Op: op, Err: err}
	}

	// Unknown errors are treated as transient so a flaky venue response cannot
	// permanently wedge a close path; the breaker bounds the damage.
	return &ExchangeError{Kind: KindTransient, Op: op, Err: err}
}

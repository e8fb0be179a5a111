// Package resilience wraps outbound identity-provider calls with a per-attempt
// timeout, retry with exponential backoff and a circuit breaker.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/sony/gobreaker"
)

type RetryConfig struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterDelay time.Duration
	// AttemptTimeout bounds each attempt. Zero means no per-attempt bound.
	AttemptTimeout time.Duration
	// ShouldRetry reports whether a failed attempt is worth repeating.
	// Nil retries every error.
	ShouldRetry func(err error) bool
}

var DefaultRetryConfig = RetryConfig{
	MaxRetries:     2,
	BaseDelay:      200 * time.Millisecond,
	MaxDelay:       2 * time.Second,
	JitterDelay:    100 * time.Millisecond,
	AttemptTimeout: 10 * time.Second,
}

func (c RetryConfig) retryable(err error) bool {
	if err == nil {
		return false
	}
	if c.ShouldRetry == nil {
		return true
	}
	return c.ShouldRetry(err)
}

type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	OnStateChange    func(name string, from, to gobreaker.State)
	// IsSuccessful decides which errors count against the breaker.
	// Nil counts only retryable errors as failures.
	IsSuccessful func(err error) bool
}

func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker
}

func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: cfg.OnStateChange,
		IsSuccessful:  cfg.IsSuccessful,
	}
	return &CircuitBreaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

func (c *CircuitBreaker) Execute(fn func() (any, error)) (any, error) {
	return c.cb.Execute(fn)
}

func (c *CircuitBreaker) State() gobreaker.State {
	return c.cb.State()
}

func (c *CircuitBreaker) Name() string {
	return c.cb.Name()
}

// IsOpen reports whether err was returned because the breaker rejected the call.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// NewRetryPolicy builds a policy that retries only errors accepted by
// cfg.ShouldRetry and returns the last failure once retries run out.
func NewRetryPolicy[R any](cfg RetryConfig) retrypolicy.RetryPolicy[R] {
	builder := retrypolicy.NewBuilder[R]().
		HandleIf(func(_ R, err error) bool { return cfg.retryable(err) }).
		WithMaxRetries(cfg.MaxRetries).
		ReturnLastFailure()
	if cfg.BaseDelay > 0 {
		maxDelay := cfg.MaxDelay
		if maxDelay <= cfg.BaseDelay {
			maxDelay = 2 * cfg.BaseDelay
		}
		builder = builder.WithBackoff(cfg.BaseDelay, maxDelay)
	}
	if cfg.JitterDelay > 0 {
		builder = builder.WithJitter(cfg.JitterDelay)
	}
	return builder.Build()
}

// Executor runs a call under the retry policy, inside the circuit breaker.
// A call rejected by an open breaker is not attempted.
type Executor[R any] struct {
	cfg      RetryConfig
	executor failsafe.Executor[R]
	breaker  *CircuitBreaker
}

func NewExecutor[R any](retryConfig RetryConfig, breakerConfig *BreakerConfig) *Executor[R] {
	rp := NewRetryPolicy[R](retryConfig)

	var breaker *CircuitBreaker
	if breakerConfig != nil {
		bc := *breakerConfig
		if bc.IsSuccessful == nil {
			// Provider rejections such as invalid_grant are not breaker failures.
			bc.IsSuccessful = func(err error) bool { return !retryConfig.retryable(err) }
		}
		breaker = NewCircuitBreaker(bc)
	}

	return &Executor[R]{
		cfg:      retryConfig,
		executor: failsafe.With(rp),
		breaker:  breaker,
	}
}

// Execute calls fn until it succeeds, returns a non-retryable error, or the
// retries are exhausted. Each attempt gets its own timeout-bound context.
func (e *Executor[R]) Execute(ctx context.Context, fn func(ctx context.Context) (R, error)) (R, error) {
	attempt := func() (R, error) {
		if e.cfg.AttemptTimeout <= 0 {
			return fn(ctx)
		}
		actx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
		defer cancel()
		return fn(actx)
	}

	if e.breaker != nil {
		result, err := e.breaker.Execute(func() (any, error) {
			return e.executor.WithContext(ctx).Get(attempt)
		})
		if err != nil {
			var zero R
			return zero, err
		}
		return result.(R), nil
	}
	return e.executor.WithContext(ctx).Get(attempt)
}

func (e *Executor[R]) CircuitBreaker() *CircuitBreaker {
	return e.breaker
}

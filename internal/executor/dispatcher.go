package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// RetryConfig configures exponential backoff for transient dispatch failures.
type RetryConfig struct {
	InitialInterval     time.Duration `koanf:"initial_interval"`
	MaxInterval         time.Duration `koanf:"max_interval"`
	MaxElapsedTime      time.Duration `koanf:"max_elapsed_time"`
	Multiplier          float64       `koanf:"multiplier"`
	RandomizationFactor float64       `koanf:"randomization_factor"`
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// BreakerRegistry manages per-phase circuit breakers so a flapping backend
// behind one phase does not burn retry budget on every tick.
type BreakerRegistry struct {
	mu       sync.Mutex
	logger   *zap.Logger
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry(logger *zap.Logger) *BreakerRegistry {
	return &BreakerRegistry{
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the circuit breaker for the given phase, creating it on first
// use.
func (r *BreakerRegistry) Get(phase string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[phase]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        phase,
		MaxRequests: 3,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change",
				zap.String("phase", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// Cancellation is not a backend failure.
			if err == nil {
				return true
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return false
		},
	})

	r.breakers[phase] = cb
	return cb
}

// Dispatcher wraps an Executor with a hard per-dispatch deadline, exponential
// backoff on transient failures, and a per-phase circuit breaker.
type Dispatcher struct {
	inner    Executor
	breakers *BreakerRegistry
	retryCfg RetryConfig
	timeout  time.Duration
	logger   *zap.Logger
}

// NewDispatcher builds the resilient dispatch path. timeout bounds the whole
// dispatch including retries; a dispatch never ends in an ambiguous
// still-running state.
func NewDispatcher(inner Executor, retryCfg RetryConfig, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		inner:    inner,
		breakers: NewBreakerRegistry(logger),
		retryCfg: retryCfg,
		timeout:  timeout,
		logger:   logger,
	}
}

// Execute runs one dispatch. Transient failures are retried with backoff
// until the retry budget or the deadline runs out; the returned error is a
// *TransientError when the backend stayed unreachable.
func (d *Dispatcher) Execute(ctx context.Context, req Request) (PhaseResult, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	cb := d.breakers.Get(req.Phase)
	var result PhaseResult

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		out, err := cb.Execute(func() (interface{}, error) {
			return d.inner.Execute(ctx, req)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			var transient *TransientError
			if errors.As(err, &transient) {
				return err
			}
			// Anything else is a real phase failure, not a backend fault.
			return backoff.Permanent(err)
		}

		result = out.(PhaseResult)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.retryCfg.InitialInterval
	policy.MaxInterval = d.retryCfg.MaxInterval
	policy.MaxElapsedTime = d.retryCfg.MaxElapsedTime
	policy.Multiplier = d.retryCfg.Multiplier
	policy.RandomizationFactor = d.retryCfg.RandomizationFactor

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return PhaseResult{}, &TransientError{Phase: req.Phase, Err: err}
		}
		return PhaseResult{}, err
	}
	return result, nil
}

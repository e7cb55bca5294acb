// Package retry implements the exponential-backoff retry envelope every
// gateway and store call goes through. It generalizes a single
// RetryableFunc predicate into errs.Kind-based classification, adds a
// per-attempt timeout, an OnAttempt hook for emitting retry EventRecords,
// and a Fallback value for callers that would rather degrade than fail.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/praetorian-labs/gradeflow/pkg/errs"
)

// Config defines the retry behavior for Do.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the initial
	// attempt). A value of 0 means only one attempt with no retries.
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration

	// Multiplier is the factor the delay grows by after each retry.
	Multiplier float64

	// Jitter is the fraction of randomness added to delays (0.0 to 1.0).
	Jitter float64

	// TimeoutPerAttempt bounds a single attempt's execution time, separate
	// from the overall context deadline. Zero means no per-attempt timeout.
	TimeoutPerAttempt time.Duration

	// NonRetryableKinds lists errs.Kind values that should stop retrying
	// immediately, even if attempts remain. An unclassified error (one
	// errs.KindOf can't identify) is always treated as retryable.
	NonRetryableKinds []errs.Kind

	// OnAttempt is called after every failed attempt, before the next
	// delay is slept, so the caller can emit an audit event.
	OnAttempt func(attempt int, err error)
}

// ErrMaxAttemptsExceeded wraps the last error once MaxAttempts is reached.
var ErrMaxAttemptsExceeded = errors.New("max retry attempts exceeded")

// Do executes fn with retry logic according to cfg. It returns nil if fn
// succeeds, or the last error once retries are exhausted, the context is
// cancelled, or a NonRetryableKinds error is classified.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 1
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if cfg.TimeoutPerAttempt > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, cfg.TimeoutPerAttempt)
		}
		err := fn(attemptCtx)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			return nil
		}
		lastErr = err

		if cfg.OnAttempt != nil {
			cfg.OnAttempt(attempt, err)
		}

		if !cfg.retryable(err) {
			return err
		}

		if attempt >= maxAttempts {
			return errors.Join(ErrMaxAttemptsExceeded, lastErr)
		}

		actualDelay := applyJitter(delay, cfg.Jitter)
		if actualDelay > cfg.MaxDelay && cfg.MaxDelay > 0 {
			actualDelay = cfg.MaxDelay
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(actualDelay):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
	}

	return lastErr
}

// DoValue is Do's generic counterpart for functions that return a value.
// If Do fails and fallback is non-nil and reports ok, DoValue returns the
// fallback's value with a nil error instead of propagating the failure.
func DoValue[T any](ctx context.Context, cfg Config, fallback func() (T, bool), fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})

	if err != nil && fallback != nil {
		if v, ok := fallback(); ok {
			return v, nil
		}
	}

	return result, err
}

func (cfg Config) retryable(err error) bool {
	kind, ok := errs.KindOf(err)
	if !ok {
		return true
	}
	for _, nonRetryable := range cfg.NonRetryableKinds {
		if kind == nonRetryable {
			return false
		}
	}
	return true
}

func applyJitter(delay time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return delay
	}
	factor := 1.0 + (rand.Float64()*2.0-1.0)*jitter
	return time.Duration(float64(delay) * factor)
}

// DefaultConfig returns sensible defaults: 3 attempts, 100ms initial delay
// doubling up to 30s, 10% jitter, all errors retryable.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

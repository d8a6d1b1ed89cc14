// Package retry provides the single resilience policy used for every upstream
// call: bounded exponential backoff on transient failures, immediate
// propagation of permanent ones, and a caller-supplied fallback on exhaustion.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted is returned (wrapping the last failure) when every attempt failed transiently.
var ErrExhausted = errors.New("retries exhausted")

// Classifier reports whether err is worth retrying.
type Classifier func(err error) bool

// Always treats every error as transient.
func Always(error) bool { return true }

// Adapter runs operations under a bounded exponential backoff policy.
// Attempt i (zero-based) that fails transiently is followed by a sleep of
// base * 2^i before attempt i+1. No sleep follows the final attempt.
type Adapter struct {
	maxAttempts int
	base        time.Duration
	classify    Classifier
	logger      *slog.Logger
	newTimer    func() backoff.Timer
	timeout     time.Duration
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithTimer replaces the timer used for backoff sleeps. Tests use it to
// observe requested delays without sleeping.
func WithTimer(newTimer func() backoff.Timer) Option {
	return func(a *Adapter) {
		a.newTimer = newTimer
	}
}

// WithAttemptTimeout bounds each individual attempt. Zero means no bound
// beyond the caller's context.
func WithAttemptTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// New creates an Adapter making at most maxAttempts calls per operation.
func New(maxAttempts int, base time.Duration, classify Classifier, opts ...Option) *Adapter {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if base < 0 {
		base = 0
	}
	if classify == nil {
		classify = Always
	}
	a := &Adapter{
		maxAttempts: maxAttempts,
		base:        base,
		classify:    classify,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// MaxAttempts returns the configured attempt bound.
func (a *Adapter) MaxAttempts() int { return a.maxAttempts }

func (a *Adapter) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = a.base << uint(a.maxAttempts)
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(a.maxAttempts-1)), ctx)
}

// Call runs op under the adapter's policy. On success it returns op's result.
// A permanent failure is returned immediately together with fallback. When
// every attempt fails transiently the result is fallback and an error wrapping
// ErrExhausted. Cancellation of ctx stops further attempts and backoff sleeps.
func Call[T any](ctx context.Context, a *Adapter, name string, op func(context.Context) (T, error), fallback T) (T, error) {
	attempt := 0
	operation := func() (T, error) {
		attempt++
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if a.timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, a.timeout)
		}
		res, err := op(attemptCtx)
		cancel()
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil || !a.classify(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}
	notify := func(err error, next time.Duration) {
		a.logger.Warn("upstream call failed, retrying",
			"operation", name,
			"attempt", attempt,
			"max_attempts", a.maxAttempts,
			"backoff", next,
			"error", err,
		)
	}

	var timer backoff.Timer
	if a.newTimer != nil {
		timer = a.newTimer()
	}

	res, err := backoff.RetryNotifyWithTimerAndData(operation, a.policy(ctx), notify, timer)
	if err == nil {
		if attempt > 1 {
			a.logger.Info("upstream call recovered", "operation", name, "attempts", attempt)
		}
		return res, nil
	}

	if ctx.Err() != nil {
		a.logger.Warn("upstream call abandoned", "operation", name, "attempts", attempt, "error", ctx.Err())
		return fallback, fmt.Errorf("%s: %w", name, ctx.Err())
	}
	if !a.classify(err) {
		a.logger.Error("upstream call failed permanently", "operation", name, "attempt", attempt, "error", err)
		return fallback, fmt.Errorf("%s: %w", name, err)
	}
	a.logger.Error("upstream call exhausted retries", "operation", name, "attempts", attempt, "error", err)
	return fallback, fmt.Errorf("%s: %w: %w", name, ErrExhausted, err)
}

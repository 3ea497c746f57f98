// Package retry runs fallible operations with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Policy defines the retry budget and the backoff sequence.
// Delays follow d0 = InitialDelay, d(i+1) = min(d(i)*Multiplier, MaxDelay).
type Policy struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   10,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
	}
}

// Validate checks that the policy produces a finite, non-shrinking sequence.
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", p.MaxRetries)
	}
	if p.InitialDelay < 0 {
		return fmt.Errorf("initial_delay must be >= 0, got %s", p.InitialDelay)
	}
	if p.MaxDelay < p.InitialDelay {
		return fmt.Errorf("max_delay (%s) must be >= initial_delay (%s)", p.MaxDelay, p.InitialDelay)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("multiplier must be >= 1, got %g", p.Multiplier)
	}
	return nil
}

// Delays returns the MaxRetries sleeps inserted between attempts.
func (p Policy) Delays() []time.Duration {
	delays := make([]time.Duration, 0, max(p.MaxRetries, 0))
	delay := p.InitialDelay
	for range p.MaxRetries {
		delays = append(delays, delay)
		delay = p.next(delay)
	}
	return delays
}

func (p Policy) next(d time.Duration) time.Duration {
	n := time.Duration(float64(d) * p.Multiplier)
	if n > p.MaxDelay || n < d {
		return p.MaxDelay
	}
	return n
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Executor applies a Policy to operations.
type Executor struct {
	policy Policy
	sleep  Sleeper
	logger *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithSleeper replaces the real sleep, mainly for tests.
func WithSleeper(s Sleeper) Option {
	return func(e *Executor) {
		if s != nil {
			e.sleep = s
		}
	}
}

// WithLogger sets the logger used to report failed attempts.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewExecutor creates an executor for policy.
func NewExecutor(policy Policy, opts ...Option) *Executor {
	e := &Executor{
		policy: policy,
		sleep:  sleepContext,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the executor's policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Operation is one idempotent attempt. A non-nil error is a failed outcome.
type Operation[T any] func(ctx context.Context) (T, error)

// Do runs op up to MaxRetries+1 times, sleeping the policy's backoff between
// failed attempts. It returns the first success, or the outcome of the last
// attempt unchanged. Errors marked Permanent stop the loop immediately, and a
// context that ends during a backoff sleep returns the last outcome as is.
// Panics raised by op are not recovered.
func Do[T any](ctx context.Context, e *Executor, op Operation[T]) (T, error) {
	delay := e.policy.InitialDelay

	for attempt := 0; ; attempt++ {
		value, err := op(ctx)
		if err == nil {
			if attempt > 0 {
				e.logger.Debug("Operation succeeded after retry",
					slog.Int("attempt", attempt+1),
				)
			}
			return value, nil
		}

		if attempt >= e.policy.MaxRetries || IsPermanent(err) {
			return value, err
		}

		e.logger.Warn("Operation failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.Int("max_retries", e.policy.MaxRetries),
			slog.Duration("retry_after", delay),
			slog.Any("error", err),
		)

		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			return value, err
		}
		delay = e.policy.next(delay)
	}
}

// permanentError marks an error that retrying cannot fix.
type permanentError struct {
	Err error
}

func (e *permanentError) Error() string {
	return e.Err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so Do returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{Err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

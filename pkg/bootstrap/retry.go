package bootstrap

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/cockroachdb/errors"

	"github.com/anirudhbiyani/cloud-bootstrap/pkg/logger"
)

// RetryPolicy bounds retries of control-plane calls.
type RetryPolicy struct {
	// MaxAttempts caps attempts for transient errors, including the first.
	MaxAttempts int
	// DependencyAttempts caps attempts for dependency-not-ready errors before
	// they are escalated.
	DependencyAttempts int
	// MaxDelay caps a single backoff delay.
	MaxDelay time.Duration
}

// DefaultRetryPolicy is used when no policy is configured.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:        5,
	DependencyAttempts: 3,
	MaxDelay:           5 * time.Second,
}

type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type retrier struct {
	policy  RetryPolicy
	backoff *retry.ExponentialJitterBackoff
	sleep   sleepFunc
	l       *logger.Logger
}

func newRetrier(policy RetryPolicy, sleep sleepFunc, l *logger.Logger) *retrier {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if policy.DependencyAttempts <= 0 {
		policy.DependencyAttempts = DefaultRetryPolicy.DependencyAttempts
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = DefaultRetryPolicy.MaxDelay
	}
	if sleep == nil {
		sleep = sleepContext
	}
	return &retrier{
		policy:  policy,
		backoff: retry.NewExponentialJitterBackoff(policy.MaxDelay),
		sleep:   sleep,
		l:       l,
	}
}

// do runs fn until it succeeds, fails with a non-retryable kind, or runs out
// of attempts. Authorization and validation errors are never retried.
func (r *retrier) do(ctx context.Context, action string, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		kind := KindOf(err)
		limit := 1
		switch kind {
		case KindTransient:
			limit = r.policy.MaxAttempts
		case KindDependencyNotReady:
			limit = r.policy.DependencyAttempts
		}
		if attempt >= limit {
			if limit > 1 {
				return errors.Wrapf(err, "%s: giving up after %d attempts", action, attempt)
			}
			return err
		}
		delay, berr := r.backoff.BackoffDelay(attempt, err)
		if berr != nil {
			return err
		}
		r.l.Warn("retrying control-plane call",
			slog.String("action", action),
			slog.String("error_kind", string(kind)),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err))
		if serr := r.sleep(ctx, delay); serr != nil {
			return cancelled(serr)
		}
	}
}

// retryValue is do for calls that return a value.
func retryValue[T any](ctx context.Context, r *retrier, action string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := r.do(ctx, action, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// cancelled wraps a context error. Cancellation stops between resource
// operations, so a re-run resumes cleanly.
func cancelled(err error) *Error {
	return NewError(KindCancelled, "run cancelled").WithCause(err).WithRetrySafe(true)
}

// checkpoint is consulted before any new resource operation starts.
func checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}
	return nil
}

// atomic returns a context that ignores cancellation of ctx. Atomic steps run
// under it so they complete or roll back fully once started.
func atomic(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

package loader

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/yungbote/graphstage/internal/data/graph"
	"github.com/yungbote/graphstage/internal/domain/ingest"
)

type retryPolicy struct {
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
	timeout     time.Duration
}

func policyFrom(p Params) retryPolicy {
	return retryPolicy{
		maxAttempts: p.MaxAttempts,
		minBackoff:  p.MinBackoff,
		maxBackoff:  p.MaxBackoff,
		timeout:     p.ChunkTimeout,
	}
}

func (p retryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.minBackoff
	b.MaxInterval = p.maxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	return b
}

// retryable reports whether a failed chunk transaction may be attempted again.
func retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case ingest.Fatal(err), errors.Is(err, context.Canceled), graph.Permanent(err):
		return false
	default:
		return true
	}
}

// commitWithRetry runs op until it succeeds, fails permanently or runs out of attempts. Each
// attempt gets its own context bounded by the chunk timeout and detached from ctx, so
// cancelling ctx never interrupts a transaction in flight; it only stops further attempts.
func commitWithRetry[T any](ctx context.Context, p retryPolicy, onRetry func(err error, wait time.Duration), op func(context.Context) (T, error)) (T, int, error) {
	attempts := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		actx := context.WithoutCancel(ctx)
		if p.timeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(actx, p.timeout)
			defer cancel()
		}
		v, err := op(actx)
		if err != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(max(p.maxAttempts, 1))),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if onRetry != nil {
				onRetry(err, wait)
			}
		}),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return res, attempts, err
}

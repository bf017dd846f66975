package growlog

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// ============================================================================
// Retry Controller
// ============================================================================

// RetryPolicy bounds the retry controller. Immutable after client init.
type RetryPolicy struct {
	// MaxRetries is the total attempt budget, including the first attempt.
	MaxRetries int
	// BaseDelay seeds the exponential backoff.
	BaseDelay time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	return p
}

type retrier struct {
	policy RetryPolicy
	log    logrus.FieldLogger
	// sleep is swapped out by tests to observe delays without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

func newRetrier(policy RetryPolicy, log logrus.FieldLogger) *retrier {
	if log == nil {
		log = discardLogger()
	}
	return &retrier{policy: policy.withDefaults(), log: log, sleep: sleepCtx}
}

// Execute runs fn up to MaxRetries times. Only transient failures (network,
// timeout, 5xx, rate limit) are retried; everything else propagates on first
// occurrence. The delay before attempt n (n >= 2) is BaseDelay * 2^(n-2),
// except when the previous failure carried a Retry-After, which overrides
// the computed delay for that one attempt.
func (r *retrier) Execute(ctx context.Context, fn func(ctx context.Context) (*Response, error)) (*Response, error) {
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 1 {
			delay := r.policy.BaseDelay << (attempt - 2)
			if ge, ok := AsError(lastErr); ok && ge.Kind == KindRateLimit && ge.RetryAfter > 0 {
				delay = ge.RetryAfter
			}
			r.log.WithFields(logrus.Fields{"attempt": attempt, "delay": delay}).Debug("retrying after backoff")
			if err := r.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		resp, err := fn(ctx)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			// Cancellation is terminal regardless of classification.
			return nil, err
		}
		ge, ok := AsError(err)
		if !ok || !ge.transient() {
			return nil, err
		}
		r.log.WithFields(logrus.Fields{"attempt": attempt, "kind": ge.Kind}).Debug("transient failure")
		lastErr = err
	}

	if ge, ok := AsError(lastErr); ok {
		ge.Exhausted = true
	}
	return nil, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Package retry runs operations with a bounded number of attempts and a
// linearly growing delay. Call sites stay explicit about their retry policy
// instead of hiding it behind wrappers.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// linearBackOff waits delayIncrement after the first failure, then twice
// that, then three times, and so on.
type linearBackOff struct {
	step time.Duration
	next time.Duration
}

func (l *linearBackOff) NextBackOff() time.Duration {
	d := l.next
	l.next += l.step
	return d
}

func (l *linearBackOff) Reset() { l.next = l.step }

// Do invokes op until it succeeds or maxAttempts runs have failed. The wait
// before attempt n+1 is n*delayIncrement; there is no wait after the final
// failure, whose error is returned. A nil logger discards retry warnings.
func Do(ctx context.Context, logger *zap.Logger, maxAttempts int, delayIncrement time.Duration, op func() error) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	lin := &linearBackOff{step: delayIncrement}
	lin.Reset()
	policy := backoff.WithContext(
		backoff.WithMaxRetries(lin, uint64(maxAttempts-1)), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err != nil {
			if attempt < maxAttempts {
				logger.Warn("operation failed, retrying",
					zap.Int("attempt", attempt),
					zap.Int("max_attempts", maxAttempts),
					zap.Error(err))
			} else {
				logger.Warn("operation failed, giving up",
					zap.Int("attempts", attempt),
					zap.Error(err))
			}
		}
		return err
	}, policy)
}

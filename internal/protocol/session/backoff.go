package session

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Delay is the wait before retry number attempt (1-based). Jitter scales the
// delay by a factor in [0.5, 1.5); without rng the factor is 0.5.
func (b BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	delay := float64(b.InitialDelay)
	if attempt > 1 {
		delay *= math.Pow(math.Max(b.Multiplier, 1.0), float64(attempt-1))
	}
	if b.MaxDelay > 0 {
		delay = math.Min(delay, float64(b.MaxDelay))
	}
	if b.Jitter {
		factor := 0.5
		if rng != nil {
			factor += rng.Float64()
		}
		delay *= factor
	}
	return time.Duration(delay)
}

// Retry calls fn until it succeeds, fails with an error retryable rejects, or
// maxAttempts calls have been made. maxAttempts <= 0 retries until ctx is
// done. The last error from fn is returned.
func Retry[T any](
	ctx context.Context,
	backoff BackoffConfig,
	maxAttempts int,
	rng *rand.Rand,
	retryable func(error) bool,
	fn func(ctx context.Context, attempt int) (T, error),
) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		v, err := fn(ctx, attempt)
		if err == nil {
			return v, nil
		}
		if !retryable(err) || (maxAttempts > 0 && attempt >= maxAttempts) {
			return zero, err
		}
		if werr := sleep(ctx, backoff.Delay(attempt, rng)); werr != nil {
			return zero, werr
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
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

package queue

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryStrategy names the per-phase backoff shape (mirrors ent/schema/phase.go's
// retry_strategy enum).
type RetryStrategy string

const (
	RetryStrategyFixed       RetryStrategy = "fixed"
	RetryStrategyExponential RetryStrategy = "exponential"
)

// backoffFor builds a jittered backoff.BackOff for one retry decision.
// Fixed strategy uses Multiplier=1 so the interval never grows but still
// carries randomization, so many tasks failing at once don't all retry in
// lockstep. Exponential doubles the interval up to a 5-minute ceiling.
func backoffFor(strategy RetryStrategy, base time.Duration) *backoff.ExponentialBackOff {
	if base <= 0 {
		base = time.Second
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.MaxInterval = 5 * time.Minute
	eb.RandomizationFactor = 0.3

	switch strategy {
	case RetryStrategyFixed:
		eb.Multiplier = 1.0
	default:
		eb.Multiplier = 2.0
	}
	return eb
}

// NextRetryDelay returns the delay to wait before retrying attempt
// (1-indexed: attempt 1 is the first retry after the original failure),
// given the phase's configured strategy and base interval.
func NextRetryDelay(strategy RetryStrategy, base time.Duration, attempt int) time.Duration {
	b := backoffFor(strategy, base)
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
		if d == backoff.Stop {
			return base
		}
	}
	return d
}

package core

import (
	"time"

	"github.com/paperoo/spool/internal/config"
)

// Backoff computes the delay before the next automatic retry, given how
// many attempts the job has used.
type Backoff interface {
	Delay(attempts int) time.Duration
}

type linearBackoff struct{ base, max time.Duration }

func (b linearBackoff) Delay(attempts int) time.Duration {
	return capDelay(b.base*time.Duration(attempts), b.max)
}

type exponentialBackoff struct{ base, max time.Duration }

func (b exponentialBackoff) Delay(attempts int) time.Duration {
	d := b.base
	for i := 1; i < attempts; i++ {
		d *= 2
		if b.max > 0 && d >= b.max {
			return b.max
		}
	}
	return capDelay(d, b.max)
}

type constantBackoff struct{ delay time.Duration }

func (b constantBackoff) Delay(int) time.Duration { return b.delay }

func capDelay(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	return d
}

// NewBackoff builds the strategy named in the queue configuration.
// Unknown names fall back to linear.
func NewBackoff(cfg config.QueueConfig) Backoff {
	switch cfg.Backoff {
	case config.BackoffExponential:
		return exponentialBackoff{base: cfg.RetryDelay, max: cfg.MaxRetryDelay}
	case config.BackoffConstant:
		return constantBackoff{delay: cfg.RetryDelay}
	default:
		return linearBackoff{base: cfg.RetryDelay, max: cfg.MaxRetryDelay}
	}
}

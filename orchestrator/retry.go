package orchestrator

import "time"

// RetryPolicy controls how a failed step is retried before the owning
// workflow is marked failed.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// DefaultRetryPolicy returns the default step retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    500 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// BackoffFor returns the delay before retry number attempt (1-based).
func (p RetryPolicy) BackoffFor(attempt int) time.Duration {
	if p.InitialBackoff <= 0 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	d := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * mult)
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

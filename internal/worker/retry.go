package worker

import (
	"time"
)

// RetryPolicy defines linear backoff for failed calendar jobs.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// NextDelay returns the wait after the given attempt (1-based): BaseDelay × attempt.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return r.BaseDelay * time.Duration(attempt)
}

// Exhausted reports whether no further attempt is allowed.
func (r RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= r.MaxAttempts
}

// IdleBackoff doubles the idle wait from Base up to Max.
type IdleBackoff struct {
	Base    time.Duration
	Max     time.Duration
	current time.Duration
}

// Next returns the current wait and advances it.
func (b *IdleBackoff) Next() time.Duration {
	if b.current <= 0 {
		b.current = b.Base
	}
	d := b.current
	b.current *= 2
	if b.Max > 0 && b.current > b.Max {
		b.current = b.Max
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

func (b *IdleBackoff) Reset() {
	b.current = b.Base
}

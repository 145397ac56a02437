package reconnect

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff yields retry delays that never decrease and never exceed the
// configured maximum, for at most MaxRetries attempts.
type Backoff struct {
	exp     *backoff.ExponentialBackOff
	max     time.Duration
	retries int
	prev    time.Duration
	attempt int
}

func NewBackoff(cfg Config) *Backoff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.BaseDelay
	exp.MaxInterval = cfg.MaxDelay
	exp.Multiplier = cfg.Multiplier
	exp.RandomizationFactor = cfg.Jitter
	exp.MaxElapsedTime = 0
	exp.Reset()
	return &Backoff{
		exp:     exp,
		max:     cfg.MaxDelay,
		retries: cfg.MaxRetries,
	}
}

// Next returns the attempt number and the delay to wait before it. ok
// is false once the retry ceiling is reached.
func (b *Backoff) Next() (attempt int, delay time.Duration, ok bool) {
	if b.attempt >= b.retries {
		return b.attempt, 0, false
	}
	d := b.exp.NextBackOff()
	if d == backoff.Stop {
		d = b.max
	}
	d = min(max(d, b.prev), b.max)
	b.prev = d
	b.attempt++
	return b.attempt, d, true
}

func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset starts over after a successful connection.
func (b *Backoff) Reset() {
	b.exp.Reset()
	b.prev = 0
	b.attempt = 0
}

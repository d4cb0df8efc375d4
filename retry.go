package taskrelay

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultRetryInitial    = 200 * time.Millisecond
	defaultRetryMax        = 10 * time.Second
	defaultRetryMultiplier = 2.0
)

// RetryPolicy shapes the exponential backoff between delivery attempts.
// The number of attempts comes from the message, not from the policy.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// RandomizationFactor spreads each interval by ±factor. Zero disables jitter.
	RandomizationFactor float64
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.InitialInterval <= 0 {
		p.InitialInterval = defaultRetryInitial
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = defaultRetryMax
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaultRetryMultiplier
	}
	if p.RandomizationFactor < 0 || p.RandomizationFactor >= 1 {
		p.RandomizationFactor = 0
	}

	return p
}

// backOff returns a schedule that allows at most retries further attempts.
func (p RetryPolicy) backOff(clock Clock, retries int) backoff.BackOff {
	if retries < 0 {
		retries = 0
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: p.RandomizationFactor,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               clock,
	}
	b.Reset()

	return backoff.WithMaxRetries(b, uint64(retries))
}

// Delays lists the waits between the attempts of a message allowing retries re-deliveries.
// Jitter is not applied. A negative retries is treated as zero.
func (p RetryPolicy) Delays(retries int) []time.Duration {
	retries = max(retries, 0)
	p = p.withDefaults()
	p.RandomizationFactor = 0

	b := p.backOff(SystemClock{}, retries)
	out := make([]time.Duration, 0, retries)
	for {
		d := b.NextBackOff()
		if d == backoff.Stop {
			return out
		}
		out = append(out, d)
	}
}

// Package retrypolicy holds the backoff rules shared by the publish path,
// the reconnect loop, and consume re-establishment.
package retrypolicy

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultMaxInterval     = 16 * time.Second
	DefaultMultiplier      = 2.0
	DefaultMaxAttempts     = 5
)

// Policy describes one exponential backoff schedule: a base delay grown by
// Multiplier up to MaxInterval, optionally spread with full jitter, and a
// total attempt budget for bounded operations. Unbounded loops (reconnect)
// use the schedule directly and ignore MaxAttempts.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// MaxAttempts is the total try budget, first attempt included.
	MaxAttempts uint
	// FullJitter picks each delay uniformly from [0, scheduled] so
	// simultaneous retriers do not stampede the broker.
	FullJitter bool
}

// Default returns the schedule used when the config leaves retry settings
// zero.
func Default() Policy {
	return Policy{
		InitialInterval: DefaultInitialInterval,
		MaxInterval:     DefaultMaxInterval,
		Multiplier:      DefaultMultiplier,
		MaxAttempts:     DefaultMaxAttempts,
		FullJitter:      true,
	}
}

func (p Policy) withDefaults() Policy {
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultInitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = DefaultMaxInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Multiplier <= 1 {
		p.Multiplier = DefaultMultiplier
	}
	return p
}

// NewBackOff returns a fresh schedule. Each operation owns its instance; the
// returned BackOff is not safe for concurrent use.
func (p Policy) NewBackOff() backoff.BackOff {
	p = p.withDefaults()

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.InitialInterval
	expo.MaxInterval = p.MaxInterval
	expo.Multiplier = p.Multiplier
	expo.RandomizationFactor = 0
	expo.Reset()

	if !p.FullJitter {
		return expo
	}
	return &fullJitterBackOff{base: expo}
}

// Retry runs op under the policy until success, a permanent error, context
// cancellation, or budget exhaustion. notify, when non-nil, observes each
// failed attempt and the delay before the next one.
func Retry[T any](ctx context.Context, p Policy, op backoff.Operation[T], notify backoff.Notify) (T, error) {
	p = p.withDefaults()

	opts := []backoff.RetryOption{backoff.WithBackOff(p.NewBackOff())}
	if p.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(p.MaxAttempts))
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(notify))
	}
	return backoff.Retry(ctx, op, opts...)
}

// fullJitterBackOff spreads a deterministic capped exponential schedule
// uniformly over [0, scheduled].
type fullJitterBackOff struct {
	base *backoff.ExponentialBackOff
}

func (f *fullJitterBackOff) NextBackOff() time.Duration {
	d := f.base.NextBackOff()
	if d <= 0 {
		return d
	}
	return time.Duration(rand.Int64N(int64(d) + 1))
}

func (f *fullJitterBackOff) Reset() { f.base.Reset() }

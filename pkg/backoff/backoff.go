package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

const (
	defaultMaxAttempts     = 3
	defaultInitialDelay    = time.Second
	defaultMaxDelay        = 30 * time.Minute
	defaultExponentialBase = 2.0
	defaultJitterFactor    = 0.5
)

// Policy is the retry decision shared by the outbox processor, saga steps and
// the kafka producer. Delay for attempt n (0-based) grows as
// initial * base^n, capped at MaxDelay, with up to JitterFactor of the delay
// added as random jitter.
type Policy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	JitterFactor    float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     defaultMaxAttempts,
		InitialDelay:    defaultInitialDelay,
		MaxDelay:        defaultMaxDelay,
		ExponentialBase: defaultExponentialBase,
		JitterFactor:    defaultJitterFactor,
	}
}

// Normalized fills zero fields with defaults so a partially configured policy
// is still usable.
func (p Policy) Normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = defaultInitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.ExponentialBase < 1 {
		p.ExponentialBase = defaultExponentialBase
	}
	if p.JitterFactor < 0 || p.JitterFactor > 1 {
		p.JitterFactor = defaultJitterFactor
	}
	return p
}

// Next returns the delay before retrying after the given 0-based attempt.
func (p Policy) Next(attempt int) time.Duration {
	p = p.Normalized()
	if attempt < 0 {
		attempt = 0
	}

	base := float64(p.InitialDelay) * math.Pow(p.ExponentialBase, float64(attempt))
	if base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}

	jitter := 0.0
	if p.JitterFactor > 0 {
		jitter = rand.Float64() * p.JitterFactor * base
	}

	d := time.Duration(base + jitter)
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Exhausted reports whether attempts (count of tries already made) used up the
// policy budget.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.Normalized().MaxAttempts
}

// SleepCtx waits for d or until ctx is done, whichever comes first.
func SleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer func() {
		if !t.Stop() {
			select {
			case <-t.C:
			default:
			}
		}
	}()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

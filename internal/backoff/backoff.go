// Package backoff computes retry delays as a pure function of attempt
// number and policy, so any storage backend can reason about
// next-visible-at without consulting the processing strategy.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy configures exponential backoff with optional jitter.
type Policy struct {
	Initial    time.Duration
	Multiplier float64
	Cap        time.Duration
	Jitter     float64 // fraction in [0,1); delay *= 1 + U(-Jitter, Jitter)
}

const (
	DefaultInitial    = 100 * time.Millisecond
	DefaultMultiplier = 2.0
	DefaultCap        = 30 * time.Second
)

// DefaultPolicy returns the runtime's default backoff policy.
func DefaultPolicy() Policy {
	return Policy{
		Initial:    DefaultInitial,
		Multiplier: DefaultMultiplier,
		Cap:        DefaultCap,
	}
}

func (p Policy) normalized() Policy {
	if p.Initial <= 0 {
		p.Initial = DefaultInitial
	}
	if p.Multiplier <= 1 {
		p.Multiplier = DefaultMultiplier
	}
	if p.Cap <= 0 {
		p.Cap = DefaultCap
	}
	if p.Cap < p.Initial {
		p.Cap = p.Initial
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Delay computes the backoff duration for the given attempt (1-indexed):
// delay = min(cap, initial * multiplier^(attempt-1)) * (1 + U(-jitter, jitter)).
func Delay(attempt int, p Policy) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}

	raw := float64(p.Initial) * math.Pow(p.Multiplier, float64(attempt-1))
	if raw > float64(p.Cap) {
		raw = float64(p.Cap)
	}
	if p.Jitter > 0 {
		factor := 1 + (rand.Float64()*2-1)*p.Jitter
		raw *= factor
		if raw < 0 {
			raw = 0
		}
	}
	return time.Duration(raw)
}

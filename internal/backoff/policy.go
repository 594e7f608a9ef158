package backoff

import (
	"math/rand"
	"time"
)

// Default policy values
const (
	DefaultBase   = 1 * time.Second
	DefaultCap    = 30 * time.Second
	DefaultJitter = 0.2
)

// Policy computes reconnect delays with capped exponential backoff.
// A Policy is a plain value; NextDelay has no side effects.
type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	Jitter      float64 // fraction in [0, 1); 0.2 spreads delays over ±20%
	MaxAttempts int     // 0 means retry forever
	Seed        int64   // mixed into the per-call jitter seed
}

// DefaultPolicy returns the dashboard policy: 1s base, 30s cap, ±20% jitter, unbounded retries
func DefaultPolicy() Policy {
	return Policy{
		Base:   DefaultBase,
		Cap:    DefaultCap,
		Jitter: DefaultJitter,
	}
}

// NextDelay returns the delay to wait before reconnect attempt number attempt (0-based).
// The result is min(Base*2^attempt, Cap), scaled by the jitter factor. The same
// policy and attempt always yield the same delay.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if p.Base <= 0 {
		return 0
	}

	delay := p.Base
	for i := 0; i < attempt; i++ {
		if p.Cap > 0 && delay >= p.Cap {
			break
		}
		// stop doubling before overflowing int64
		if delay >= time.Duration(1<<62) {
			break
		}
		delay *= 2
	}
	if p.Cap > 0 && delay > p.Cap {
		delay = p.Cap
	}

	if p.Jitter <= 0 {
		return delay
	}
	jitter := p.Jitter
	if jitter >= 1 {
		jitter = 0.99
	}
	rng := rand.New(rand.NewSource(p.Seed ^ (int64(attempt)+1)*0x5851F42D4C957F2D))
	factor := 1 + jitter*(2*rng.Float64()-1)
	return time.Duration(float64(delay) * factor)
}

// Exhausted reports whether attempt has reached a configured retry ceiling.
// It is always false for an unbounded policy.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

package scheduler

import (
	"math"
	"time"

	"github.com/sethvargo/go-retry"
)

// Policy is exponential backoff with a ceiling, shared by polling and
// notification sends.
type Policy struct {
	Base        time.Duration
	Multiplier  float64
	Cap         time.Duration
	MaxAttempts int // Only used by Backoff
}

func DefaultPolicy() Policy {
	return Policy{
		Base:        30 * time.Second,
		Multiplier:  2,
		Cap:         10 * time.Minute,
		MaxAttempts: 5,
	}
}

// Delay is the wait before retry number attempt (1 based):
// min(Base * Multiplier^(attempt-1), Cap).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.Base) * math.Pow(mult, float64(attempt-1))
	if p.Cap > 0 && (d >= float64(p.Cap) || math.IsInf(d, 0)) {
		return p.Cap
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(d)
}

// Backoff adapts the policy for retry.Do. Each call returns a fresh sequence.
func (p Policy) Backoff() retry.Backoff {
	attempt := 0
	var b retry.Backoff = retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		return p.Delay(attempt), false
	})
	if p.MaxAttempts > 0 {
		b = retry.WithMaxRetries(uint64(p.MaxAttempts-1), b)
	}

	return b
}

// Package backoff holds the delay arithmetic shared by the retry policy and
// the connectivity probes.
package backoff

import (
	"context"
	"math"
	"time"
)

const (
	defaultBase    = 100 * time.Millisecond
	defaultCeiling = 2 * time.Second
)

// Exponential returns base<<(attempt-1), capped at ceiling. Attempts start
// at 1.
func Exponential(attempt int, base, ceiling time.Duration) time.Duration {
	if base <= 0 {
		base = defaultBase
	}
	if ceiling <= 0 {
		ceiling = defaultCeiling
	}
	shift := max(attempt, 1) - 1
	if shift >= 63 || base > ceiling>>shift {
		return ceiling
	}
	return base << shift
}

// Spread is a symmetric jitter band expressed as a fraction of the delay.
// Values outside [0,1] are clamped.
type Spread float64

func (s Spread) Ratio() float64 {
	return math.Min(math.Max(float64(s), 0), 1)
}

// Apply places sample (0 to 1) on the band [base*(1-s), base*(1+s)].
// Results never fall under a millisecond so timers always advance.
func (s Spread) Apply(base time.Duration, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	ratio := s.Ratio()
	if ratio == 0 {
		return base
	}
	sample = math.Min(math.Max(sample, 0), 1)
	low := float64(base) * (1 - ratio)
	high := float64(base) * (1 + ratio)
	return max(time.Duration(low+(high-low)*sample), time.Millisecond)
}

// Sleep blocks for d or until ctx is done, returning ctx's error in the
// latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timed, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	<-timed.Done()
	return ctx.Err()
}

package syncengine

import (
	"math/rand"
	"sync"
	"time"

	"github.com/agentworkforce/ledgersync/internal/backoff"
)

// RetryPolicy decides when a failed operation becomes pending again. ok is
// false when the row should stay in error until someone resets it.
type RetryPolicy interface {
	NextAttempt(attempts int, now time.Time) (at time.Time, ok bool)
}

// ManualRetry never schedules a retry; error rows wait for Reset.
type ManualRetry struct{}

func (ManualRetry) NextAttempt(int, time.Time) (time.Time, bool) {
	return time.Time{}, false
}

type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
	// MaxAttempts of zero retries forever.
	MaxAttempts int
	// Jitter is a ratio in [0,1] applied around the computed delay.
	Jitter float64

	mu  sync.Mutex
	rng *rand.Rand
}

func (b *ExponentialBackoff) NextAttempt(attempts int, now time.Time) (time.Time, bool) {
	if b.MaxAttempts > 0 && attempts >= b.MaxAttempts {
		return time.Time{}, false
	}
	delay := backoff.Exponential(attempts, b.Base, b.Max)
	if b.Jitter > 0 {
		delay = backoff.Spread(b.Jitter).Apply(delay, b.sample())
	}
	return now.Add(delay), true
}

func (b *ExponentialBackoff) sample() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rng == nil {
		b.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return b.rng.Float64()
}

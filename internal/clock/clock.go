// Package clock provides the engine's single notion of "now" and its
// human-timing jitter helper, so every component reasons about time the
// same way and tests can substitute a fake.
package clock

import (
	"math/rand/v2"
	"time"
)

// Clock abstracts wall-clock time so turn/proactive/debounce logic can be
// tested without sleeping.
type Clock interface {
	Now() time.Time
}

// Real is the production Clock, backed by time.Now in UTC.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

// Fake is a settable Clock for tests.
type Fake struct {
	T time.Time
}

func (f *Fake) Now() time.Time { return f.T }

func (f *Fake) Advance(d time.Duration) { f.T = f.T.Add(d) }

// JitterSeconds returns a uniformly distributed integer number of seconds in
// [lo, hi]. An inverted range is swapped rather than treated as an error,
// matching the original implementation's defensive swap.
func JitterSeconds(lo, hi int) int {
	if lo > hi {
		lo, hi = hi, lo
	}
	if lo == hi {
		return lo
	}
	return lo + rand.IntN(hi-lo+1)
}

// FutureWithJitter returns base + a uniform random duration in [lo,hi] seconds.
func FutureWithJitter(c Clock, lo, hi int, base *time.Time) time.Time {
	b := c.Now()
	if base != nil {
		b = *base
	}
	return b.Add(time.Duration(JitterSeconds(lo, hi)) * time.Second)
}

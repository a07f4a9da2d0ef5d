// Package backoff provides the retry delay schedules shared by the realtime
// transport, the delivery worker and the receipt batcher.
package backoff

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Schedule hands out successive retry delays. Next reports false once the
// schedule is exhausted; Reset starts it over.
type Schedule interface {
	Next() (time.Duration, bool)
	Reset()
	Attempts() int
}

// ForAttempt returns base * 2^(attempt-1) capped at max. attempt starts at 1.
func ForAttempt(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Jittered is an exponential schedule with symmetric random jitter.
// Delays never decrease until the cap is reached and never exceed
// Max * (1 + Jitter).
type Jittered struct {
	Base        time.Duration
	Max         time.Duration
	Multiplier  float64
	Jitter      float64
	MaxAttempts int

	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64

	mu      sync.Mutex
	attempt int
	raw     time.Duration
	last    time.Duration
}

// NewJittered returns a doubling schedule with ±10% jitter.
func NewJittered(base, max time.Duration, maxAttempts int) *Jittered {
	return &Jittered{
		Base:        base,
		Max:         max,
		Multiplier:  2.0,
		Jitter:      0.1,
		MaxAttempts: maxAttempts,
	}
}

// Next returns the next delay.
func (j *Jittered) Next() (time.Duration, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.MaxAttempts > 0 && j.attempt >= j.MaxAttempts {
		return 0, false
	}
	j.attempt++

	if j.raw == 0 {
		j.raw = j.Base
	} else {
		j.raw = time.Duration(float64(j.raw) * j.Multiplier)
	}
	if j.raw > j.Max || j.raw <= 0 {
		j.raw = j.Max
	}

	r := rand.Float64
	if j.Rand != nil {
		r = j.Rand
	}
	d := time.Duration(float64(j.raw) * (1 + j.Jitter*(2*r()-1)))
	if j.raw < j.Max && d < j.last {
		d = j.last
	}
	j.last = d
	return d, true
}

// Reset rewinds the schedule to its first delay.
func (j *Jittered) Reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.attempt = 0
	j.raw = 0
	j.last = 0
}

// Attempts returns how many delays have been handed out since the last Reset.
func (j *Jittered) Attempts() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attempt
}

// Current returns the last delay handed out.
func (j *Jittered) Current() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last
}

// Doubling is a deterministic schedule: Initial, 2*Initial, ... capped at Max.
type Doubling struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int

	mu      sync.Mutex
	attempt int
}

// NewDoubling returns a doubling schedule that hands out at most maxAttempts delays.
func NewDoubling(initial, max time.Duration, maxAttempts int) *Doubling {
	return &Doubling{Initial: initial, Max: max, MaxAttempts: maxAttempts}
}

// Next returns the next delay.
func (d *Doubling) Next() (time.Duration, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.MaxAttempts > 0 && d.attempt >= d.MaxAttempts {
		return 0, false
	}
	d.attempt++
	return ForAttempt(d.Initial, d.Max, d.attempt), true
}

// Reset rewinds the schedule.
func (d *Doubling) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempt = 0
}

// Attempts returns how many delays have been handed out since the last Reset.
func (d *Doubling) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempt
}

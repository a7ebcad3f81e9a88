// Package flight provides the small guard primitives shared by every
// multi-step operation: an in-flight gate, a minimum-interval rate limit,
// and a trailing debouncer. Tracking recompute, settings updates, snooze
// and reset all use these instead of ad-hoc booleans.
package flight

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Gate makes a multi-step operation effectively atomic against re-entrant
// triggering: a second caller is rejected until the first releases.
type Gate struct {
	mu   sync.Mutex
	held bool
}

// TryAcquire claims the gate. Returns false if it is already held.
func (g *Gate) TryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held {
		return false
	}
	g.held = true
	return true
}

// Release frees the gate. Safe to call when not held.
func (g *Gate) Release() {
	g.mu.Lock()
	g.held = false
	g.mu.Unlock()
}

// RateLimit rejects calls arriving within Window of the last accepted one.
type RateLimit struct {
	mu     sync.Mutex
	clock  clock.Clock
	window time.Duration
	last   time.Time
}

// NewRateLimit creates a rate limit with the given minimum interval.
func NewRateLimit(c clock.Clock, window time.Duration) *RateLimit {
	return &RateLimit{clock: c, window: window}
}

// Allow reports whether a call arriving now is accepted, and if so records it.
func (r *RateLimit) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	if !r.last.IsZero() && now.Sub(r.last) < r.window {
		return false
	}
	r.last = now
	return true
}

// Reset forgets the last accepted call.
func (r *RateLimit) Reset() {
	r.mu.Lock()
	r.last = time.Time{}
	r.mu.Unlock()
}

// Debouncer coalesces bursts of triggers into a single trailing call to fn,
// fired once the window elapses with no further trigger extension needed.
// Triggers landing while a fire is pending are absorbed into it.
type Debouncer struct {
	mu      sync.Mutex
	clock   clock.Clock
	window  time.Duration
	fn      func()
	timer   *clock.Timer
	pending bool
}

// NewDebouncer creates a debouncer that invokes fn on the timer goroutine.
func NewDebouncer(c clock.Clock, window time.Duration, fn func()) *Debouncer {
	return &Debouncer{clock: c, window: window, fn: fn}
}

// Trigger requests a call to fn. Calls within the window coalesce.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending {
		return
	}
	d.pending = true
	d.timer = d.clock.AfterFunc(d.window, func() {
		d.mu.Lock()
		d.pending = false
		d.mu.Unlock()
		d.fn()
	})
}

// Stop cancels any pending fire.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.pending = false
}

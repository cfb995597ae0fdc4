// Package ptclock defines the timer service consumed by the protocol engine,
// with a wall-clock implementation and a manually driven virtual clock.
package ptclock

import (
	"sync/atomic"
	"time"
)

// Clock schedules callbacks and reports the current time.
//
// The engine never blocks on a Clock.
// Implementations decide which goroutine runs the callbacks;
// the engine requires that callbacks are serialized
// with all other calls into the engine.
type Clock interface {
	Now() time.Time

	// AfterFunc arranges for f to be called once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a handle to a scheduled callback.
type Timer interface {
	// Stop prevents the callback from running.
	// It reports whether the call stopped the timer;
	// stopping an already fired or already stopped timer is a no-op returning false.
	Stop() bool
}

// Wall is a [Clock] backed by the time package.
// Callbacks run on their own goroutines, as with [time.AfterFunc].
type Wall struct{}

func (Wall) Now() time.Time {
	return time.Now()
}

func (Wall) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Posting wraps a Clock so that every callback
// is handed to Post instead of being run directly.
//
// Stopping a timer whose callback was already posted but not yet run
// still prevents the callback, and reports true.
//
// The root powertree node uses this to funnel timer firings
// into its main loop.
type Posting struct {
	Clock Clock
	Post  func(func())
}

func (p Posting) Now() time.Time {
	return p.Clock.Now()
}

func (p Posting) AfterFunc(d time.Duration, f func()) Timer {
	t := new(postedTimer)
	t.inner = p.Clock.AfterFunc(d, func() {
		p.Post(func() {
			if t.state.CompareAndSwap(postedPending, postedRan) {
				f()
			}
		})
	})
	return t
}

const (
	postedPending int32 = iota
	postedRan
	postedStopped
)

type postedTimer struct {
	inner Timer
	state atomic.Int32
}

func (t *postedTimer) Stop() bool {
	t.inner.Stop()
	return t.state.CompareAndSwap(postedPending, postedStopped)
}

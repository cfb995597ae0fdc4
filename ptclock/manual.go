package ptclock

import (
	"container/heap"
	"time"
)

// Manual is a virtual [Clock] whose time only moves
// when the owner calls [*Manual.Step], [*Manual.Advance], or [*Manual.Run].
//
// Callbacks run synchronously on the goroutine driving the clock,
// in deadline order, ties broken by scheduling order.
// Manual is not safe for concurrent use.
type Manual struct {
	now time.Time
	seq uint64

	q timerQueue
}

// NewManual returns a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	if d < 0 {
		d = 0
	}
	m.seq++
	t := &manualTimer{
		m:    m,
		when: m.now.Add(d),
		seq:  m.seq,
		f:    f,
	}
	heap.Push(&m.q, t)
	return t
}

// Pending returns the number of scheduled callbacks.
func (m *Manual) Pending() int {
	return len(m.q)
}

// Next returns the deadline of the earliest scheduled callback.
func (m *Manual) Next() (time.Time, bool) {
	if len(m.q) == 0 {
		return time.Time{}, false
	}
	return m.q[0].when, true
}

// Step moves time to the earliest deadline and runs that one callback.
// It reports whether a callback ran.
func (m *Manual) Step() bool {
	if len(m.q) == 0 {
		return false
	}
	t := heap.Pop(&m.q).(*manualTimer)
	t.idx = -1
	if t.when.After(m.now) {
		m.now = t.when
	}
	t.f()
	return true
}

// Advance runs every callback due within d, including callbacks
// scheduled by other callbacks, and then sets the time to now+d.
func (m *Manual) Advance(d time.Duration) {
	end := m.now.Add(d)
	for len(m.q) > 0 && !m.q[0].when.After(end) {
		m.Step()
	}
	m.now = end
}

// Run steps until no callbacks remain or until maxSteps callbacks have run.
// It returns the number of callbacks run.
func (m *Manual) Run(maxSteps int) int {
	n := 0
	for n < maxSteps && m.Step() {
		n++
	}
	return n
}

type manualTimer struct {
	m    *Manual
	when time.Time
	seq  uint64
	f    func()

	// Index in the heap, or -1 once removed.
	idx int
}

func (t *manualTimer) Stop() bool {
	if t.idx < 0 {
		return false
	}
	heap.Remove(&t.m.q, t.idx)
	t.idx = -1
	return true
}

type timerQueue []*manualTimer

func (q timerQueue) Len() int { return len(q) }

func (q timerQueue) Less(i, j int) bool {
	if q[i].when.Equal(q[j].when) {
		return q[i].seq < q[j].seq
	}
	return q[i].when.Before(q[j].when)
}

func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].idx = i
	q[j].idx = j
}

func (q *timerQueue) Push(x any) {
	t := x.(*manualTimer)
	t.idx = len(*q)
	*q = append(*q, t)
}

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}

package ptappdata

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

const (
	// DefaultWindow is how far ahead of the newest accepted sequence number
	// a packet may be and still be accepted.
	DefaultWindow = 16

	// DefaultBacklog is how many recent sequence numbers
	// are remembered as missing.
	DefaultBacklog = 256
)

// WindowError explains why [*Window.Accept] refused a sequence number.
type WindowError struct {
	Seq, Current uint32

	// Ahead is set when Seq was beyond the window;
	// otherwise Seq had already been received or given up on.
	Ahead bool
}

func (e WindowError) Error() string {
	if e.Ahead {
		return fmt.Sprintf("data seq %d too far ahead of %d", e.Seq, e.Current)
	}
	return fmt.Sprintf("data seq %d already handled (current %d)", e.Seq, e.Current)
}

// Window tracks received application data sequence numbers.
//
// Sequence numbers start at 1.
// Missing sequence numbers live in a ring bitset of the backlog size:
// slot s%backlog describes sequence number s
// for s in (current-backlog, current].
//
// Window is not safe for concurrent use.
type Window struct {
	size, backlog uint32

	cur      uint32
	missing  *bitset.BitSet
	received uint64
}

// NewWindow returns a Window.
// Non-positive arguments select the defaults,
// and the backlog is raised to at least the window size.
func NewWindow(size, backlog int) *Window {
	if size <= 0 {
		size = DefaultWindow
	}
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	if backlog < size {
		backlog = size
	}
	return &Window{
		size:    uint32(size),
		backlog: uint32(backlog),
		missing: bitset.New(uint(backlog)),
	}
}

// Accept records seq and returns nil if the packet is new,
// either because it advances the window or because it fills a known gap.
// Otherwise it returns a [WindowError].
func (w *Window) Accept(seq uint32) error {
	if seq == 0 || seq <= w.cur && !w.IsMissing(seq) {
		return WindowError{Seq: seq, Current: w.cur}
	}
	if seq > w.cur+w.size {
		return WindowError{Seq: seq, Current: w.cur, Ahead: true}
	}

	w.received++

	if seq <= w.cur {
		w.missing.Clear(uint(seq % w.backlog))
		return nil
	}

	for s := w.cur + 1; s < seq; s++ {
		w.missing.Set(uint(s % w.backlog))
	}
	w.missing.Clear(uint(seq % w.backlog))
	w.cur = seq
	return nil
}

// IsMissing reports whether seq was skipped and has not arrived since.
func (w *Window) IsMissing(seq uint32) bool {
	if seq == 0 || seq > w.cur || w.cur-seq >= w.backlog {
		return false
	}
	return w.missing.Test(uint(seq % w.backlog))
}

// Missing returns the remembered missing sequence numbers in ascending order.
func (w *Window) Missing() []uint32 {
	if w.missing.None() {
		return nil
	}
	var first uint32 = 1
	if w.cur >= w.backlog {
		first = w.cur - w.backlog + 1
	}

	out := make([]uint32, 0, w.missing.Count())
	for s := first; s <= w.cur; s++ {
		if w.missing.Test(uint(s % w.backlog)) {
			out = append(out, s)
		}
	}
	return out
}

// NumMissing returns the number of remembered gaps.
func (w *Window) NumMissing() int {
	return int(w.missing.Count())
}

// Current returns the highest accepted sequence number.
func (w *Window) Current() uint32 {
	return w.cur
}

// Received returns the number of accepted packets, gap fills included.
func (w *Window) Received() uint64 {
	return w.received
}

// Package ptseq assigns frame sequence numbers
// and suppresses duplicate inbound frames.
package ptseq

import "github.com/gordian-engine/powertree/ptwire"

// DefaultDupWindow is the number of sequence numbers remembered per sender.
const DefaultDupWindow = 1000

// Counter is the per-node sequence counter,
// shared by every game and every frame type.
//
// The zero value is ready to use; the first value returned by Next is 1.
type Counter struct {
	n uint16
}

// Next increments the counter and returns the new value.
func (c *Counter) Next() uint16 {
	c.n++
	return c.n
}

// Current returns the most recently assigned value, or 0 if none.
func (c *Counter) Current() uint16 {
	return c.n
}

// Newer reports whether a follows b in serial number order,
// so that comparisons stay correct after the counter wraps.
// Values exactly half the space apart are unordered and report false.
func Newer(a, b uint16) bool {
	d := a - b
	return d != 0 && d < 1<<15
}

// DupCache remembers recently seen sequence numbers per sender.
//
// It only detects exact repeats; it does not order frames.
// DupCache is not safe for concurrent use.
type DupCache struct {
	window int

	senders map[ptwire.Addr]*senderWindow
}

// senderWindow is a FIFO of sequence numbers with a membership set.
type senderWindow struct {
	seen map[uint16]struct{}

	// Ring buffer of insertion order.
	ring []uint16
	head int
}

// NewDupCache returns a DupCache remembering up to window
// sequence numbers per sender.
// A non-positive window uses [DefaultDupWindow].
func NewDupCache(window int) *DupCache {
	if window <= 0 {
		window = DefaultDupWindow
	}
	return &DupCache{
		window:  window,
		senders: make(map[ptwire.Addr]*senderWindow),
	}
}

// IsDuplicate reports whether seq was already seen from sender.
// If it was not, seq is recorded,
// evicting the oldest remembered value for sender once the window is exceeded.
func (c *DupCache) IsDuplicate(sender ptwire.Addr, seq uint16) bool {
	w, ok := c.senders[sender]
	if !ok {
		w = &senderWindow{
			seen: make(map[uint16]struct{}),
		}
		c.senders[sender] = w
	}

	if _, ok := w.seen[seq]; ok {
		return true
	}

	w.seen[seq] = struct{}{}
	if len(w.ring) < c.window {
		w.ring = append(w.ring, seq)
		return false
	}

	// Window is full: overwrite the oldest entry.
	delete(w.seen, w.ring[w.head])
	w.ring[w.head] = seq
	w.head = (w.head + 1) % c.window
	return false
}

// Forget drops all state for sender.
func (c *DupCache) Forget(sender ptwire.Addr) {
	delete(c.senders, sender)
}

// Len returns the number of sequence numbers remembered for sender.
func (c *DupCache) Len(sender ptwire.Addr) int {
	w, ok := c.senders[sender]
	if !ok {
		return 0
	}
	return len(w.seen)
}

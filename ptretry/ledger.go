// Package ptretry contains the retransmission scheduler
// and the packet ledger it consults.
//
// The link layer reports delivery outcomes into a [Ledger]
// keyed by frame sequence number.
// A [Scheduler] keeps one [Record] per outstanding frame,
// and when a record's timer fires it checks the ledger
// to decide between discarding, retransmitting, waiting, or abandoning.
package ptretry

import (
	"github.com/gordian-engine/powertree/ptwire"
)

// Status is the delivery state of one sent frame.
type Status uint8

const (
	// The ledger has no entry for the sequence number.
	StatusUnknown Status = iota

	// Sent, with no report from the link layer yet.
	StatusPending

	StatusAcked
	StatusLost
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusPending:
		return "pending"
	case StatusAcked:
		return "acked"
	case StatusLost:
		return "lost"
	default:
		return "invalid"
	}
}

// Ledger records link-layer delivery reports by sequence number.
//
// Ledger is not safe for concurrent use.
type Ledger struct {
	status   map[uint16]ledgerEntry
	byTarget map[ptwire.Addr]map[uint16]struct{}
}

type ledgerEntry struct {
	target ptwire.Addr
	status Status
}

func NewLedger() *Ledger {
	return &Ledger{
		status:   make(map[uint16]ledgerEntry),
		byTarget: make(map[ptwire.Addr]map[uint16]struct{}),
	}
}

// Sent records that seq was handed to the link layer for target.
// Reusing a sequence number resets its status to pending.
func (l *Ledger) Sent(seq uint16, target ptwire.Addr) {
	if old, ok := l.status[seq]; ok && old.target != target {
		l.untrack(seq, old.target)
	}
	l.status[seq] = ledgerEntry{target: target, status: StatusPending}

	set := l.byTarget[target]
	if set == nil {
		set = make(map[uint16]struct{})
		l.byTarget[target] = set
	}
	set[seq] = struct{}{}
}

// MarkAcked records a link-layer acknowledgement for seq.
// Reports for unknown sequence numbers are ignored.
func (l *Ledger) MarkAcked(seq uint16) {
	l.mark(seq, StatusAcked)
}

// MarkLost records a delivery failure for seq.
// A frame already acknowledged stays acknowledged.
func (l *Ledger) MarkLost(seq uint16) {
	if e, ok := l.status[seq]; ok && e.status == StatusAcked {
		return
	}
	l.mark(seq, StatusLost)
}

// MarkAllLost marks every pending frame toward target as lost.
// Link layers call this when the medium reports
// a terminal failure to reach target.
func (l *Ledger) MarkAllLost(target ptwire.Addr) {
	for seq := range l.byTarget[target] {
		if e := l.status[seq]; e.status == StatusPending {
			e.status = StatusLost
			l.status[seq] = e
		}
	}
}

func (l *Ledger) mark(seq uint16, s Status) {
	e, ok := l.status[seq]
	if !ok {
		return
	}
	e.status = s
	l.status[seq] = e
}

// Status returns the recorded status of seq.
func (l *Ledger) Status(seq uint16) Status {
	return l.status[seq].status
}

// Forget drops the entry for seq.
func (l *Ledger) Forget(seq uint16) {
	e, ok := l.status[seq]
	if !ok {
		return
	}
	delete(l.status, seq)
	l.untrack(seq, e.target)
}

// Len returns the number of tracked sequence numbers.
func (l *Ledger) Len() int {
	return len(l.status)
}

func (l *Ledger) untrack(seq uint16, target ptwire.Addr) {
	set := l.byTarget[target]
	delete(set, seq)
	if len(set) == 0 {
		delete(l.byTarget, target)
	}
}

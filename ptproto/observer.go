package ptproto

import (
	"time"

	"github.com/gordian-engine/powertree/ptwire"
)

// DropReason explains why an inbound frame was not handled.
type DropReason uint8

const (
	DropMalformed DropReason = iota
	DropDuplicate
	DropStale
)

func (r DropReason) String() string {
	switch r {
	case DropMalformed:
		return "malformed"
	case DropDuplicate:
		return "duplicate"
	case DropStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Observer receives instrumentation events from an [Engine].
//
// Observers are projections only; nothing they do feeds back into the protocol.
// Calls happen synchronously on the engine's goroutine,
// so implementations must be quick and must not call back into the engine.
type Observer interface {
	FrameSent(gameID uint64, ft ptwire.FrameType, dst ptwire.Addr, txPower float64, size int, retransmission bool)
	FrameReceived(gameID uint64, ft ptwire.FrameType, src ptwire.Addr, size int)
	FrameDropped(ft ptwire.FrameType, src ptwire.Addr, reason DropReason)
	FrameAbandoned(gameID uint64, ft ptwire.FrameType, dst ptwire.Addr)

	// ParentChanged reports a new parent, or [ptwire.Broadcast] for none.
	ParentChanged(gameID uint64, parent ptwire.Addr)

	// CycleRepaired reports that a cycle through this node was detected
	// and the node left its parent.
	CycleRepaired(gameID uint64)

	// Exhausted reports that the node ran out of candidates
	// and stopped searching until the next discovery frame.
	Exhausted(gameID uint64)

	GameFinished(gameID uint64, at time.Time)

	// DataDelivered reports a newly accepted application payload.
	// The payload must not be retained past the call.
	DataDelivered(gameID uint64, seq uint32, payload []byte)

	// ObjectDelivered reports an object reassembled from sharded payloads.
	ObjectDelivered(gameID uint64, objectID uint32, obj []byte)
}

// NopObserver ignores every event.
// Embed it to implement only some of the [Observer] methods.
type NopObserver struct{}

func (NopObserver) FrameSent(uint64, ptwire.FrameType, ptwire.Addr, float64, int, bool) {}
func (NopObserver) FrameReceived(uint64, ptwire.FrameType, ptwire.Addr, int)            {}
func (NopObserver) FrameDropped(ptwire.FrameType, ptwire.Addr, DropReason)              {}
func (NopObserver) FrameAbandoned(uint64, ptwire.FrameType, ptwire.Addr)                {}
func (NopObserver) ParentChanged(uint64, ptwire.Addr)                                   {}
func (NopObserver) CycleRepaired(uint64)                                                {}
func (NopObserver) Exhausted(uint64)                                                    {}
func (NopObserver) GameFinished(uint64, time.Time)                                      {}
func (NopObserver) DataDelivered(uint64, uint32, []byte)                                {}
func (NopObserver) ObjectDelivered(uint64, uint32, []byte)                              {}

// Tee returns an Observer forwarding every event to each of obs in order.
func Tee(obs ...Observer) Observer {
	return tee(obs)
}

type tee []Observer

func (t tee) FrameSent(id uint64, ft ptwire.FrameType, dst ptwire.Addr, p float64, size int, re bool) {
	for _, o := range t {
		o.FrameSent(id, ft, dst, p, size, re)
	}
}

func (t tee) FrameReceived(id uint64, ft ptwire.FrameType, src ptwire.Addr, size int) {
	for _, o := range t {
		o.FrameReceived(id, ft, src, size)
	}
}

func (t tee) FrameDropped(ft ptwire.FrameType, src ptwire.Addr, r DropReason) {
	for _, o := range t {
		o.FrameDropped(ft, src, r)
	}
}

func (t tee) FrameAbandoned(id uint64, ft ptwire.FrameType, dst ptwire.Addr) {
	for _, o := range t {
		o.FrameAbandoned(id, ft, dst)
	}
}

func (t tee) ParentChanged(id uint64, parent ptwire.Addr) {
	for _, o := range t {
		o.ParentChanged(id, parent)
	}
}

func (t tee) CycleRepaired(id uint64) {
	for _, o := range t {
		o.CycleRepaired(id)
	}
}

func (t tee) Exhausted(id uint64) {
	for _, o := range t {
		o.Exhausted(id)
	}
}

func (t tee) GameFinished(id uint64, at time.Time) {
	for _, o := range t {
		o.GameFinished(id, at)
	}
}

func (t tee) DataDelivered(id uint64, seq uint32, payload []byte) {
	for _, o := range t {
		o.DataDelivered(id, seq, payload)
	}
}

func (t tee) ObjectDelivered(id uint64, objectID uint32, obj []byte) {
	for _, o := range t {
		o.ObjectDelivered(id, objectID, obj)
	}
}

package ptsim

import (
	"time"

	"github.com/gordian-engine/powertree/ptproto"
	"github.com/gordian-engine/powertree/ptwire"
)

// Recorder is a [ptproto.Observer] that keeps counters for one node.
type Recorder struct {
	ptproto.NopObserver

	Sent, Received, Retransmitted, Abandoned, Dropped int
	SentByType                                        [ptwire.NumFrameTypes]int

	ParentChanges  int
	CyclesRepaired int
	Exhaustions    int

	FinishedAt map[uint64]time.Time

	// Data sequence numbers delivered, per game, in arrival order.
	Delivered map[uint64][]uint32

	// Reassembled objects by game and object ID.
	Objects map[uint64]map[uint32][]byte
}

func NewRecorder() *Recorder {
	return &Recorder{
		FinishedAt: make(map[uint64]time.Time),
		Delivered:  make(map[uint64][]uint32),
		Objects:    make(map[uint64]map[uint32][]byte),
	}
}

func (r *Recorder) FrameSent(_ uint64, ft ptwire.FrameType, _ ptwire.Addr, _ float64, _ int, re bool) {
	r.Sent++
	if int(ft) < len(r.SentByType) {
		r.SentByType[ft]++
	}
	if re {
		r.Retransmitted++
	}
}

func (r *Recorder) FrameReceived(uint64, ptwire.FrameType, ptwire.Addr, int) {
	r.Received++
}

func (r *Recorder) FrameDropped(ptwire.FrameType, ptwire.Addr, ptproto.DropReason) {
	r.Dropped++
}

func (r *Recorder) FrameAbandoned(uint64, ptwire.FrameType, ptwire.Addr) {
	r.Abandoned++
}

func (r *Recorder) ParentChanged(uint64, ptwire.Addr) {
	r.ParentChanges++
}

func (r *Recorder) CycleRepaired(uint64) {
	r.CyclesRepaired++
}

func (r *Recorder) Exhausted(uint64) {
	r.Exhaustions++
}

func (r *Recorder) GameFinished(id uint64, at time.Time) {
	r.FinishedAt[id] = at
}

func (r *Recorder) DataDelivered(id uint64, seq uint32, _ []byte) {
	r.Delivered[id] = append(r.Delivered[id], seq)
}

func (r *Recorder) ObjectDelivered(id uint64, objectID uint32, obj []byte) {
	m := r.Objects[id]
	if m == nil {
		m = make(map[uint32][]byte)
		r.Objects[id] = m
	}
	m[objectID] = append([]byte(nil), obj...)
}

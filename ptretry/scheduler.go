package ptretry

import (
	"log/slog"
	"math"
	"time"

	"github.com/gordian-engine/powertree/ptclock"
	"github.com/gordian-engine/powertree/ptwire"
)

// Record describes one frame awaiting delivery confirmation.
type Record struct {
	Seq    uint16
	GameID uint64
	Type   ptwire.FrameType
	Target ptwire.Addr

	// Transmit power of the most recent attempt, in dBm.
	TxPower float64

	// Addresses carried by a CYCLE_CHECK,
	// needed to rebuild it on retransmission.
	Originator, NewParent, OldParent ptwire.Addr

	// Timer firings without any delivery report since the last transmission.
	Waits int

	// Number of retransmissions so far.
	Retransmissions int
}

// Handler is the protocol side of a [Scheduler].
// Its methods are called from timer callbacks,
// so the clock given to the scheduler must serialize them
// with the rest of the protocol.
type Handler interface {
	// Retransmit resends the frame described by rec,
	// reusing rec.Seq at rec.TxPower.
	// Returning false drops the record,
	// for instance when the frame no longer makes sense to send.
	Retransmit(rec Record) bool

	// Abandon is called once when the scheduler gives up on rec.
	Abandon(rec Record)
}

// Config controls scheduler timing and limits.
type Config struct {
	// Delay between a transmission and the first delivery check.
	InitialDelay time.Duration

	// Delay between later checks of the same transmission.
	Interval time.Duration

	// Number of checks without a delivery report before the frame is
	// considered failed, and number of retransmissions before
	// the scheduler abandons the frame.
	Ceiling int

	// Power added on each retransmission, in dB.
	PowerStep float64

	// Transmit power is never raised past this value.
	MaxPower float64
}

// Scheduler owns the pending-send table.
//
// Records are keyed by sequence number;
// timer callbacks look records up by key
// and never hold references into protocol state.
//
// Scheduler is not safe for concurrent use.
type Scheduler struct {
	log *slog.Logger

	clock  ptclock.Clock
	ledger *Ledger
	h      Handler
	cfg    Config

	pending map[uint16]*pendingSend
}

type pendingSend struct {
	rec   Record
	timer ptclock.Timer
}

func NewScheduler(
	log *slog.Logger,
	clock ptclock.Clock,
	ledger *Ledger,
	h Handler,
	cfg Config,
) *Scheduler {
	return &Scheduler{
		log: log,

		clock:  clock,
		ledger: ledger,
		h:      h,
		cfg:    cfg,

		pending: make(map[uint16]*pendingSend),
	}
}

// Track starts delivery tracking for a frame that was just transmitted.
// An existing record with the same sequence number is replaced.
func (s *Scheduler) Track(rec Record) {
	if old, ok := s.pending[rec.Seq]; ok {
		old.timer.Stop()
	}
	rec.Waits = 0
	s.ledger.Sent(rec.Seq, rec.Target)

	p := &pendingSend{rec: rec}
	s.pending[rec.Seq] = p
	s.arm(p, s.cfg.InitialDelay)
}

// Cancel stops tracking seq.
// Cancelling an unknown or already finished sequence number is a no-op.
func (s *Scheduler) Cancel(seq uint16) {
	p, ok := s.pending[seq]
	if !ok {
		return
	}
	p.timer.Stop()
	delete(s.pending, seq)
	s.ledger.Forget(seq)
}

// CancelGame stops tracking every record of the given game.
func (s *Scheduler) CancelGame(gameID uint64) {
	for seq, p := range s.pending {
		if p.rec.GameID == gameID {
			p.timer.Stop()
			delete(s.pending, seq)
			s.ledger.Forget(seq)
		}
	}
}

// Pending returns a copy of the record for seq.
func (s *Scheduler) Pending(seq uint16) (Record, bool) {
	p, ok := s.pending[seq]
	if !ok {
		return Record{}, false
	}
	return p.rec, true
}

// Len returns the number of tracked frames.
func (s *Scheduler) Len() int {
	return len(s.pending)
}

func (s *Scheduler) arm(p *pendingSend, d time.Duration) {
	seq := p.rec.Seq
	p.timer = s.clock.AfterFunc(d, func() {
		s.fire(seq, p)
	})
}

func (s *Scheduler) fire(seq uint16, p *pendingSend) {
	if cur, ok := s.pending[seq]; !ok || cur != p {
		// Cancelled or replaced after the timer had already fired.
		return
	}

	switch s.ledger.Status(seq) {
	case StatusAcked:
		s.drop(seq)
		return

	case StatusLost:
		s.retransmitOrAbandon(seq, p, false)
		return
	}

	if p.rec.Waits >= s.cfg.Ceiling {
		s.retransmitOrAbandon(seq, p, true)
		return
	}

	p.rec.Waits++
	s.arm(p, s.cfg.Interval)
}

func (s *Scheduler) retransmitOrAbandon(seq uint16, p *pendingSend, silent bool) {
	rec := p.rec

	// Nothing was heard back at full power:
	// raising power further is impossible, so give up now.
	atMax := rec.TxPower >= s.cfg.MaxPower
	if (silent && atMax) || rec.Retransmissions >= s.cfg.Ceiling {
		s.drop(seq)
		s.log.Debug(
			"Abandoning frame",
			"seq", seq, "type", rec.Type, "target", rec.Target,
			"retransmissions", rec.Retransmissions, "silent", silent,
		)
		s.h.Abandon(rec)
		return
	}

	rec.TxPower = math.Min(rec.TxPower+s.cfg.PowerStep, s.cfg.MaxPower)
	rec.Retransmissions++
	rec.Waits = 0
	p.rec = rec

	// Mark pending before resending, so a synchronous report
	// from the link layer lands on the new attempt.
	s.ledger.Sent(seq, rec.Target)
	if !s.h.Retransmit(rec) {
		s.drop(seq)
		return
	}

	if cur, ok := s.pending[seq]; ok && cur == p {
		s.arm(p, s.cfg.InitialDelay)
	}
}

func (s *Scheduler) drop(seq uint16) {
	delete(s.pending, seq)
	s.ledger.Forget(seq)
}

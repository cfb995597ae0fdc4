package ptproto

import (
	"github.com/gordian-engine/powertree/ptretry"
	"github.com/gordian-engine/powertree/ptstate"
	"github.com/gordian-engine/powertree/ptwire"
)

// strategy is the part of the state machine that differs
// between the cycle prevention algorithms.
// Handlers a strategy does not change delegate to the Engine's base handlers.
type strategy interface {
	// fresh applies the per (sender, frame type) ordering rule.
	fresh(gs *ptstate.GameState, sender ptwire.Addr, ft ptwire.FrameType, seq uint16) bool

	// onFrame runs for every fresh frame before the sender record is updated.
	onFrame(g *game, h *ptwire.Header)

	cycleCheck(g *game, node *ptstate.NodeRecord, h *ptwire.Header)
	neighborDiscovery(g *game, node *ptstate.NodeRecord, h *ptwire.Header)
	childRequest(g *game, node *ptstate.NodeRecord)
	childConfirmation(g *game, node *ptstate.NodeRecord, h *ptwire.Header)

	// childRejection handles a rejection from node.
	// An implicit rejection comes from an abandoned child request
	// and skips the staleness check.
	childRejection(g *game, node *ptstate.NodeRecord, implicit bool)

	revocation(g *game, node *ptstate.NodeRecord)

	contactNode(g *game, node *ptstate.NodeRecord)
	disconnectOldParent(g *game)

	// allowND decides whether a neighbor discovery frame goes out.
	allowND(g *game) bool

	// stamp fills the strategy specific fields of an outgoing header.
	stamp(g *game, h *ptwire.Header)

	// retryCycleCheck returns the destination for a retransmitted CYCLE_CHECK,
	// or false if it should be dropped.
	retryCycleCheck(g *game, rec ptretry.Record) (*ptstate.NodeRecord, bool)
}

// asyncStrategy connects without coordination
// and repairs cycles once a CYCLE_CHECK returns to its originator.
type asyncStrategy struct {
	e *Engine
}

func (asyncStrategy) fresh(gs *ptstate.GameState, sender ptwire.Addr, ft ptwire.FrameType, seq uint16) bool {
	return gs.Fresh(sender, ft, seq)
}

func (asyncStrategy) onFrame(*game, *ptwire.Header) {}

// cycleCheck relays a check toward the initiator,
// or repairs the cycle if the check came back to us.
func (s asyncStrategy) cycleCheck(g *game, node *ptstate.NodeRecord, h *ptwire.Header) {
	e, gs := s.e, g.gs
	switch {
	case gs.IsInitiator():
		// The check reached the root: no cycle.

	case h.Originator == gs.Self():
		if p := gs.Parent(); p != nil && h.NewParent == p.Addr() {
			e.repairCycle(g, h.OldParent)
		} else if np := gs.Neighbor(h.NewParent); np != nil {
			// A stale check about a parent we already left.
			gs.Blacklist(np)
		}

	default:
		if p := gs.Parent(); p != nil {
			e.sendCycleCheck(g, p, h.Originator, h.NewParent, h.OldParent)
		}
	}
}

func (s asyncStrategy) neighborDiscovery(g *game, node *ptstate.NodeRecord, _ *ptwire.Header) {
	s.e.handleNeighborDiscovery(g, node)
}

func (s asyncStrategy) childRequest(g *game, node *ptstate.NodeRecord) {
	s.e.handleChildRequest(g, node)
}

func (s asyncStrategy) childConfirmation(g *game, node *ptstate.NodeRecord, _ *ptwire.Header) {
	s.e.handleChildConfirmation(g, node)
}

func (s asyncStrategy) childRejection(g *game, node *ptstate.NodeRecord, implicit bool) {
	s.e.handleChildRejection(g, node, implicit)
}

func (s asyncStrategy) revocation(g *game, node *ptstate.NodeRecord) {
	s.e.handleParentRevocation(g, node)
}

func (s asyncStrategy) contactNode(g *game, node *ptstate.NodeRecord) {
	s.e.contactNode(g, node)
}

func (s asyncStrategy) disconnectOldParent(g *game) {
	s.e.disconnectOldParent(g)
}

func (s asyncStrategy) allowND(g *game) bool {
	return s.e.checkND(g)
}

func (asyncStrategy) stamp(*game, *ptwire.Header) {}

// Checks always travel toward the current parent.
func (asyncStrategy) retryCycleCheck(g *game, _ ptretry.Record) (*ptstate.NodeRecord, bool) {
	p := g.gs.Parent()
	return p, p != nil
}

// retryHandler adapts the Engine to [ptretry.Handler].
type retryHandler struct {
	e *Engine
}

func (r retryHandler) Retransmit(rec ptretry.Record) bool {
	e := r.e
	g, ok := e.games[rec.GameID]
	if !ok {
		return false
	}
	gs := g.gs

	h := ptwire.Header{Type: rec.Type, Seq: rec.Seq}
	dst, power := rec.Target, rec.TxPower

	switch rec.Type {
	case ptwire.CycleCheck:
		n, ok := e.strat.retryCycleCheck(g, rec)
		if !ok {
			return false
		}
		dst, power = n.Addr(), n.Reach()+e.cfg.RetryPowerStep
		h.Originator, h.NewParent, h.OldParent = rec.Originator, rec.NewParent, rec.OldParent

	case ptwire.ChildRequest:
		if c := gs.Contacted(); c == nil || c.Addr() != rec.Target {
			// Already answered, or we moved on to another candidate.
			return false
		}
	}

	g.log.Debug(
		"Retransmitting frame",
		"type", rec.Type, "seq", rec.Seq, "dst", dst,
		"power", power, "attempt", rec.Retransmissions,
	)
	return e.transmit(g, h, dst, power, nil, true)
}

func (r retryHandler) Abandon(rec ptretry.Record) {
	e := r.e
	e.obs.FrameAbandoned(rec.GameID, rec.Type, rec.Target)

	g, ok := e.games[rec.GameID]
	if !ok {
		return
	}
	if rec.Type != ptwire.ChildRequest {
		return
	}

	node := g.gs.Neighbor(rec.Target)
	if node == nil || g.gs.Contacted() != node {
		return
	}

	// Released at any final power; an outstanding contact suspends discovery.
	if rec.TxPower >= e.cfg.MaxTxPower {
		g.log.Info("Child request unanswered at maximum power", "target", rec.Target)
	} else {
		g.log.Info(
			"Child request retransmissions exhausted",
			"target", rec.Target, "power", rec.TxPower,
		)
	}
	e.strat.childRejection(g, node, true)
}

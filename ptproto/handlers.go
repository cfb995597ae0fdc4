package ptproto

import (
	"math"
	"slices"

	"github.com/gordian-engine/powertree/ptpower"
	"github.com/gordian-engine/powertree/ptstate"
	"github.com/gordian-engine/powertree/ptwire"
)

// expensiveBand is the dBm band within which our reach to the parent
// counts as the parent's highest advertised power.
const expensiveBand = 1e-5

func (e *Engine) handleNeighborDiscovery(g *game, node *ptstate.NodeRecord) {
	gs := g.gs
	switch {
	case gs.IsInitiator(), gs.IsBlacklisted(node):
		return

	case gs.IsChild(node):
		// A finished subtree stays silent until a child's needs change.
		if node.ReachChanged() && gs.Finished() {
			e.broadcastND(g)
		}
		return

	case node.Reach() > e.cfg.MaxTxPower,
		node.ConnAttempts > e.cfg.MaxConnAttempts,
		node == gs.LastParent(),
		gs.Contacted() != nil:
		return
	}

	parent := gs.Parent()
	if parent == nil {
		gs.Rejections = 0
		e.strat.contactNode(g, node)
		return
	}
	if node == parent {
		return
	}

	if math.Abs(parent.Highest-parent.Reach()) > expensiveBand {
		// Leaving would not lower the parent's power.
		return
	}

	saving := gs.Saving()
	cost := ptstate.ConnectionCost(node)
	if cost > saving {
		return
	}
	if math.Abs(cost-saving) < e.cfg.SwitchTolerance &&
		(gs.Finished() || gs.Unchanged() >= e.cfg.MaxUnchangedRounds) {
		return
	}

	g.log.Debug(
		"Cheaper parent available",
		"candidate", node.Addr(), "cost", cost, "saving", saving,
	)
	e.strat.contactNode(g, node)
}

func (e *Engine) handleChildRequest(g *game, node *ptstate.NodeRecord) {
	gs := g.gs
	addr := node.Addr()
	if gs.Superseded(addr, ptwire.ChildRequest, ptwire.ParentRevocation) {
		return
	}

	if node.Reach() > e.cfg.MaxTxPower || node == gs.Parent() || node == gs.Contacted() {
		e.send(g, ptwire.ChildRejection, addr, node.Reach())
		return
	}

	if !gs.IsInitiator() && gs.Parent() == nil && gs.Contacted() == nil {
		// Not attached to the tree, so we cannot serve as a parent.
		e.send(g, ptwire.ChildRejection, addr, node.Reach())
		if !exhausted(gs) {
			e.contactCheapest(g)
		}
		return
	}

	if gs.IsChild(node) {
		// Our confirmation was lost.
		e.send(g, ptwire.ChildConfirmation, addr, node.Reach())
		return
	}

	gs.AddChild(node)
	node.ClaimedParent = gs.Self()
	g.log.Debug("Accepted child", "child", addr, "reach", node.Reach())
	e.send(g, ptwire.ChildConfirmation, addr, node.Reach())

	if !gs.Finished() {
		gs.ResetUnchanged()
	} else {
		e.handleEndOfGame(g, node)
	}

	if gs.Finished() && gs.NumChildren() == 1 && g.dataSeq > 0 {
		// The flood stalled without children; pick it up again.
		e.startAppData(g)
	}
}

// acceptConfirmation applies the checks shared by every strategy
// before a confirmation from node may make it our parent.
// It answers unwanted confirmations and returns false for them.
func (e *Engine) acceptConfirmation(g *game, node *ptstate.NodeRecord) bool {
	gs := g.gs
	if p := gs.Parent(); p != nil {
		if gs.Contacted() != node {
			if p != node {
				e.send(g, ptwire.ParentRevocation, node.Addr(), node.Reach())
			}
			return false
		}
		if gs.Finished() {
			// Finished nodes keep their old parent until the new one confirms.
			e.strat.disconnectOldParent(g)
		}
	} else if gs.Contacted() != node {
		e.send(g, ptwire.ParentRevocation, node.Addr(), node.Reach())
		return false
	}
	return true
}

// adoptParent makes the contacted node our parent.
func (e *Engine) adoptParent(g *game, node *ptstate.NodeRecord) {
	gs := g.gs
	gs.SetParent(node)
	node.ConnAttempts++
	gs.SetContacted(nil)
	g.log.Debug("New parent", "parent", node.Addr(), "reach", node.Reach())
	e.obs.ParentChanged(gs.ID(), node.Addr())

	if gs.DoIncr {
		gs.IncrUnchanged()
	}
}

// settleUnchanged resets the unchanged counter after a connection,
// unless the switch was known not to change anything.
func (e *Engine) settleUnchanged(gs *ptstate.GameState) {
	if !gs.DoIncr && gs.Unchanged() < e.cfg.MaxUnchangedRounds {
		gs.ResetUnchanged()
	}
	gs.DoIncr = false
}

func (e *Engine) handleChildConfirmation(g *game, node *ptstate.NodeRecord) {
	gs := g.gs
	if gs.Superseded(node.Addr(), ptwire.ChildConfirmation, ptwire.ChildRejection) {
		// The parent rejected us after confirming; undo its side.
		e.send(g, ptwire.ParentRevocation, node.Addr(), node.Reach())
		return
	}
	if !e.acceptConfirmation(g, node) {
		return
	}

	e.adoptParent(g, node)

	if gs.Unchanged() < e.cfg.MaxUnchangedRounds {
		e.contactCheapest(g)
	}
	if gs.Contacted() != nil {
		gs.NeedCycleCheck = true
		return
	}

	node.ConnAttempts = 0
	if gs.HasChildren() {
		e.sendOwnCycleCheck(g)
		gs.NeedCycleCheck = false
	}

	if node.Finished {
		e.handleEndOfGame(g, node)
	} else if gs.Finished() {
		e.send(g, ptwire.EndOfGame, node.Addr(), node.Reach())
	}

	e.settleUnchanged(gs)
	e.broadcastND(g)
	gs.Rejections = 0
}

// sendOwnCycleCheck starts a check for the connection to the current parent.
func (e *Engine) sendOwnCycleCheck(g *game) {
	gs := g.gs
	p := gs.Parent()
	if p == nil {
		return
	}
	old := p.Addr()
	if lp := gs.LastParent(); lp != nil {
		old = lp.Addr()
	}
	e.sendCycleCheck(g, p, gs.Self(), p.Addr(), old)
}

func (e *Engine) handleChildRejection(g *game, node *ptstate.NodeRecord, implicit bool) {
	gs := g.gs
	if !implicit && gs.Superseded(node.Addr(), ptwire.ChildRejection, ptwire.ChildConfirmation) {
		return
	}
	if node != gs.Parent() && node != gs.Contacted() {
		return
	}

	if node == gs.Parent() {
		gs.SetParent(nil)
		e.obs.ParentChanged(gs.ID(), ptwire.Broadcast)
		if gs.Finished() && gs.Contacted() != nil {
			return
		}
	} else {
		node.ConnAttempts++
	}

	e.stopND(g)
	if !node.ReachProblem {
		gs.Blacklist(node)
	}
	gs.SetContacted(nil)

	if exhausted(gs) {
		g.log.Info("No parent available; waiting for discovery", "rejections", gs.Rejections)
		gs.ResetBlacklist()
		e.disconnectAllChildren(g)
		e.obs.Exhausted(gs.ID())
		return
	}

	if !gs.Finished() {
		e.contactFallback(g)
	}

	if gs.Contacted() == nil {
		e.contactCheapest(g)
		if gs.Contacted() == nil {
			if gs.Finished() && gs.Parent() != nil {
				if gs.NeedCycleCheck && gs.HasChildren() {
					e.sendOwnCycleCheck(g)
					gs.NeedCycleCheck = false
				}
				return
			}
			e.disconnectAllChildren(g)
			e.contactCheapest(g)
		}
		gs.DoIncr = false
		gs.ResetUnchanged()
	}
	gs.Rejections++
}

func (e *Engine) handleParentRevocation(g *game, node *ptstate.NodeRecord) {
	gs := g.gs
	if gs.Superseded(node.Addr(), ptwire.ParentRevocation, ptwire.ChildRequest) {
		return
	}
	if !gs.IsChild(node) {
		return
	}

	gs.RemoveChild(node)
	g.log.Debug("Child left", "child", node.Addr(), "children", gs.NumChildren())
	if !gs.Finished() {
		gs.ResetUnchanged()
		e.stopND(g)
	}
	if gs.Parent() != nil || gs.IsInitiator() {
		e.broadcastND(g)
	}
}

// handleEndOfGame finishes the game when node is our parent,
// forwarding the end to unfinished children,
// or records that node finished when it is our child.
func (e *Engine) handleEndOfGame(g *game, node *ptstate.NodeRecord) {
	gs := g.gs
	switch {
	case gs.IsParent(node) && gs.Contacted() == nil:
		e.stopND(g)
		if gs.HasChildren() && !gs.AllChildrenFinished() {
			for _, c := range slices.Clone(gs.Children()) {
				e.send(g, ptwire.EndOfGame, c.Addr(), c.Reach())
				e.handleEndOfGame(g, c)
			}
		}
		node.Finished = true
		e.markFinished(g)

	case gs.IsChild(node):
		node.Finished = true
	}
}

// repairCycle leaves the parent after our own cycle check came back,
// then reconnects through the fallback stack or the cheapest neighbor.
func (e *Engine) repairCycle(g *game, oldParent ptwire.Addr) {
	gs := g.gs
	parent := gs.Parent()
	g.log.Info("Cycle detected", "parent", parent.Addr(), "old_parent", oldParent)
	e.obs.CycleRepaired(gs.ID())

	gs.Blacklist(parent)
	e.strat.disconnectOldParent(g)

	// Unwind the fallback stack to the parent we had before the cycle formed.
	for lp := gs.LastParent(); lp != nil && lp.Addr() != oldParent; lp = gs.LastParent() {
		gs.PopLastParent()
	}

	e.contactFallback(g)
	if gs.Contacted() == nil {
		e.contactCheapest(g)
		if gs.Contacted() == nil {
			e.disconnectAllChildren(g)
			e.contactCheapest(g)
		}
	}
}

// contactFallback tries previous parents, most recent first,
// until one of them is contacted or the stack is empty.
func (e *Engine) contactFallback(g *game) {
	gs := g.gs
	for p := gs.PopLastParent(); p != nil; p = gs.PopLastParent() {
		e.strat.contactNode(g, p)
		if gs.Contacted() != nil {
			return
		}
	}
}

// contactCheapest contacts the cheapest eligible neighbor
// unless that is the current parent.
func (e *Engine) contactCheapest(g *game) {
	gs := g.gs
	c := gs.Cheapest(e.cfg.MaxTxPower, e.cfg.MaxConnAttempts)
	if c != nil && c != gs.Parent() {
		e.strat.contactNode(g, c)
	}
}

// contactNode sends a child request to node,
// unless node is unsuitable or another request is outstanding.
func (e *Engine) contactNode(g *game, node *ptstate.NodeRecord) {
	gs := g.gs
	switch {
	case gs.IsBlacklisted(node),
		gs.IsChild(node),
		node == gs.Parent(),
		node.Reach() > e.cfg.MaxTxPower,
		gs.Contacted() != nil:
		return
	}

	e.stopND(g)
	if gs.Parent() != nil {
		tol := e.cfg.SwitchTolerance
		if math.Abs(gs.CostCurrent()) < tol &&
			math.Abs(gs.Saving()-ptstate.ConnectionCost(node)) < tol {
			// The switch will not change the total power.
			gs.DoIncr = true
		}
	}

	if !gs.Finished() {
		e.strat.disconnectOldParent(g)
	}
	gs.SetContacted(node)
	g.log.Debug("Contacting candidate parent", "candidate", node.Addr(), "reach", node.Reach())
	e.send(g, ptwire.ChildRequest, node.Addr(), node.Reach())
}

// finishGame declares the local tree converged.
func (e *Engine) finishGame(g *game) {
	gs := g.gs
	if gs.Contacted() != nil {
		return
	}
	e.markFinished(g)
	e.stopND(g)

	if p := gs.Parent(); p != nil {
		e.send(g, ptwire.EndOfGame, p.Addr(), p.Reach())
	} else if gs.IsInitiator() {
		e.startAppData(g)
	}
}

func (e *Engine) disconnectOldParent(g *game) {
	gs := g.gs
	p := gs.Parent()
	if p == nil {
		return
	}

	e.send(g, ptwire.ParentRevocation, p.Addr(), p.Reach())
	if !gs.IsBlacklisted(p) {
		gs.PushLastParent(p)
	}
	p.Highest, p.SecondHighest = ptpower.None, ptpower.None
	gs.SetParent(nil)
	e.obs.ParentChanged(gs.ID(), ptwire.Broadcast)
}

// disconnectAllChildren rejects every child and forgets
// everything learned about unsafe or previous parents.
func (e *Engine) disconnectAllChildren(g *game) {
	gs := g.gs
	if gs.HasChildren() {
		g.log.Info("Disconnecting all children", "children", gs.NumChildren())
	}
	for gs.HasChildren() {
		c := gs.Children()[0]
		c.ClearPath()
		e.send(g, ptwire.ChildRejection, c.Addr(), c.Reach())
	}
	gs.ResetBlacklist()
	gs.ClearLastParents()
	gs.ResetUnchanged()
}

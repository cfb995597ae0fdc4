package ptproto

import (
	"github.com/gordian-engine/powertree/ptretry"
	"github.com/gordian-engine/powertree/ptstate"
	"github.com/gordian-engine/powertree/ptwire"
)

// mutexStrategy locks a node's whole subtree before the node changes parent.
//
// A CYCLE_CHECK flows downward as a lock request:
// Originator names the node the lock is taken for,
// NewParent carries a lock holder change,
// and all three slots set to broadcast release the lock.
// Once every child reports its subtree locked,
// a node reports upward with OldParent set to the holder.
type mutexStrategy struct {
	e *Engine
}

func (mutexStrategy) fresh(gs *ptstate.GameState, sender ptwire.Addr, ft ptwire.FrameType, seq uint16) bool {
	return gs.FreshStrict(sender, ft, seq)
}

func (mutexStrategy) onFrame(g *game, h *ptwire.Header) {
	if h.Type != ptwire.ChildConfirmation {
		return
	}
	gs := g.gs
	if h.NeedLockUpdate {
		gs.NewParentWaitingForLock = true
		gs.NewParentWaitingOrigin = h.LockHolder
	} else {
		gs.NewParentWaitingForLock = false
		gs.NewParentWaitingOrigin = ptwire.Broadcast
	}
}

func (s mutexStrategy) cycleCheck(g *game, node *ptstate.NodeRecord, h *ptwire.Header) {
	e, gs := s.e, g.gs
	if gs.IsInitiator() {
		return
	}
	orig, newOrig, lockedFor := h.Originator, h.NewParent, h.OldParent

	switch {
	case gs.IsParent(node):
		if gs.LockedBySelf() {
			if gs.Finished() {
				// Answered once our own switch completes.
				gs.ParentWaitingForLock = true
				gs.ParentWaitingOrigin = orig
			}
			return
		}
		s.applyParentLock(g, orig, newOrig)

	case node == gs.Contacted():
		gs.NewParentWaitingForLock = true
		gs.NewParentWaitingOrigin = orig

	case gs.IsChild(node) && lockedFor == gs.LockedBy:
		gs.SetChildLocked(node, true)
		s.checkNodeLocks(g)

	default:
		e.log.Debug("Ignoring lock message", "src", node.Addr(), "locked_for", lockedFor)
	}
}

// applyParentLock takes a lock request or release from the parent.
func (s mutexStrategy) applyParentLock(g *game, orig, newOrig ptwire.Addr) {
	gs := g.gs
	switch {
	case orig != ptwire.Broadcast:
		if orig != gs.Self() {
			gs.LockedBy = orig
			s.lockChildNodes(g)
			s.checkNodeLocks(g)
		}
	case newOrig != ptwire.Broadcast:
		if newOrig != gs.Self() {
			gs.LockedBy = newOrig
			s.lockChildNodes(g)
			s.checkNodeLocks(g)
		}
	default:
		s.unlockChildNodes(g)
		s.e.broadcastND(g)
	}
}

func (s mutexStrategy) neighborDiscovery(g *game, node *ptstate.NodeRecord, _ *ptwire.Header) {
	gs := g.gs
	if gs.Locked() {
		return
	}
	if gs.IsInitiator() {
		gs.ResetUnchanged()
	}
	if node.Reach() <= s.e.cfg.MaxTxPower && !gs.IsChild(node) {
		gs.Rejections = 0
	}
	s.e.handleNeighborDiscovery(g, node)
}

func (s mutexStrategy) childRequest(g *game, node *ptstate.NodeRecord) {
	e, gs := s.e, g.gs
	if gs.Superseded(node.Addr(), ptwire.ChildRequest, ptwire.ParentRevocation) {
		return
	}

	if !gs.IsInitiator() && !gs.IsChild(node) {
		if gs.Locked() {
			if node.Addr() == gs.LockedBy || node == gs.Contacted() ||
				gs.NumChildrenLocked() >= gs.NumChildren() {
				e.send(g, ptwire.ChildRejection, node.Addr(), node.Reach())
			}
			return
		}
		if gs.Parent() == nil && gs.Contacted() == nil {
			e.send(g, ptwire.ChildRejection, node.Addr(), node.Reach())
			if !exhausted(gs) {
				e.contactCheapest(g)
			}
			return
		}
	}

	e.handleChildRequest(g, node)
}

func (s mutexStrategy) childConfirmation(g *game, node *ptstate.NodeRecord, _ *ptwire.Header) {
	e, gs := s.e, g.gs
	if gs.Superseded(node.Addr(), ptwire.ChildConfirmation, ptwire.ChildRejection) {
		return
	}
	if !e.acceptConfirmation(g, node) {
		return
	}

	e.adoptParent(g, node)

	if gs.Unchanged() < e.cfg.MaxUnchangedRounds && !gs.NewParentWaitingForLock {
		e.contactCheapest(g)
	}

	if gs.Contacted() != nil {
		if !gs.Finished() || gs.Parent() == nil {
			gs.NewParentWaitingForLock = false
		}
		return
	}

	node.ConnAttempts = 0
	gs.Rejections = 0
	if node.Finished {
		e.handleEndOfGame(g, node)
	} else if gs.Finished() {
		e.send(g, ptwire.EndOfGame, node.Addr(), node.Reach())
	}

	if gs.NewParentWaitingForLock {
		// The new parent's subtree is locked; join its lock.
		gs.LockedBy = ptwire.Broadcast
		s.applyParentLock(g, gs.NewParentWaitingOrigin, ptwire.Broadcast)
		gs.NewParentWaitingForLock = false
		return
	}

	s.unlockChildNodes(g)
	e.settleUnchanged(gs)
	e.broadcastND(g)
}

func (s mutexStrategy) childRejection(g *game, node *ptstate.NodeRecord, implicit bool) {
	e, gs := s.e, g.gs
	if !implicit && gs.Superseded(node.Addr(), ptwire.ChildRejection, ptwire.ChildConfirmation) {
		return
	}
	if node != gs.Parent() && node != gs.Contacted() {
		return
	}

	if node == gs.Parent() {
		gs.SetParent(nil)
		e.obs.ParentChanged(gs.ID(), ptwire.Broadcast)
		if gs.LockedByOther() {
			s.unlockChildNodes(g)
			gs.ResetChildLocks()
			gs.SetContacted(nil)
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
		s.unlockChildNodes(g)
		gs.ResetBlacklist()
		gs.ResetChildLocks()
		e.disconnectAllChildren(g)
		gs.LockedBy = ptwire.Broadcast
		e.obs.Exhausted(gs.ID())
		return
	}

	e.contactCheapest(g)
	if gs.Contacted() == nil {
		node.ConnAttempts = 0
		if gs.Finished() && gs.Parent() != nil {
			// Staying with the old parent.
			if gs.ParentWaitingForLock {
				gs.LockedBy = ptwire.Broadcast
				s.applyParentLock(g, ptwire.Broadcast, gs.ParentWaitingOrigin)
				gs.ParentWaitingForLock = false
			} else {
				s.unlockChildNodes(g)
			}
		} else {
			e.disconnectAllChildren(g)
			e.contactCheapest(g)
			if gs.Contacted() == nil {
				s.unlockChildNodes(g)
				gs.ResetChildLocks()
				gs.LockedBy = ptwire.Broadcast
			}
		}
	}

	gs.DoIncr = false
	gs.ResetUnchanged()
	gs.Rejections++
}

func (s mutexStrategy) revocation(g *game, node *ptstate.NodeRecord) {
	e, gs := s.e, g.gs
	if gs.Superseded(node.Addr(), ptwire.ParentRevocation, ptwire.ChildRequest) {
		return
	}

	if gs.IsChild(node) {
		gs.SetChildLocked(node, false)
		gs.RemoveChild(node)
	}
	if !gs.Finished() {
		gs.ResetUnchanged()
		e.stopND(g)
		if (!gs.Locked() && gs.Parent() != nil) || gs.IsInitiator() {
			e.broadcastND(g)
		}
	}
	s.checkNodeLocks(g)
}

func (s mutexStrategy) contactNode(g *game, node *ptstate.NodeRecord) {
	e, gs := s.e, g.gs
	switch {
	case gs.LockedBySelf():
		if node == gs.Parent() {
			// Switch abandoned; hand the subtree over to a waiting lock, if any.
			if gs.ParentWaitingForLock {
				gs.LockedBy = gs.ParentWaitingOrigin
				gs.ParentWaitingForLock = false
				s.lockChildNodes(g)
				s.checkNodeLocks(g)
			} else {
				s.unlockChildNodes(g)
			}
			return
		}
		if gs.Finished() && gs.NumChildrenLocked() < gs.NumChildren() {
			// Subtree not locked yet; checkNodeLocks will call back.
			return
		}
		gs.SetContacted(nil)
		e.contactNode(g, node)

	case gs.LockedByOther():
		return

	default:
		if gs.IsBlacklisted(node) || gs.IsChild(node) || node == gs.Parent() ||
			node.Reach() > e.cfg.MaxTxPower || gs.Contacted() != nil {
			return
		}
		// Reserve the candidate while the subtree locks.
		gs.SetContacted(node)
		e.stopND(g)
		if !gs.Finished() {
			s.disconnectOldParent(g)
		}
		gs.LockedBy = gs.Self()
		s.lockChildNodes(g)
		s.checkNodeLocks(g)
	}
}

func (s mutexStrategy) disconnectOldParent(g *game) {
	s.e.disconnectOldParent(g)
	g.gs.ParentWaitingForLock = false
}

// lockChildNodes locks this node and forwards the lock to every child.
func (s mutexStrategy) lockChildNodes(g *game) {
	e, gs := s.e, g.gs
	wasLocked := gs.Locked()
	gs.SetLocked(true)
	gs.ResetChildLocks()
	gs.ResetUnchanged()
	e.stopND(g)

	orig, newOrig := gs.LockedBy, ptwire.Broadcast
	if wasLocked {
		orig, newOrig = ptwire.Broadcast, gs.LockedBy
	}
	for _, c := range gs.Children() {
		e.sendCycleCheck(g, c, orig, newOrig, ptwire.Broadcast)
	}
}

// unlockChildNodes releases the lock here and in every child subtree.
func (s mutexStrategy) unlockChildNodes(g *game) {
	e, gs := s.e, g.gs
	gs.SetLocked(false)
	for _, c := range gs.Children() {
		e.sendCycleCheck(g, c, ptwire.Broadcast, ptwire.Broadcast, ptwire.Broadcast)
	}
	gs.ResetChildLocks()
	gs.LockedBy = ptwire.Broadcast
}

// checkNodeLocks acts once the whole subtree below this node is locked:
// the holder proceeds with its switch, anyone else reports to its parent.
func (s mutexStrategy) checkNodeLocks(g *game) {
	e, gs := s.e, g.gs
	if !gs.Locked() || !gs.AllChildrenLocked() || gs.IsInitiator() {
		return
	}

	if gs.LockedBySelf() {
		if gs.Contacted() == nil {
			s.unlockChildNodes(g)
			return
		}
		c := gs.Cheapest(e.cfg.MaxTxPower, e.cfg.MaxConnAttempts)
		if c == nil {
			gs.SetContacted(nil)
			s.unlockChildNodes(g)
			e.disconnectAllChildren(g)
			return
		}
		s.contactNode(g, c)
		return
	}

	if p := gs.Parent(); p != nil {
		e.sendCycleCheck(g, p, ptwire.Broadcast, ptwire.Broadcast, gs.LockedBy)
	}
}

func (s mutexStrategy) allowND(g *game) bool {
	ok := s.e.checkND(g)
	return ok && !g.gs.Locked()
}

func (mutexStrategy) stamp(g *game, h *ptwire.Header) {
	gs := g.gs
	if h.Type == ptwire.ChildConfirmation && gs.Locked() {
		h.NeedLockUpdate = true
		h.LockHolder = gs.LockedBy
	}
	h.GameFinished = (gs.HasChildren() && gs.AllChildrenFinished()) || gs.Finished()
}

// Lock messages are only worth repeating to nodes still adjacent in the tree.
func (mutexStrategy) retryCycleCheck(g *game, rec ptretry.Record) (*ptstate.NodeRecord, bool) {
	gs := g.gs
	n := gs.Neighbor(rec.Target)
	if n == nil || (!gs.IsChild(n) && !gs.IsParent(n)) {
		return nil, false
	}
	return n, true
}

package ptproto

import (
	"slices"

	"github.com/gordian-engine/powertree/ptretry"
	"github.com/gordian-engine/powertree/ptstate"
	"github.com/gordian-engine/powertree/ptwire"
)

// maxQuietPathRefreshes bounds how many path refreshes
// a node asks for while its parent's path stays the same.
const maxQuietPathRefreshes = 5

// pathStrategy prevents cycles by advertising the chain of ancestors.
// A node never connects to a neighbor whose path contains the node,
// and leaves its parent as soon as the parent's path comes to contain it.
type pathStrategy struct {
	e *Engine
}

func (pathStrategy) fresh(gs *ptstate.GameState, sender ptwire.Addr, ft ptwire.FrameType, seq uint16) bool {
	return gs.FreshStrict(sender, ft, seq)
}

func (pathStrategy) onFrame(*game, *ptwire.Header) {}

// recordPath stores the path advertised in h on node.
func recordPath(node *ptstate.NodeRecord, h *ptwire.Header) {
	if len(h.Path) > 0 {
		node.SetPath(h.Path)
	}
}

// cycleCheck answers path requests from children
// and treats a reply from the parent as a path refresh.
func (s pathStrategy) cycleCheck(g *game, node *ptstate.NodeRecord, h *ptwire.Header) {
	e, gs := s.e, g.gs
	recordPath(node, h)

	switch {
	case gs.IsChild(node):
		e.sendCycleCheck(g, node, ptwire.Broadcast, ptwire.Broadcast, ptwire.Broadcast)

	case gs.IsParent(node):
		gs.LastParentUpdate = e.clock.Now()
		if !gs.IsInitiator() && s.checkParentPath(g) && node.PathChanged() &&
			g.nd == nil && gs.Contacted() == nil {
			gs.ParentUnchanged = 0
			e.broadcastND(g)
		} else {
			gs.ParentUnchanged++
		}
		s.armPathRefresh(g)
	}
}

func (s pathStrategy) neighborDiscovery(g *game, node *ptstate.NodeRecord, h *ptwire.Header) {
	e, gs := s.e, g.gs
	recordPath(node, h)

	if !gs.IsInitiator() && s.checkParentPath(g) {
		e.handleNeighborDiscovery(g, node)
	}

	if gs.IsParent(node) {
		gs.LastParentUpdate = e.clock.Now()
		if gs.Contacted() == nil {
			if node.PathChanged() {
				gs.ParentUnchanged = 0
				s.armPathRefresh(g)
			} else {
				gs.ParentUnchanged++
			}
		}
	}
}

func (s pathStrategy) childRequest(g *game, node *ptstate.NodeRecord) {
	gs := g.gs
	var own []ptwire.Addr
	if p := gs.Parent(); p != nil {
		own = p.Path()
	} else if c := gs.Contacted(); c != nil {
		own = c.Path()
	}
	if slices.Contains(own, node.Addr()) {
		// The requester is one of our ancestors.
		s.e.send(g, ptwire.ChildRejection, node.Addr(), node.Reach())
		return
	}
	s.e.handleChildRequest(g, node)
}

func (s pathStrategy) childConfirmation(g *game, node *ptstate.NodeRecord, h *ptwire.Header) {
	e, gs := s.e, g.gs
	recordPath(node, h)

	if gs.Superseded(node.Addr(), ptwire.ChildConfirmation, ptwire.ChildRejection) {
		return
	}
	if !e.acceptConfirmation(g, node) {
		return
	}

	e.adoptParent(g, node)

	if gs.Unchanged() < e.cfg.MaxUnchangedRounds {
		e.contactCheapest(g)
	}
	if gs.Contacted() != nil || !s.checkParentPath(g) {
		return
	}

	node.ConnAttempts = 0
	gs.EmptyPathOnConnect = len(node.Path()) == 0

	if node.Finished {
		e.handleEndOfGame(g, node)
	} else if gs.Finished() {
		e.send(g, ptwire.EndOfGame, node.Addr(), node.Reach())
	}

	gs.LastParentUpdate = e.clock.Now()
	gs.ParentUnchanged = 0
	s.armPathRefresh(g)

	e.settleUnchanged(gs)
	e.broadcastND(g)
	gs.Rejections = 0
}

func (s pathStrategy) childRejection(g *game, node *ptstate.NodeRecord, implicit bool) {
	s.e.handleChildRejection(g, node, implicit)
}

func (s pathStrategy) revocation(g *game, node *ptstate.NodeRecord) {
	s.e.handleParentRevocation(g, node)
}

func (s pathStrategy) contactNode(g *game, node *ptstate.NodeRecord) {
	if node.OnPath(g.gs.Self()) {
		return
	}
	s.e.contactNode(g, node)
}

func (s pathStrategy) disconnectOldParent(g *game) {
	s.e.disconnectOldParent(g)
}

// checkParentPath leaves the parent if its path runs through this node,
// or if both the connection-time and the current parent path are empty,
// which means the parent has no route to the initiator.
// It reports whether the current parent is still acceptable.
func (s pathStrategy) checkParentPath(g *game) bool {
	e, gs := s.e, g.gs
	p := gs.Parent()
	if p == nil ||
		!(p.OnPath(gs.Self()) || (gs.EmptyPathOnConnect && len(p.Path()) == 0)) {
		gs.EmptyPathOnConnect = false
		return true
	}

	g.log.Info("Parent path loops through this node", "parent", p.Addr(), "path_len", len(p.Path()))
	e.obs.CycleRepaired(gs.ID())

	gs.ParentUnchanged = 0
	e.stopND(g)
	e.disconnectOldParent(g)
	e.contactCheapest(g)
	if gs.Contacted() == nil {
		e.disconnectAllChildren(g)
		gs.ResetBlacklist()
		e.contactCheapest(g)
		if gs.Contacted() == nil {
			// Wait for fresh discovery frames.
			gs.Rejections = 2*gs.NumNeighbors() + 1
		}
	}
	gs.DoIncr = false
	gs.ResetUnchanged()
	return false
}

func (s pathStrategy) armPathRefresh(g *game) {
	stopTimer(&g.ppc)
	g.ppc = s.e.after(g, s.e.cfg.pathRefreshDelay(), s.refreshPath)
}

// refreshPath asks the parent for its current path
// when nothing has been heard from it for a while.
func (s pathStrategy) refreshPath(g *game) {
	e, gs := s.e, g.gs
	g.ppc = nil
	if gs.Contacted() != nil {
		return
	}
	p := gs.Parent()
	if p == nil || gs.ParentUnchanged > maxQuietPathRefreshes {
		return
	}

	deadline := gs.LastParentUpdate.Add(e.cfg.pathRefreshDelay())
	now := e.clock.Now()
	if !now.Before(deadline) {
		e.sendCycleCheck(g, p, ptwire.Broadcast, ptwire.Broadcast, ptwire.Broadcast)
		return
	}
	g.ppc = e.after(g, deadline.Sub(now), s.refreshPath)
}

func (s pathStrategy) allowND(g *game) bool {
	if g.gs.Finished() {
		s.e.stopND(g)
		return true
	}
	return s.e.checkND(g)
}

// stamp writes our own path: the parent's path followed by us.
// The path is cut from the root end to fit the count byte.
func (pathStrategy) stamp(g *game, h *ptwire.Header) {
	gs := g.gs
	switch h.Type {
	case ptwire.CycleCheck, ptwire.NeighborDiscovery, ptwire.ChildConfirmation:
		var base []ptwire.Addr
		if p := gs.Parent(); p != nil {
			base = p.Path()
		} else if c := gs.Contacted(); c != nil {
			base = c.Path()
		}
		if len(base) == 0 && !gs.IsInitiator() {
			h.Path = nil
			break
		}
		path := append(slices.Clone(base), gs.Self())
		if len(path) > ptwire.MaxPathLen {
			path = path[len(path)-ptwire.MaxPathLen:]
		}
		h.Path = path
	}
	h.GameFinished = (gs.HasChildren() && gs.AllChildrenFinished()) || gs.Finished()
}

func (pathStrategy) retryCycleCheck(g *game, rec ptretry.Record) (*ptstate.NodeRecord, bool) {
	n := g.gs.Neighbor(rec.Target)
	return n, n != nil
}

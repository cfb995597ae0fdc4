package ptstate

// Locked reports whether this node's subtree is locked.
func (gs *GameState) Locked() bool { return gs.locked }

func (gs *GameState) SetLocked(l bool) { gs.locked = l }

// LockedByOther reports whether the node is locked on behalf of another node.
func (gs *GameState) LockedByOther() bool {
	return gs.locked && gs.LockedBy != gs.self
}

// LockedBySelf reports whether the node holds the lock itself.
func (gs *GameState) LockedBySelf() bool {
	return gs.locked && gs.LockedBy == gs.self
}

// SetChildLocked records whether child n has reported its subtree locked.
func (gs *GameState) SetChildLocked(n *NodeRecord, l bool) {
	gs.childLocks.SetTo(n.idx, l)
}

// ChildLocked reports whether n has reported its subtree locked.
func (gs *GameState) ChildLocked(n *NodeRecord) bool {
	return gs.childLocks.Test(n.idx)
}

// NumChildrenLocked returns how many children have reported their subtree locked.
func (gs *GameState) NumChildrenLocked() int {
	return int(gs.childLocks.Count())
}

// AllChildrenLocked reports whether every child has reported its subtree locked.
func (gs *GameState) AllChildrenLocked() bool {
	return gs.NumChildrenLocked() >= len(gs.children)
}

func (gs *GameState) ResetChildLocks() {
	gs.childLocks.ClearAll()
}

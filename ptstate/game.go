package ptstate

import (
	"math"
	"slices"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/gordian-engine/powertree/ptpower"
	"github.com/gordian-engine/powertree/ptseq"
	"github.com/gordian-engine/powertree/ptwire"
)

// switchPenalty is added to the cost of every candidate connection,
// in watts, so that a switch must save more than 1 dBm worth of power.
var switchPenalty = ptpower.DbmToW(1)

// costTolerance is the band, in watts, within which
// the current connection cost counts as zero.
const costTolerance = 1e-4

// GameState is one node's view of one game.
//
// GameState is not safe for concurrent use.
type GameState struct {
	id        uint64
	self      ptwire.Addr
	initiator bool

	finished   bool
	finishedAt time.Time

	nodes   map[ptwire.Addr]*NodeRecord
	order   []*NodeRecord
	nextIdx uint

	parent, contacted *NodeRecord

	lastParents []*NodeRecord
	children    []*NodeRecord

	highest, secondHighest float64

	blacklist map[ptwire.Addr]ptwire.Addr

	fresh map[ptwire.Addr]*seqTable

	unchanged int

	// Consecutive rejections, compared against twice the neighbor count
	// to detect connection exhaustion.
	Rejections int

	// Set when a parent switch will not change the needed power,
	// so the confirmation should count as an unchanged round.
	DoIncr bool

	// Set when a connection completed while another contact was pending,
	// so a cycle check is still owed to the parent.
	NeedCycleCheck bool

	locked     bool
	childLocks bitset.BitSet

	// Lock holder, or Broadcast when unlocked.
	LockedBy ptwire.Addr

	// The parent asked for a subtree lock while this node was busy.
	ParentWaitingForLock bool
	ParentWaitingOrigin  ptwire.Addr

	// The contacted parent asked for a subtree lock before confirming.
	NewParentWaitingForLock bool
	NewParentWaitingOrigin  ptwire.Addr

	// Source path bookkeeping.
	LastParentUpdate   time.Time
	ParentUnchanged    int
	EmptyPathOnConnect bool
}

// New returns an empty GameState for game id as seen by self.
func New(id uint64, self ptwire.Addr, initiator bool) *GameState {
	return &GameState{
		id:        id,
		self:      self,
		initiator: initiator,

		nodes:     make(map[ptwire.Addr]*NodeRecord),
		blacklist: make(map[ptwire.Addr]ptwire.Addr),
		fresh:     make(map[ptwire.Addr]*seqTable),

		highest:       ptpower.None,
		secondHighest: ptpower.None,

		LockedBy: ptwire.Broadcast,
	}
}

func (gs *GameState) ID() uint64            { return gs.id }
func (gs *GameState) Self() ptwire.Addr     { return gs.self }
func (gs *GameState) IsInitiator() bool     { return gs.initiator }
func (gs *GameState) Finished() bool        { return gs.finished }
func (gs *GameState) FinishedAt() time.Time { return gs.finishedAt }

// Finish marks the game finished locally at the given time.
func (gs *GameState) Finish(now time.Time) {
	gs.finished = true
	gs.finishedAt = now
}

// Fresh reports whether seq is newer than anything previously recorded
// for the (sender, ft) pair. CYCLE_CHECK frames are always fresh.
// A fresh sequence number is recorded.
func (gs *GameState) Fresh(sender ptwire.Addr, ft ptwire.FrameType, seq uint16) bool {
	if ft == ptwire.CycleCheck {
		gs.recordSeq(sender, ft, seq)
		return true
	}
	return gs.FreshStrict(sender, ft, seq)
}

// FreshStrict is like [*GameState.Fresh] without the CYCLE_CHECK exemption.
// The lock and path strategies carry state in CYCLE_CHECK frames
// and must not apply stale ones.
//
// Sequence numbers are compared with [ptseq.Newer],
// so the 16-bit counter may wrap.
func (gs *GameState) FreshStrict(sender ptwire.Addr, ft ptwire.FrameType, seq uint16) bool {
	if last, ok := gs.lastSeq(sender, ft); ok && !ptseq.Newer(seq, last) {
		return false
	}
	gs.recordSeq(sender, ft, seq)
	return true
}

// LastSeq returns the last accepted sequence number
// from sender for frame type ft, or zero.
func (gs *GameState) LastSeq(sender ptwire.Addr, ft ptwire.FrameType) uint16 {
	seq, _ := gs.lastSeq(sender, ft)
	return seq
}

func (gs *GameState) lastSeq(sender ptwire.Addr, ft ptwire.FrameType) (uint16, bool) {
	t := gs.fresh[sender]
	if t == nil || int(ft) >= ptwire.NumFrameTypes || !t.seen[ft] {
		return 0, false
	}
	return t.seq[ft], true
}

// SetLastSeq overwrites the recorded sequence number for (sender, ft).
// The receive path uses it to stamp an implicit revocation
// with the sequence number of the frame that caused it.
func (gs *GameState) SetLastSeq(sender ptwire.Addr, ft ptwire.FrameType, seq uint16) {
	gs.recordSeq(sender, ft, seq)
}

// Superseded reports whether the last ft frame from sender
// is older than the last by frame from the same sender.
func (gs *GameState) Superseded(sender ptwire.Addr, ft, by ptwire.FrameType) bool {
	bySeq, ok := gs.lastSeq(sender, by)
	if !ok {
		return false
	}
	ftSeq, ok := gs.lastSeq(sender, ft)
	return !ok || ptseq.Newer(bySeq, ftSeq)
}

func (gs *GameState) recordSeq(sender ptwire.Addr, ft ptwire.FrameType, seq uint16) {
	if int(ft) >= ptwire.NumFrameTypes {
		return
	}
	t := gs.fresh[sender]
	if t == nil {
		t = new(seqTable)
		gs.fresh[sender] = t
	}
	t.seq[ft] = seq
	t.seen[ft] = true
}

// seqTable holds the last accepted sequence number per frame type.
type seqTable struct {
	seq  [ptwire.NumFrameTypes]uint16
	seen [ptwire.NumFrameTypes]bool
}

// Unchanged returns the number of consecutive rounds without structural change.
func (gs *GameState) Unchanged() int { return gs.unchanged }

// IncrUnchanged counts one more unchanged round.
// Rounds do not count while the node is locked.
func (gs *GameState) IncrUnchanged() {
	if !gs.locked {
		gs.unchanged++
	}
}

func (gs *GameState) ResetUnchanged() { gs.unchanged = 0 }

// Neighbor returns the record for addr, or nil.
func (gs *GameState) Neighbor(addr ptwire.Addr) *NodeRecord {
	return gs.nodes[addr]
}

// AddNeighbor returns the record for addr, creating it if needed.
func (gs *GameState) AddNeighbor(addr ptwire.Addr) *NodeRecord {
	if n, ok := gs.nodes[addr]; ok {
		return n
	}
	n := newNodeRecord(addr, gs.nextIdx)
	gs.nextIdx++
	gs.nodes[addr] = n
	gs.order = append(gs.order, n)
	return n
}

// NumNeighbors returns the size of the neighbor arena.
func (gs *GameState) NumNeighbors() int {
	return len(gs.order)
}

// Neighbors returns the neighbor records in discovery order.
// The slice must not be modified.
func (gs *GameState) Neighbors() []*NodeRecord {
	return gs.order
}

func (gs *GameState) Parent() *NodeRecord    { return gs.parent }
func (gs *GameState) Contacted() *NodeRecord { return gs.contacted }

// SetParent replaces the parent.
// A parent change cancels any pending lock request from the old parent.
func (gs *GameState) SetParent(n *NodeRecord) {
	if n != gs.parent {
		gs.ParentWaitingForLock = false
	}
	gs.parent = n
}

func (gs *GameState) SetContacted(n *NodeRecord) {
	gs.contacted = n
}

// IsParent reports whether n is the current parent.
// A nil n is never the parent.
func (gs *GameState) IsParent(n *NodeRecord) bool {
	return n != nil && n == gs.parent
}

// PushLastParent puts n on top of the fallback stack.
// If n was already on the stack it is moved to the top
// and its connection counter is incremented.
func (gs *GameState) PushLastParent(n *NodeRecord) {
	if i := slices.Index(gs.lastParents, n); i >= 0 {
		n.ConnAttempts++
		gs.lastParents = slices.Delete(gs.lastParents, i, i+1)
	}
	gs.lastParents = append(gs.lastParents, n)
}

// PopLastParent removes and returns the top of the fallback stack,
// resetting its connection counter. It returns nil if the stack is empty.
func (gs *GameState) PopLastParent() *NodeRecord {
	if len(gs.lastParents) == 0 {
		return nil
	}
	n := gs.lastParents[len(gs.lastParents)-1]
	gs.lastParents = gs.lastParents[:len(gs.lastParents)-1]
	n.ConnAttempts = 0
	return n
}

// LastParent returns the top of the fallback stack without popping it.
func (gs *GameState) LastParent() *NodeRecord {
	if len(gs.lastParents) == 0 {
		return nil
	}
	return gs.lastParents[len(gs.lastParents)-1]
}

func (gs *GameState) HasLastParents() bool { return len(gs.lastParents) > 0 }

// ClearLastParents empties the fallback stack
// and resets the connection counters of its members.
func (gs *GameState) ClearLastParents() {
	for _, n := range gs.lastParents {
		n.ConnAttempts = 0
	}
	gs.lastParents = gs.lastParents[:0]
}

// Children returns the child list in attach order.
// The slice must not be modified; callers that remove children
// while iterating should iterate over a clone.
func (gs *GameState) Children() []*NodeRecord {
	return gs.children
}

func (gs *GameState) HasChildren() bool { return len(gs.children) > 0 }
func (gs *GameState) NumChildren() int  { return len(gs.children) }

func (gs *GameState) IsChild(n *NodeRecord) bool {
	return n != nil && slices.Contains(gs.children, n)
}

// AddChild adds n to the child list if absent
// and recomputes the advertised powers.
func (gs *GameState) AddChild(n *NodeRecord) {
	if !gs.IsChild(n) {
		gs.children = append(gs.children, n)
	}
	gs.FindHighest()
}

// RemoveChild removes n from the child list if present
// and recomputes the advertised powers.
// It also drops any lock acknowledgement from n.
func (gs *GameState) RemoveChild(n *NodeRecord) {
	if i := slices.Index(gs.children, n); i >= 0 {
		gs.children = slices.Delete(gs.children, i, i+1)
	}
	gs.childLocks.Clear(n.idx)
	gs.FindHighest()
}

// AllChildrenFinished reports whether every child has finished.
// It is vacuously true without children.
func (gs *GameState) AllChildrenFinished() bool {
	for _, c := range gs.children {
		if !c.Finished {
			return false
		}
	}
	return true
}

// FindHighest recomputes the highest and second highest
// reach power across the children.
// A value equal to the current highest does not become the second highest.
func (gs *GameState) FindHighest() {
	hi, second := ptpower.None, ptpower.None
	for _, c := range gs.children {
		r := c.reach
		if r > hi {
			second = hi
			hi = r
		} else if second < hi && r > second && r < hi {
			second = r
		}
	}
	gs.highest, gs.secondHighest = hi, second
}

// Highest returns the power in dBm needed to reach the most expensive child,
// or [ptpower.None] without children.
func (gs *GameState) Highest() float64 { return gs.highest }

// SecondHighest returns the power needed for the second most expensive child.
func (gs *GameState) SecondHighest() float64 { return gs.secondHighest }

// CostCurrent returns, in watts, how much more the parent transmits
// than it would need to reach this node.
// Zero means this node is one of the parent's most expensive children.
// It is zero without a parent.
func (gs *GameState) CostCurrent() float64 {
	if gs.parent == nil {
		return 0
	}
	return ptpower.DbmToW(gs.parent.Highest) - ptpower.DbmToW(gs.parent.reach)
}

// Saving returns, in watts, what the parent would save
// if this node left it.
func (gs *GameState) Saving() float64 {
	if gs.parent == nil {
		return math.MaxFloat64
	}
	return ptpower.DbmToW(gs.parent.Highest) - ptpower.DbmToW(gs.parent.SecondHighest)
}

// ConnectionCost returns, in watts, the extra power n would have to spend
// to adopt this node as a child.
func ConnectionCost(n *NodeRecord) float64 {
	return ptpower.DbmToW(n.reach) - ptpower.DbmToW(n.Highest)
}

// IsMostExpensiveChild reports whether the current connection cost
// is zero within tolerance.
func (gs *GameState) IsMostExpensiveChild() bool {
	return math.Abs(gs.CostCurrent()) <= costTolerance
}

// Cheapest returns the neighbor that would be cheapest to switch to,
// defaulting to the current parent (which may be nil).
//
// Only a node that is one of its parent's most expensive children
// looks for a cheaper neighbor, since only then does leaving save anything.
// Candidates are skipped if blacklisted, a child, the parent,
// out of reach of maxPower, routing through this node,
// or past maxAttempts connection attempts.
func (gs *GameState) Cheapest(maxPower float64, maxAttempts int) *NodeRecord {
	best := gs.parent
	if !gs.IsMostExpensiveChild() {
		return best
	}

	cost := gs.Saving()
	for _, n := range gs.order {
		switch {
		case gs.IsBlacklisted(n),
			gs.IsChild(n),
			n.reach > maxPower,
			n == gs.parent,
			n.OnPath(gs.self),
			n.ConnAttempts > maxAttempts:
			continue
		}

		c := ConnectionCost(n) + switchPenalty
		if c <= cost {
			best = n
			cost = c
		}
	}
	return best
}

// IsBlacklisted reports whether n, with its currently claimed parent,
// matches a blacklist entry.
// A neighbor that never advertised a parent is never blacklisted.
func (gs *GameState) IsBlacklisted(n *NodeRecord) bool {
	return gs.IsBlacklistedPair(n.addr, n.ClaimedParent)
}

// IsBlacklistedPair is like [*GameState.IsBlacklisted] for a raw address pair.
func (gs *GameState) IsBlacklistedPair(addr, claimedParent ptwire.Addr) bool {
	p, ok := gs.blacklist[addr]
	return ok && p == claimedParent && !claimedParent.IsZero()
}

// Blacklist records n together with its currently claimed parent.
func (gs *GameState) Blacklist(n *NodeRecord) {
	gs.blacklist[n.addr] = n.ClaimedParent
}

// ResetBlacklist clears the blacklist and every neighbor's connection counter.
func (gs *GameState) ResetBlacklist() {
	clear(gs.blacklist)
	for _, n := range gs.order {
		n.ConnAttempts = 0
	}
}

// BlacklistLen returns the number of blacklist entries.
func (gs *GameState) BlacklistLen() int {
	return len(gs.blacklist)
}

// Reap removes neighbors not heard from since now-ttl.
// The parent, the contacted parent and children are never removed.
// It returns the removed addresses in discovery order.
// A non-positive ttl disables reaping.
func (gs *GameState) Reap(now time.Time, ttl time.Duration) []ptwire.Addr {
	if ttl <= 0 {
		return nil
	}
	cutoff := now.Add(-ttl)

	var reaped []ptwire.Addr
	kept := gs.order[:0]
	for _, n := range gs.order {
		if n == gs.parent || n == gs.contacted || gs.IsChild(n) || !n.LastHeard.Before(cutoff) {
			kept = append(kept, n)
			continue
		}

		reaped = append(reaped, n.addr)
		delete(gs.nodes, n.addr)
		delete(gs.blacklist, n.addr)
		delete(gs.fresh, n.addr)
		gs.childLocks.Clear(n.idx)
		if i := slices.Index(gs.lastParents, n); i >= 0 {
			gs.lastParents = slices.Delete(gs.lastParents, i, i+1)
		}
	}
	clear(gs.order[len(kept):])
	gs.order = kept
	return reaped
}

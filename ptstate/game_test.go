package ptstate_test

import (
	"testing"
	"time"

	"github.com/gordian-engine/powertree/ptpower"
	"github.com/gordian-engine/powertree/ptstate"
	"github.com/gordian-engine/powertree/ptwire"
	"github.com/stretchr/testify/require"
)

func addr(n uint64) ptwire.Addr { return ptwire.AddrFromUint64(n) }

func TestGameState_fresh(t *testing.T) {
	t.Parallel()

	gs := ptstate.New(7, addr(1), false)
	s := addr(2)

	require.True(t, gs.Fresh(s, ptwire.NeighborDiscovery, 5))
	require.False(t, gs.Fresh(s, ptwire.NeighborDiscovery, 5))
	require.False(t, gs.Fresh(s, ptwire.NeighborDiscovery, 4))
	require.True(t, gs.Fresh(s, ptwire.NeighborDiscovery, 6))

	// Tracked per frame type and per sender.
	require.True(t, gs.Fresh(s, ptwire.ChildRequest, 3))
	require.True(t, gs.Fresh(addr(3), ptwire.NeighborDiscovery, 1))
	require.Equal(t, uint16(6), gs.LastSeq(s, ptwire.NeighborDiscovery))
	require.Equal(t, uint16(3), gs.LastSeq(s, ptwire.ChildRequest))
	require.Zero(t, gs.LastSeq(s, ptwire.EndOfGame))

	// Cycle checks are always processed.
	require.True(t, gs.Fresh(s, ptwire.CycleCheck, 9))
	require.True(t, gs.Fresh(s, ptwire.CycleCheck, 9))
	require.True(t, gs.Fresh(s, ptwire.CycleCheck, 2))

	// Unless the strict form is used.
	require.False(t, gs.FreshStrict(s, ptwire.CycleCheck, 2))
	require.True(t, gs.FreshStrict(s, ptwire.CycleCheck, 3))
}

func TestGameState_freshAcrossCounterWrap(t *testing.T) {
	t.Parallel()

	gs := ptstate.New(7, addr(1), false)
	s := addr(2)

	require.True(t, gs.FreshStrict(s, ptwire.ChildRequest, 65534))
	require.True(t, gs.FreshStrict(s, ptwire.ChildRequest, 65535))
	require.True(t, gs.FreshStrict(s, ptwire.ChildRequest, 0))
	require.True(t, gs.FreshStrict(s, ptwire.ChildRequest, 1))
	require.False(t, gs.FreshStrict(s, ptwire.ChildRequest, 65535))

	// A late first frame with a high number is still accepted.
	require.True(t, gs.FreshStrict(addr(3), ptwire.ChildRequest, 40000))

	gs.SetLastSeq(s, ptwire.ChildConfirmation, 65535)
	require.True(t, gs.FreshStrict(s, ptwire.ChildRejection, 2))
	require.True(t, gs.Superseded(s, ptwire.ChildConfirmation, ptwire.ChildRejection))
	require.False(t, gs.Superseded(s, ptwire.ChildRejection, ptwire.ChildConfirmation))
}

func TestGameState_childrenDriveAdvertisedPower(t *testing.T) {
	t.Parallel()

	gs := ptstate.New(1, addr(1), true)
	require.Equal(t, ptpower.None, gs.Highest())
	require.Equal(t, ptpower.None, gs.SecondHighest())

	b := gs.AddNeighbor(addr(2))
	b.SetReach(10)
	gs.AddChild(b)
	require.Equal(t, 10.0, gs.Highest())
	require.Equal(t, ptpower.None, gs.SecondHighest())

	c := gs.AddNeighbor(addr(3))
	c.SetReach(15)
	gs.AddChild(c)
	require.Equal(t, 15.0, gs.Highest())
	require.Equal(t, 10.0, gs.SecondHighest())

	// An equal value is not a distinct second highest.
	d := gs.AddNeighbor(addr(4))
	d.SetReach(15)
	gs.AddChild(d)
	require.Equal(t, 15.0, gs.Highest())
	require.Equal(t, 10.0, gs.SecondHighest())

	// Adding twice is a no-op.
	gs.AddChild(d)
	require.Equal(t, 3, gs.NumChildren())

	gs.RemoveChild(c)
	gs.RemoveChild(d)
	require.Equal(t, 10.0, gs.Highest())
	require.Equal(t, []*ptstate.NodeRecord{b}, gs.Children())

	b.Finished = true
	require.True(t, gs.AllChildrenFinished())
	gs.RemoveChild(b)
	require.False(t, gs.HasChildren())
	require.Equal(t, ptpower.None, gs.Highest())
}

func TestGameState_blacklist(t *testing.T) {
	t.Parallel()

	gs := ptstate.New(1, addr(1), false)
	n := gs.AddNeighbor(addr(2))

	// No advertised parent yet: never blacklisted.
	gs.Blacklist(n)
	require.False(t, gs.IsBlacklisted(n))

	n.ClaimedParent = addr(3)
	gs.Blacklist(n)
	require.True(t, gs.IsBlacklisted(n))

	// The entry is tied to the claimed parent.
	n.ClaimedParent = addr(4)
	require.False(t, gs.IsBlacklisted(n))
	require.True(t, gs.IsBlacklistedPair(addr(2), addr(3)))

	n.ConnAttempts = 4
	gs.ResetBlacklist()
	require.Zero(t, gs.BlacklistLen())
	require.Zero(t, n.ConnAttempts)
}

func TestGameState_lastParents(t *testing.T) {
	t.Parallel()

	gs := ptstate.New(1, addr(1), false)
	a := gs.AddNeighbor(addr(2))
	b := gs.AddNeighbor(addr(3))

	require.Nil(t, gs.PopLastParent())

	gs.PushLastParent(a)
	gs.PushLastParent(b)
	require.Equal(t, b, gs.LastParent())

	// Re-pushing moves to the top and counts an attempt.
	gs.PushLastParent(a)
	require.Equal(t, a, gs.LastParent())
	require.Equal(t, 1, a.ConnAttempts)

	require.Equal(t, a, gs.PopLastParent())
	require.Zero(t, a.ConnAttempts)
	require.Equal(t, b, gs.LastParent())

	b.ConnAttempts = 3
	gs.ClearLastParents()
	require.False(t, gs.HasLastParents())
	require.Zero(t, b.ConnAttempts)
}

func TestGameState_unchangedPausedWhileLocked(t *testing.T) {
	t.Parallel()

	gs := ptstate.New(1, addr(1), false)
	gs.IncrUnchanged()
	require.Equal(t, 1, gs.Unchanged())

	gs.SetLocked(true)
	gs.IncrUnchanged()
	require.Equal(t, 1, gs.Unchanged())

	gs.SetLocked(false)
	gs.IncrUnchanged()
	require.Equal(t, 2, gs.Unchanged())

	gs.ResetUnchanged()
	require.Zero(t, gs.Unchanged())
}

func TestGameState_setParentClearsWaitingLock(t *testing.T) {
	t.Parallel()

	gs := ptstate.New(1, addr(1), false)
	p := gs.AddNeighbor(addr(2))

	gs.SetParent(p)
	gs.ParentWaitingForLock = true

	gs.SetParent(p)
	require.True(t, gs.ParentWaitingForLock)

	gs.SetParent(nil)
	require.False(t, gs.ParentWaitingForLock)
}

func TestGameState_cheapest(t *testing.T) {
	t.Parallel()

	const maxPower = 20.0

	t.Run("without parent", func(t *testing.T) {
		t.Parallel()

		gs := ptstate.New(1, addr(1), false)
		require.Nil(t, gs.Cheapest(maxPower, 5))

		far := gs.AddNeighbor(addr(2))
		far.SetReach(10)
		near := gs.AddNeighbor(addr(3))
		near.SetReach(5)
		tooFar := gs.AddNeighbor(addr(4))
		tooFar.SetReach(25)

		require.Equal(t, near, gs.Cheapest(maxPower, 5))

		near.ClaimedParent = addr(9)
		gs.Blacklist(near)
		require.Equal(t, far, gs.Cheapest(maxPower, 5))

		far.ConnAttempts = 6
		require.Nil(t, gs.Cheapest(maxPower, 5))

		far.ConnAttempts = 0
		far.SetPath([]ptwire.Addr{addr(1), addr(2)})
		require.Nil(t, gs.Cheapest(maxPower, 5), "neighbor routing through us is skipped")
	})

	t.Run("not the most expensive child", func(t *testing.T) {
		t.Parallel()

		gs := ptstate.New(1, addr(1), false)
		p := gs.AddNeighbor(addr(2))
		p.SetReach(5)
		p.Highest = 15
		gs.SetParent(p)

		cand := gs.AddNeighbor(addr(3))
		cand.SetReach(1)

		require.Greater(t, gs.CostCurrent(), 1e-4)
		require.Equal(t, p, gs.Cheapest(maxPower, 5))
	})

	t.Run("switch must beat the saving", func(t *testing.T) {
		t.Parallel()

		gs := ptstate.New(1, addr(1), false)
		p := gs.AddNeighbor(addr(2))
		p.SetReach(15)
		p.Highest = 15
		p.SecondHighest = 14
		gs.SetParent(p)
		require.True(t, gs.IsMostExpensiveChild())

		// Saving is W(15)-W(14), about 6.5mW.
		// Reaching this candidate costs about W(10)-W(0)+W(1), about 10.3mW.
		expensive := gs.AddNeighbor(addr(3))
		expensive.SetReach(10)
		require.Equal(t, p, gs.Cheapest(maxPower, 5))

		// This one costs about W(3)-W(0)+W(1), about 2.3mW.
		cheap := gs.AddNeighbor(addr(4))
		cheap.SetReach(3)
		require.Equal(t, cheap, gs.Cheapest(maxPower, 5))
	})
}

func TestGameState_costs(t *testing.T) {
	t.Parallel()

	gs := ptstate.New(1, addr(1), false)
	require.Zero(t, gs.CostCurrent())

	p := gs.AddNeighbor(addr(2))
	p.SetReach(10)
	p.Highest = 13
	gs.SetParent(p)

	require.InDelta(t, ptpower.DbmToW(13)-ptpower.DbmToW(10), gs.CostCurrent(), 1e-12)
	require.False(t, gs.IsMostExpensiveChild())

	n := gs.AddNeighbor(addr(3))
	n.SetReach(8)
	n.Highest = 8
	require.InDelta(t, 0, ptstate.ConnectionCost(n), 1e-12)
}

func TestGameState_childLocks(t *testing.T) {
	t.Parallel()

	self := addr(1)
	gs := ptstate.New(1, self, false)
	a := gs.AddNeighbor(addr(2))
	b := gs.AddNeighbor(addr(3))
	gs.AddChild(a)
	gs.AddChild(b)

	require.False(t, gs.AllChildrenLocked())

	gs.SetChildLocked(a, true)
	gs.SetChildLocked(a, true)
	require.Equal(t, 1, gs.NumChildrenLocked())
	require.True(t, gs.ChildLocked(a))
	require.False(t, gs.ChildLocked(b))

	gs.SetChildLocked(b, true)
	require.True(t, gs.AllChildrenLocked())

	gs.RemoveChild(b)
	require.Equal(t, 1, gs.NumChildrenLocked())
	require.True(t, gs.AllChildrenLocked())

	gs.ResetChildLocks()
	require.Zero(t, gs.NumChildrenLocked())

	gs.SetLocked(true)
	gs.LockedBy = self
	require.True(t, gs.LockedBySelf())
	require.False(t, gs.LockedByOther())

	gs.LockedBy = addr(9)
	require.True(t, gs.LockedByOther())
}

func TestGameState_reap(t *testing.T) {
	t.Parallel()

	start := time.Unix(1000, 0)
	gs := ptstate.New(1, addr(1), false)

	parent := gs.AddNeighbor(addr(2))
	child := gs.AddNeighbor(addr(3))
	contacted := gs.AddNeighbor(addr(4))
	silent := gs.AddNeighbor(addr(5))
	recent := gs.AddNeighbor(addr(6))
	for _, n := range gs.Neighbors() {
		n.LastHeard = start
	}
	recent.LastHeard = start.Add(50 * time.Second)

	gs.SetParent(parent)
	gs.AddChild(child)
	gs.SetContacted(contacted)
	gs.PushLastParent(silent)
	silent.ClaimedParent = addr(7)
	gs.Blacklist(silent)
	require.True(t, gs.Fresh(silent.Addr(), ptwire.NeighborDiscovery, 10))

	require.Nil(t, gs.Reap(start.Add(time.Hour), 0), "zero TTL disables reaping")

	reaped := gs.Reap(start.Add(time.Minute), 30*time.Second)
	require.Equal(t, []ptwire.Addr{addr(5)}, reaped)

	require.Nil(t, gs.Neighbor(addr(5)))
	require.Equal(t, 4, gs.NumNeighbors())
	require.False(t, gs.HasLastParents())
	require.Zero(t, gs.BlacklistLen())
	require.Zero(t, gs.LastSeq(addr(5), ptwire.NeighborDiscovery))

	// A reaped neighbor comes back as a fresh record.
	back := gs.AddNeighbor(addr(5))
	require.NotSame(t, silent, back)
	require.Equal(t, float64(ptpower.Unreachable), back.Reach())
}

func TestGameState_Superseded(t *testing.T) {
	t.Parallel()

	gs := ptstate.New(7, addr(1), false)
	s := addr(2)

	require.False(t, gs.Superseded(s, ptwire.ChildConfirmation, ptwire.ChildRejection))

	require.True(t, gs.Fresh(s, ptwire.ChildConfirmation, 4))
	require.True(t, gs.Fresh(s, ptwire.ChildRejection, 5))
	require.True(t, gs.Superseded(s, ptwire.ChildConfirmation, ptwire.ChildRejection))
	require.False(t, gs.Superseded(s, ptwire.ChildRejection, ptwire.ChildConfirmation))

	// Another sender's frames do not count.
	require.False(t, gs.Superseded(addr(3), ptwire.ChildConfirmation, ptwire.ChildRejection))

	gs.SetLastSeq(s, ptwire.ChildConfirmation, 9)
	require.Equal(t, uint16(9), gs.LastSeq(s, ptwire.ChildConfirmation))
	require.False(t, gs.Superseded(s, ptwire.ChildConfirmation, ptwire.ChildRejection))
}

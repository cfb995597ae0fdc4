package ptproto_test

import (
	"testing"

	"github.com/gordian-engine/powertree/ptproto"
	"github.com/gordian-engine/powertree/ptwire"
	"github.com/stretchr/testify/require"
)

func pathConfig() ptproto.Config {
	cfg := ptproto.DefaultConfig()
	cfg.Strategy = ptproto.StrategySourcePath
	return cfg
}

func withPath(ft ptwire.FrameType, path ...ptwire.Addr) ptwire.Header {
	h := hdr(ft)
	h.Path = path
	return h
}

func TestSourcePath_joinStampsPath(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, pathConfig())
	root, x := addr(1), addr(3)

	f.deliver(t, x, withPath(ptwire.NeighborDiscovery, root, x), 10)
	cr := f.Link.last()
	require.Equal(t, ptwire.ChildRequest, cr.H.Type)
	require.Equal(t, x, cr.Dst)

	conf := withPath(ptwire.ChildConfirmation, root, x)
	conf.Highest = 10
	f.deliver(t, x, conf, 10)

	s := f.snapshot(t)
	require.Equal(t, x, s.Parent)
	require.Equal(t, []ptwire.Addr{root, x}, s.ParentPath)

	nd := f.Link.last()
	require.Equal(t, ptwire.NeighborDiscovery, nd.H.Type)
	require.Equal(t, []ptwire.Addr{root, x, addr(2)}, nd.H.Path)
}

func TestSourcePath_initiatorPathIsItself(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, pathConfig())
	require.NoError(t, f.E.StartGame(gameID))

	nd := f.Link.last()
	require.Equal(t, []ptwire.Addr{addr(1)}, nd.H.Path)
}

func TestSourcePath_neverContactsDescendant(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, pathConfig())
	root := addr(1)

	// Reaching the root through us.
	f.deliver(t, addr(4), withPath(ptwire.NeighborDiscovery, root, addr(2), addr(4)), 5)
	require.Empty(t, f.Link.ofType(ptwire.ChildRequest))

	f.deliver(t, addr(5), withPath(ptwire.NeighborDiscovery, root, addr(5)), 12)
	crs := f.Link.ofType(ptwire.ChildRequest)
	require.Len(t, crs, 1)
	require.Equal(t, addr(5), crs[0].Dst)
}

func TestSourcePath_rejectsAncestor(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, pathConfig())
	root, x := addr(1), addr(3)

	f.deliver(t, x, withPath(ptwire.NeighborDiscovery, root, x), 10)
	conf := withPath(ptwire.ChildConfirmation, root, x)
	conf.Highest = 10
	f.deliver(t, x, conf, 10)

	f.deliver(t, root, hdr(ptwire.ChildRequest), 9)
	rej := f.Link.last()
	require.Equal(t, ptwire.ChildRejection, rej.H.Type)
	require.Equal(t, root, rej.Dst)
	require.Empty(t, f.snapshot(t).Children)
}

func TestSourcePath_leavesParentWhosePathLoops(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, pathConfig())
	root, x := addr(1), addr(3)

	f.deliver(t, x, withPath(ptwire.NeighborDiscovery, root, x), 10)
	conf := withPath(ptwire.ChildConfirmation, root, x)
	conf.Highest = 10
	f.deliver(t, x, conf, 10)
	require.Equal(t, x, f.snapshot(t).Parent)

	// The parent has since attached below us.
	nd := withPath(ptwire.NeighborDiscovery, addr(4), addr(2), x)
	nd.ClaimedParent = addr(2)
	nd.Highest = 10
	f.deliver(t, x, nd, 10)

	require.Equal(t, 1, f.Rec.CyclesRepaired)
	s := f.snapshot(t)
	require.Equal(t, ptwire.Broadcast, s.Parent)
	require.Equal(t, ptwire.Broadcast, s.Contacted)

	revs := f.Link.ofType(ptwire.ParentRevocation)
	require.Len(t, revs, 1)
	require.Equal(t, x, revs[0].Dst)
}

func TestSourcePath_refreshesParentPath(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, pathConfig())
	root, x := addr(1), addr(3)

	f.deliver(t, x, withPath(ptwire.NeighborDiscovery, root, x), 10)
	conf := withPath(ptwire.ChildConfirmation, root, x)
	conf.Highest = 10
	f.deliver(t, x, conf, 10)
	require.Equal(t, x, f.snapshot(t).Parent)
	joinedAt := f.Clock.Now()

	before := len(f.Link.ofType(ptwire.CycleCheck))
	for i := 0; len(f.Link.ofType(ptwire.CycleCheck)) == before; i++ {
		require.Less(t, i, 50, "no cycle check after %d timer callbacks", i)
		require.True(t, f.Clock.Step())
	}

	ccs := f.Link.ofType(ptwire.CycleCheck)
	require.Equal(t, x, ccs[len(ccs)-1].Dst)
	require.False(t, f.Clock.Now().Before(joinedAt.Add(150*f.Cfg.AckTimeout)))
}

package ptsim_test

import (
	"testing"
	"time"

	"github.com/gordian-engine/powertree/ptsim"
	"github.com/gordian-engine/powertree/ptwire"
	"github.com/stretchr/testify/require"
)

func TestWatchdog_tracksCycleLifetime(t *testing.T) {
	t.Parallel()

	a, b, c, d := ptwire.AddrFromUint64(1), ptwire.AddrFromUint64(2),
		ptwire.AddrFromUint64(3), ptwire.AddrFromUint64(4)
	t0 := time.Unix(100, 0)

	w := ptsim.NewWatchdog()

	// d hangs off a three-node loop.
	w.Observe(t0, map[ptwire.Addr]ptwire.Addr{a: b, b: c, c: a, d: a})
	require.Equal(t, 1, w.Active())

	cs := w.Cycles()
	require.Len(t, cs, 1)
	require.Equal(t, []ptwire.Addr{a, b, c}, cs[0].Members)
	require.Equal(t, t0, cs[0].FirstSeen)
	require.True(t, cs[0].ResolvedAt.IsZero())

	// Still there: not a new occurrence.
	w.Observe(t0.Add(time.Second), map[ptwire.Addr]ptwire.Addr{b: c, c: a, a: b})
	require.Len(t, w.Cycles(), 1)

	t2 := t0.Add(2 * time.Second)
	w.Observe(t2, map[ptwire.Addr]ptwire.Addr{b: a, c: a})
	require.Zero(t, w.Active())
	cs = w.Cycles()
	require.Equal(t, t2, cs[0].ResolvedAt)

	// The same loop again counts as a second occurrence of one unique cycle.
	w.Observe(t2.Add(time.Second), map[ptwire.Addr]ptwire.Addr{a: c, c: b, b: a})
	require.Equal(t, 1, w.Active())
	require.Len(t, w.Cycles(), 2)
	require.Equal(t, 1, w.Unique())
	require.Empty(t, w.SelfParents())
}

func TestWatchdog_treeHasNoCycles(t *testing.T) {
	t.Parallel()

	w := ptsim.NewWatchdog()
	root := ptwire.AddrFromUint64(1)
	parents := map[ptwire.Addr]ptwire.Addr{}
	for i := uint64(2); i <= 10; i++ {
		parents[ptwire.AddrFromUint64(i)] = ptwire.AddrFromUint64(i / 2)
	}
	parents[ptwire.AddrFromUint64(3)] = root

	w.Observe(time.Unix(0, 0), parents)
	require.Zero(t, w.Active())
	require.Empty(t, w.Cycles())
}

func TestWatchdog_selfParent(t *testing.T) {
	t.Parallel()

	a := ptwire.AddrFromUint64(1)
	w := ptsim.NewWatchdog()
	w.Observe(time.Unix(0, 0), map[ptwire.Addr]ptwire.Addr{a: a})

	require.Equal(t, []ptwire.Addr{a}, w.SelfParents())
	require.Equal(t, 1, w.Active())
	require.Equal(t, []ptwire.Addr{a}, w.Cycles()[0].Members)
}

func TestWatchdog_disjointCycles(t *testing.T) {
	t.Parallel()

	n := func(i uint64) ptwire.Addr { return ptwire.AddrFromUint64(i) }
	w := ptsim.NewWatchdog()
	w.Observe(time.Unix(0, 0), map[ptwire.Addr]ptwire.Addr{
		n(1): n(2), n(2): n(1),
		n(3): n(4), n(4): n(5), n(5): n(3),
		n(6): n(3),
	})
	require.Equal(t, 2, w.Active())
	require.Equal(t, 2, w.Unique())
}

package ptproto_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/gordian-engine/powertree/internal/pttest"
	"github.com/gordian-engine/powertree/ptclock"
	"github.com/gordian-engine/powertree/ptproto"
	"github.com/gordian-engine/powertree/ptsim"
	"github.com/gordian-engine/powertree/ptwire"
	"github.com/stretchr/testify/require"
)

const gameID = 42

const noise = -95.0

var none32 = float32(math.Inf(-1))

func addr(n uint64) ptwire.Addr { return ptwire.AddrFromUint64(n) }

type sentFrame struct {
	H     ptwire.Header
	Dst   ptwire.Addr
	Power float64
}

// fakeLink decodes and records every transmitted frame.
type fakeLink struct {
	v      ptwire.Variant
	frames []sentFrame
}

func (l *fakeLink) Transmit(frame []byte, dst ptwire.Addr, txPower float64) {
	h, _, err := ptwire.Decode(frame, l.v)
	if err != nil {
		panic(err)
	}
	l.frames = append(l.frames, sentFrame{H: h, Dst: dst, Power: txPower})
}

func (l *fakeLink) ofType(ft ptwire.FrameType) []sentFrame {
	var out []sentFrame
	for _, f := range l.frames {
		if f.H.Type == ft {
			out = append(out, f)
		}
	}
	return out
}

func (l *fakeLink) last() sentFrame {
	return l.frames[len(l.frames)-1]
}

type fixture struct {
	E     *ptproto.Engine
	Link  *fakeLink
	Clock *ptclock.Manual
	Rec   *ptsim.Recorder
	Cfg   ptproto.Config

	v    ptwire.Variant
	seqs map[ptwire.Addr]uint16
}

func newFixture(t *testing.T, self uint64, cfg ptproto.Config) *fixture {
	t.Helper()

	f := &fixture{
		Link:  &fakeLink{v: cfg.Strategy.Variant()},
		Clock: ptclock.NewManual(time.Unix(0, 0)),
		Rec:   ptsim.NewRecorder(),
		Cfg:   cfg,

		v:    cfg.Strategy.Variant(),
		seqs: make(map[ptwire.Addr]uint16),
	}

	e, err := ptproto.NewEngine(pttest.NewLogger(t), ptproto.EngineConfig{
		Config:   cfg,
		Self:     addr(self),
		Link:     f.Link,
		Clock:    f.Clock,
		Observer: f.Rec,
	})
	require.NoError(t, err)
	f.E = e
	return f
}

// hdr returns a header of type ft from a sender without parent or children.
func hdr(ft ptwire.FrameType) ptwire.Header {
	return ptwire.Header{
		Type:          ft,
		ClaimedParent: ptwire.Broadcast,
		Highest:       none32,
		SecondHighest: none32,
	}
}

// deliver hands h from src to the engine with a signal level
// that makes src reachable at exactly reach dBm.
// A zero h.Seq is replaced with the next sequence number for src.
func (f *fixture) deliver(t *testing.T, src ptwire.Addr, h ptwire.Header, reach float64) {
	t.Helper()

	if h.Seq == 0 {
		f.seqs[src]++
		h.Seq = f.seqs[src]
	} else if h.Seq > f.seqs[src] {
		f.seqs[src] = h.Seq
	}
	h.GameID = gameID
	if h.TxPower == 0 {
		h.TxPower = float32(f.Cfg.MaxTxPower)
	}

	minSNR := f.Cfg.Modulation.MinSNR()
	snr := float64(h.TxPower) - (reach - 5) + minSNR

	dst := f.E.Self()
	if h.Type == ptwire.NeighborDiscovery {
		dst = ptwire.Broadcast
	}
	require.NoError(t, f.E.HandleFrame(src, dst, h.Encode(f.v), ptproto.RxInfo{
		Signal: noise + snr,
		Noise:  noise,
	}))
}

func (f *fixture) snapshot(t *testing.T) ptproto.GameSnapshot {
	t.Helper()
	s, ok := f.E.Snapshot(gameID)
	require.True(t, ok)
	return s
}

// join makes parent the engine's parent at the given reach.
func (f *fixture) join(t *testing.T, parent ptwire.Addr, reach float64) {
	t.Helper()

	f.deliver(t, parent, hdr(ptwire.NeighborDiscovery), reach)
	cr := f.Link.last()
	require.Equal(t, ptwire.ChildRequest, cr.H.Type)
	require.Equal(t, parent, cr.Dst)

	conf := hdr(ptwire.ChildConfirmation)
	conf.Highest = float32(reach)
	f.deliver(t, parent, conf, reach)
	require.Equal(t, parent, f.snapshot(t).Parent)
}

func TestNewEngine_validation(t *testing.T) {
	t.Parallel()

	log := pttest.NewLogger(t)
	clock := ptclock.NewManual(time.Unix(0, 0))

	_, err := ptproto.NewEngine(log, ptproto.EngineConfig{
		Config: ptproto.DefaultConfig(),
		Self:   addr(1),
		Clock:  clock,
	})
	require.Error(t, err)

	_, err = ptproto.NewEngine(log, ptproto.EngineConfig{
		Config: ptproto.DefaultConfig(),
		Self:   ptwire.Broadcast,
		Link:   &fakeLink{},
		Clock:  clock,
	})
	require.Error(t, err)

	bad := ptproto.DefaultConfig()
	bad.RetryCeiling = 0
	_, err = ptproto.NewEngine(log, ptproto.EngineConfig{
		Config: bad,
		Self:   addr(1),
		Link:   &fakeLink{},
		Clock:  clock,
	})
	require.ErrorContains(t, err, "RetryCeiling")
}

func TestEngine_StartGame(t *testing.T) {
	t.Parallel()

	cfg := ptproto.DefaultConfig()
	f := newFixture(t, 1, cfg)

	require.NoError(t, f.E.StartGame(gameID))
	require.Len(t, f.Link.frames, 1)

	nd := f.Link.last()
	require.Equal(t, ptwire.NeighborDiscovery, nd.H.Type)
	require.Equal(t, ptwire.Broadcast, nd.Dst)
	require.Equal(t, cfg.MaxTxPower, nd.Power)
	require.Equal(t, uint64(gameID), nd.H.GameID)

	require.Error(t, f.E.StartGame(gameID))
	require.Error(t, f.E.StartGame(ptwire.MaxGameID+1))

	s := f.snapshot(t)
	require.True(t, s.Initiator)
	require.Equal(t, ptwire.Broadcast, s.Parent)

	// Discovery repeats on its own.
	f.Clock.Advance(2000 * cfg.SlotTime)
	require.Len(t, f.Link.ofType(ptwire.NeighborDiscovery), 2)
}

func TestEngine_joinsFirstDiscoveredNode(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, ptproto.DefaultConfig())
	a := addr(1)

	f.deliver(t, a, hdr(ptwire.NeighborDiscovery), 10)

	cr := f.Link.last()
	require.Equal(t, ptwire.ChildRequest, cr.H.Type)
	require.Equal(t, a, cr.Dst)
	require.InDelta(t, 10, cr.Power, 1e-9)
	require.Equal(t, a, f.snapshot(t).Contacted)

	conf := hdr(ptwire.ChildConfirmation)
	conf.Highest = 10
	f.deliver(t, a, conf, 10)

	s := f.snapshot(t)
	require.Equal(t, a, s.Parent)
	require.Equal(t, ptwire.Broadcast, s.Contacted)
	require.Equal(t, 1, f.Rec.ParentChanges)

	// The new member announces itself, advertising the parent.
	nd := f.Link.last()
	require.Equal(t, ptwire.NeighborDiscovery, nd.H.Type)
	require.Equal(t, a, nd.H.ClaimedParent)
}

func TestEngine_atMostOneOutstandingRequest(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, ptproto.DefaultConfig())

	f.deliver(t, addr(1), hdr(ptwire.NeighborDiscovery), 10)
	f.deliver(t, addr(3), hdr(ptwire.NeighborDiscovery), 5)

	crs := f.Link.ofType(ptwire.ChildRequest)
	require.Len(t, crs, 1)
	require.Equal(t, addr(1), crs[0].Dst)
}

func TestEngine_duplicateFrameDropped(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, ptproto.DefaultConfig())

	nd := hdr(ptwire.NeighborDiscovery)
	nd.Seq = 7
	f.deliver(t, addr(1), nd, 10)
	f.deliver(t, addr(1), nd, 10)

	require.Equal(t, 1, f.Rec.Dropped)
	require.Equal(t, 1, f.Rec.Received)
	require.Len(t, f.Link.ofType(ptwire.ChildRequest), 1)
}

func TestEngine_malformedFrame(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, ptproto.DefaultConfig())

	err := f.E.HandleFrame(addr(1), addr(2), []byte{1, 2, 3}, ptproto.RxInfo{Signal: -50, Noise: noise})
	var te ptwire.TruncatedError
	require.True(t, errors.As(err, &te))
	require.Equal(t, 1, f.Rec.Dropped)
	require.Empty(t, f.E.Games())
}

func TestEngine_rejectionOlderThanConfirmationIgnored(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, ptproto.DefaultConfig())
	a := addr(1)

	nd := hdr(ptwire.NeighborDiscovery)
	nd.Seq = 10
	f.deliver(t, a, nd, 10)

	conf := hdr(ptwire.ChildConfirmation)
	conf.Seq = 12
	conf.Highest = 10
	f.deliver(t, a, conf, 10)
	require.Equal(t, a, f.snapshot(t).Parent)

	// Sent before the confirmation, delivered after it.
	rej := hdr(ptwire.ChildRejection)
	rej.Seq = 11
	f.deliver(t, a, rej, 10)
	require.Equal(t, a, f.snapshot(t).Parent)

	// A newer rejection does take effect.
	rej.Seq = 13
	f.deliver(t, a, rej, 10)
	require.Equal(t, ptwire.Broadcast, f.snapshot(t).Parent)
}

func TestEngine_lostRequestRetransmittedWithMorePower(t *testing.T) {
	t.Parallel()

	cfg := ptproto.DefaultConfig()
	f := newFixture(t, 2, cfg)

	f.deliver(t, addr(1), hdr(ptwire.NeighborDiscovery), 10)
	cr := f.Link.last()
	require.Equal(t, ptwire.ChildRequest, cr.H.Type)
	require.Equal(t, 1, f.E.PendingRetries())

	f.E.LinkLost(cr.H.Seq)
	f.Clock.Advance(100 * cfg.AckTimeout)

	re := f.Link.last()
	require.Equal(t, ptwire.ChildRequest, re.H.Type)
	require.Equal(t, cr.H.Seq, re.H.Seq)
	require.InDelta(t, 11, re.Power, 1e-9)
	require.Equal(t, 1, f.Rec.Retransmitted)

	// Acknowledged: nothing more to do.
	f.E.LinkAcked(cr.H.Seq)
	f.Clock.Advance(100 * cfg.AckTimeout)
	require.Zero(t, f.E.PendingRetries())
	require.Equal(t, 1, f.Rec.Retransmitted)
}

func TestEngine_unansweredRequestAtMaxPowerCountsAsRejection(t *testing.T) {
	t.Parallel()

	cfg := ptproto.DefaultConfig()
	f := newFixture(t, 2, cfg)

	f.deliver(t, addr(1), hdr(ptwire.NeighborDiscovery), cfg.MaxTxPower)
	cr := f.Link.last()
	require.Equal(t, ptwire.ChildRequest, cr.H.Type)
	require.Equal(t, cfg.MaxTxPower, cr.Power)

	// No link report ever arrives.
	// Each abandoned request is an implicit rejection,
	// and the node retries until it has been rejected
	// more than twice per neighbor.
	f.Clock.Run(10_000)

	require.Equal(t, 4, f.Rec.Abandoned)
	require.Equal(t, 4, len(f.Link.ofType(ptwire.ChildRequest)))
	require.Equal(t, 1, f.Rec.Exhaustions)

	s := f.snapshot(t)
	require.Equal(t, ptwire.Broadcast, s.Contacted)
	require.Equal(t, ptwire.Broadcast, s.Parent)
	require.Equal(t, 3, s.Rejections)
	require.Zero(t, f.E.PendingRetries())
}

func TestEngine_detachedNodeRejectsRequests(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, ptproto.DefaultConfig())
	c := addr(3)

	f.deliver(t, c, hdr(ptwire.ChildRequest), 10)

	rejs := f.Link.ofType(ptwire.ChildRejection)
	require.Len(t, rejs, 1)
	require.Equal(t, c, rejs[0].Dst)
	require.Empty(t, f.snapshot(t).Children)
}

func TestEngine_acceptsChildAndAdvertisesReach(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, ptproto.DefaultConfig())
	require.NoError(t, f.E.StartGame(gameID))

	f.deliver(t, addr(2), hdr(ptwire.ChildRequest), 10)
	f.deliver(t, addr(3), hdr(ptwire.ChildRequest), 14)

	confs := f.Link.ofType(ptwire.ChildConfirmation)
	require.Len(t, confs, 2)
	require.InDelta(t, 14, confs[1].Power, 1e-9)

	s := f.snapshot(t)
	require.ElementsMatch(t, []ptwire.Addr{addr(2), addr(3)}, s.Children)
	require.InDelta(t, 14, s.Highest, 1e-9)
	require.InDelta(t, 10, s.SecondHighest, 1e-9)

	// A revocation removes the child and lowers the advertised power.
	f.deliver(t, addr(3), hdr(ptwire.ParentRevocation), 14)
	s = f.snapshot(t)
	require.Equal(t, []ptwire.Addr{addr(2)}, s.Children)
	require.InDelta(t, 10, s.Highest, 1e-9)
}

func TestEngine_switchesToCheaperParent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3, ptproto.DefaultConfig())
	a, b := addr(1), addr(2)

	// Joined a at full power; a's other child needs 15 dBm.
	f.deliver(t, a, hdr(ptwire.NeighborDiscovery), 23)
	conf := hdr(ptwire.ChildConfirmation)
	conf.Highest, conf.SecondHighest = 23, 15
	f.deliver(t, a, conf, 23)
	require.Equal(t, a, f.snapshot(t).Parent)

	// b is attached to a and reachable for 15 dBm.
	nd := hdr(ptwire.NeighborDiscovery)
	nd.ClaimedParent = a
	f.deliver(t, b, nd, 15)

	require.Equal(t, b, f.snapshot(t).Contacted)
	revs := f.Link.ofType(ptwire.ParentRevocation)
	require.Len(t, revs, 1)
	require.Equal(t, a, revs[0].Dst)
	require.Equal(t, b, f.Link.last().Dst)
	require.Equal(t, ptwire.ChildRequest, f.Link.last().H.Type)
}

func TestEngine_asyncRelaysAndRepairsCycles(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2, ptproto.DefaultConfig())
	self, x, c := addr(2), addr(3), addr(4)

	f.join(t, x, 10)
	f.deliver(t, c, hdr(ptwire.ChildRequest), 12)
	require.Equal(t, []ptwire.Addr{c}, f.snapshot(t).Children)

	// A check from a child is relayed unchanged toward the parent.
	cc := hdr(ptwire.CycleCheck)
	cc.Originator, cc.NewParent, cc.OldParent = c, self, addr(9)
	f.deliver(t, c, cc, 12)
	relayed := f.Link.last()
	require.Equal(t, ptwire.CycleCheck, relayed.H.Type)
	require.Equal(t, x, relayed.Dst)
	require.Equal(t, c, relayed.H.Originator)
	require.Equal(t, self, relayed.H.NewParent)

	// Our own check coming back means the parent is below us.
	cc = hdr(ptwire.CycleCheck)
	cc.Originator, cc.NewParent, cc.OldParent = self, x, x
	f.deliver(t, x, cc, 10)

	require.Equal(t, 1, f.Rec.CyclesRepaired)
	revs := f.Link.ofType(ptwire.ParentRevocation)
	require.Len(t, revs, 1)
	require.Equal(t, x, revs[0].Dst)

	rejs := f.Link.ofType(ptwire.ChildRejection)
	require.Len(t, rejs, 1)
	require.Equal(t, c, rejs[0].Dst)

	s := f.snapshot(t)
	require.Equal(t, ptwire.Broadcast, s.Parent)
	require.Empty(t, s.Children)
}

func TestEngine_removedGameIgnoresTimers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1, ptproto.DefaultConfig())
	require.NoError(t, f.E.StartGame(gameID))
	n := len(f.Link.frames)

	f.E.RemoveGame(gameID)
	f.Clock.Run(100)

	require.Len(t, f.Link.frames, n)
	_, ok := f.E.Snapshot(gameID)
	require.False(t, ok)
}

func TestEngine_requestAbandonedBelowMaxPowerReleasesContact(t *testing.T) {
	t.Parallel()

	cfg := ptproto.DefaultConfig()
	f := newFixture(t, 2, cfg)

	f.deliver(t, addr(1), hdr(ptwire.NeighborDiscovery), 0)
	cr := f.Link.last()
	require.Equal(t, ptwire.ChildRequest, cr.H.Type)
	require.InDelta(t, 0, cr.Power, 1e-9)

	// Retransmissions run out before the power reaches the maximum.
	f.Clock.Run(10_000)

	crs := f.Link.ofType(ptwire.ChildRequest)
	require.NotEmpty(t, crs)
	for _, c := range crs {
		require.Less(t, c.Power, cfg.MaxTxPower)
	}
	require.Positive(t, f.Rec.Abandoned)

	s := f.snapshot(t)
	require.Equal(t, ptwire.Broadcast, s.Contacted)
	require.Zero(t, f.E.PendingRetries())

	// Discovery resumes.
	f.deliver(t, addr(3), hdr(ptwire.NeighborDiscovery), 10)
	last := f.Link.last()
	require.Equal(t, ptwire.ChildRequest, last.H.Type)
	require.Equal(t, addr(3), last.Dst)
	require.Equal(t, addr(3), f.snapshot(t).Contacted)
}

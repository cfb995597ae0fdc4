package ptquic_test

import (
	"context"
	"testing"
	"time"

	"github.com/gordian-engine/powertree/dquic"
	"github.com/gordian-engine/powertree/dquic/dquictest"
	"github.com/gordian-engine/powertree/internal/pttest"
	"github.com/gordian-engine/powertree/ptpubsub"
	"github.com/gordian-engine/powertree/ptquic"
	"github.com/gordian-engine/powertree/ptwire"
	"github.com/stretchr/testify/require"
)

var (
	addrA = ptwire.AddrFromUint64(1)
	addrB = ptwire.AddrFromUint64(2)
)

func frame(ft ptwire.FrameType, seq uint16) []byte {
	return ptwire.Header{Type: ft, GameID: 1, Seq: seq, TxPower: 10}.Encode(ptwire.VariantBase)
}

type linkEnd struct {
	L *ptquic.Link
	S *ptpubsub.Stream[ptquic.Event]
}

func (e *linkEnd) next(t *testing.T) ptquic.Event {
	t.Helper()
	pttest.ReceiveSoon(t, e.S.Ready)
	ev := e.S.Val
	e.S = e.S.Next
	return ev
}

func (e *linkEnd) quiet(t *testing.T) {
	t.Helper()
	pttest.NotSending(t, e.S.Ready)
}

func newEnd(t *testing.T, ctx context.Context, self ptwire.Addr, cfg ptquic.LinkConfig) *linkEnd {
	t.Helper()

	cfg.Self = self
	if cfg.Signal == nil {
		cfg.Signal = ptquic.ConstantLoss(80)
	}
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = 50 * time.Millisecond
	}
	l, err := ptquic.NewLink(ctx, pttest.NewLogger(t), cfg)
	require.NoError(t, err)
	return &linkEnd{L: l, S: l.Events()}
}

// connect links a and b with an in-memory pair.
// The wrap function, if set, wraps a's side of the connection.
func connect(t *testing.T, ctx context.Context, a, b *linkEnd, wrap func(dquic.Conn) dquic.Conn) {
	t.Helper()

	ca, cb := dquictest.NewPair(ctx, "a", "b")
	var connA dquic.Conn = ca
	if wrap != nil {
		connA = wrap(ca)
	}
	require.NoError(t, a.L.AddPeer(addrB, connA))
	require.NoError(t, b.L.AddPeer(addrA, cb))
}

func TestNewLink_validation(t *testing.T) {
	t.Parallel()

	log := pttest.NewLogger(t)
	_, err := ptquic.NewLink(t.Context(), log, ptquic.LinkConfig{Self: addrA})
	require.Error(t, err)

	_, err = ptquic.NewLink(t.Context(), log, ptquic.LinkConfig{
		Self:   ptwire.Broadcast,
		Signal: ptquic.ConstantLoss(0),
	})
	require.Error(t, err)
}

func TestLink_broadcast(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newEnd(t, ctx, addrA, ptquic.LinkConfig{})
	b := newEnd(t, ctx, addrB, ptquic.LinkConfig{})
	connect(t, ctx, a, b, nil)

	a.L.Transmit(frame(ptwire.NeighborDiscovery, 5), ptwire.Broadcast, 20)

	// Broadcasts are reported delivered right away.
	ev := a.next(t)
	require.Equal(t, ptquic.EventAcked, ev.Kind)
	require.Equal(t, uint16(5), ev.Seq)

	ev = b.next(t)
	require.Equal(t, ptquic.EventFrame, ev.Kind)
	require.Equal(t, addrA, ev.Src)
	require.Equal(t, ptwire.Broadcast, ev.Dst)
	require.Equal(t, frame(ptwire.NeighborDiscovery, 5), ev.Frame)
	require.InDelta(t, -60, ev.Info.Signal, 1e-6)
	require.Equal(t, -95.0, ev.Info.Noise)

	cancel()
	a.L.Wait()
	b.L.Wait()
}

func TestLink_unicastAcked(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newEnd(t, ctx, addrA, ptquic.LinkConfig{})
	b := newEnd(t, ctx, addrB, ptquic.LinkConfig{})
	connect(t, ctx, a, b, nil)

	a.L.Transmit(frame(ptwire.ChildRequest, 9), addrB, 10)

	ev := b.next(t)
	require.Equal(t, ptquic.EventFrame, ev.Kind)
	require.Equal(t, addrB, ev.Dst)

	ev = a.next(t)
	require.Equal(t, ptquic.EventAcked, ev.Kind)
	require.Equal(t, uint16(9), ev.Seq)

	// The ack cancelled the loss timer.
	time.Sleep(80 * time.Millisecond)
	a.quiet(t)
}

func TestLink_unicastLost(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newEnd(t, ctx, addrA, ptquic.LinkConfig{})
	b := newEnd(t, ctx, addrB, ptquic.LinkConfig{})
	connect(t, ctx, a, b, func(c dquic.Conn) dquic.Conn {
		return dquictest.DatagramDropper{Conn: c}
	})

	a.L.Transmit(frame(ptwire.ChildRequest, 3), addrB, 10)

	ev := a.next(t)
	require.Equal(t, ptquic.EventLost, ev.Kind)
	require.Equal(t, uint16(3), ev.Seq)
	b.quiet(t)

	// No such peer at all.
	a.L.Transmit(frame(ptwire.ChildRequest, 4), ptwire.AddrFromUint64(77), 10)
	ev = a.next(t)
	require.Equal(t, ptquic.EventLost, ev.Kind)
	require.Equal(t, uint16(4), ev.Seq)
}

func TestLink_outOfRangeNotDelivered(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newEnd(t, ctx, addrA, ptquic.LinkConfig{})
	// Path loss of 100 dB leaves 10 dBm frames at -90 dBm, 5 dB over the floor.
	b := newEnd(t, ctx, addrB, ptquic.LinkConfig{
		Signal: ptquic.ConstantLoss(100),
		MinSNR: 8,
	})
	connect(t, ctx, a, b, nil)

	a.L.Transmit(frame(ptwire.ChildRequest, 1), addrB, 10)
	ev := a.next(t)
	require.Equal(t, ptquic.EventLost, ev.Kind)
	b.quiet(t)

	// More power gets through.
	a.L.Transmit(frame(ptwire.ChildRequest, 2), addrB, 20)
	ev = b.next(t)
	require.Equal(t, ptquic.EventFrame, ev.Kind)
	require.Equal(t, 8.0, ev.Info.MinSNR)
	ev = a.next(t)
	require.Equal(t, ptquic.EventAcked, ev.Kind)
	require.Equal(t, uint16(2), ev.Seq)
}

// stalledConn blocks SendDatagram until released.
type stalledConn struct {
	dquic.Conn

	entered chan struct{}
	release chan struct{}
}

func (c stalledConn) SendDatagram(p []byte) error {
	c.entered <- struct{}{}
	<-c.release
	return c.Conn.SendDatagram(p)
}

func TestLink_stalledSendDoesNotBlockLink(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newEnd(t, ctx, addrA, ptquic.LinkConfig{})
	b := newEnd(t, ctx, addrB, ptquic.LinkConfig{})

	entered := make(chan struct{})
	release := make(chan struct{})
	connect(t, ctx, a, b, func(c dquic.Conn) dquic.Conn {
		return stalledConn{Conn: c, entered: entered, release: release}
	})

	transmitted := make(chan struct{})
	go func() {
		defer close(transmitted)
		a.L.Transmit(frame(ptwire.NeighborDiscovery, 5), ptwire.Broadcast, 20)
	}()
	pttest.ReceiveSoon(t, entered)

	// The link stays usable while a send is stuck.
	peers := make(chan int, 1)
	go func() { peers <- a.L.Peers() }()
	require.Equal(t, 1, pttest.ReceiveSoon(t, peers))

	close(release)
	pttest.ReceiveSoon(t, transmitted)

	ev := b.next(t)
	require.Equal(t, ptquic.EventFrame, ev.Kind)
	require.Equal(t, addrA, ev.Src)

	cancel()
	a.L.Wait()
	b.L.Wait()
}

func TestLink_peerFailure(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newEnd(t, ctx, addrA, ptquic.LinkConfig{})
	b := newEnd(t, ctx, addrB, ptquic.LinkConfig{})
	connect(t, ctx, a, b, nil)
	require.Equal(t, 1, a.L.Peers())

	b.L.RemovePeer(addrA)

	ev := a.next(t)
	require.Equal(t, ptquic.EventFailed, ev.Kind)
	require.Equal(t, addrB, ev.Dst)
	require.Zero(t, a.L.Peers())
	require.Zero(t, b.L.Peers())

	require.Error(t, a.L.AddPeer(addrA, nil))
}

func TestLink_overQUIC(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialed, accepted := dquictest.Loopback(t, ctx)

	a := newEnd(t, ctx, addrA, ptquic.LinkConfig{})
	b := newEnd(t, ctx, addrB, ptquic.LinkConfig{})
	require.NoError(t, a.L.AddPeer(addrB, dialed))
	require.NoError(t, b.L.AddPeer(addrA, accepted))

	a.L.Transmit(frame(ptwire.ChildRequest, 11), addrB, 10)

	ev := b.next(t)
	require.Equal(t, ptquic.EventFrame, ev.Kind)
	require.Equal(t, frame(ptwire.ChildRequest, 11), ev.Frame)

	ev = a.next(t)
	require.Equal(t, ptquic.EventAcked, ev.Kind)
	require.Equal(t, uint16(11), ev.Seq)
}

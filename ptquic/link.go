// Package ptquic is a [ptproto.Link] that carries frames between
// nodes over QUIC datagrams.
//
// Each peer is one [dquic.Conn]. A broadcast frame goes to every peer;
// the receiving side decides, through a [SignalFunc],
// whether the frame would have been decodable over the air,
// and drops it otherwise.
// Unicast frames that arrive are acknowledged with a small datagram,
// which the sending link reports as a link-layer ack.
package ptquic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordian-engine/powertree/dquic"
	"github.com/gordian-engine/powertree/ptproto"
	"github.com/gordian-engine/powertree/ptpubsub"
	"github.com/gordian-engine/powertree/ptwire"
)

// SignalFunc returns the received signal strength in dBm
// of a frame that src sent at txPower dBm,
// or false if the frame would not have been received at all.
type SignalFunc func(src ptwire.Addr, txPower float64) (float64, bool)

// ConstantLoss is a SignalFunc applying the same path loss to every peer.
func ConstantLoss(lossDB float64) SignalFunc {
	return func(_ ptwire.Addr, txPower float64) (float64, bool) {
		return txPower - lossDB, true
	}
}

// LinkConfig is the configuration for [NewLink].
type LinkConfig struct {
	Self ptwire.Addr

	// Required.
	Signal SignalFunc

	// Noise floor reported with every frame. Default -95 dBm.
	Noise float64

	// Frames below this SNR are dropped.
	// Zero reports no minimum to the engine and drops nothing.
	MinSNR float64

	// How long a unicast frame waits for its ack
	// before it is reported lost. Default 100ms.
	AckTimeout time.Duration
}

// EventKind distinguishes [Event] values.
type EventKind uint8

const (
	// A frame arrived: Src, Dst, Frame and Info are set.
	EventFrame EventKind = iota + 1

	// The unicast frame with sequence Seq was acknowledged.
	EventAcked

	// The unicast frame with sequence Seq got no ack in time.
	EventLost

	// The connection to Dst failed; it has been removed.
	EventFailed
)

// Event is something the owner of the link must hand to the engine.
type Event struct {
	Kind EventKind

	Src, Dst ptwire.Addr
	Frame    []byte
	Info     ptproto.RxInfo

	Seq uint16
}

// Link is a [ptproto.Link] over QUIC datagrams.
// Its methods are safe for concurrent use.
type Link struct {
	log *slog.Logger
	ctx context.Context
	cfg LinkConfig

	events *ptpubsub.Publisher[Event]

	mu      sync.Mutex
	peers   map[ptwire.Addr]*peer
	pending map[uint16]*time.Timer

	wg sync.WaitGroup
}

type peer struct {
	addr   ptwire.Addr
	conn   dquic.Conn
	cancel context.CancelFunc
}

var _ ptproto.Link = (*Link)(nil)

// NewLink returns a Link with no peers.
// Receive loops started by [*Link.AddPeer] stop when ctx is canceled.
func NewLink(ctx context.Context, log *slog.Logger, cfg LinkConfig) (*Link, error) {
	if cfg.Signal == nil {
		return nil, errors.New("LinkConfig.Signal is required")
	}
	if cfg.Self.IsBroadcast() || cfg.Self.IsZero() {
		return nil, fmt.Errorf("invalid self address %s", cfg.Self)
	}
	if cfg.Noise == 0 {
		cfg.Noise = -95
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 100 * time.Millisecond
	}

	return &Link{
		log: log,
		ctx: ctx,
		cfg: cfg,

		events: ptpubsub.NewPublisher[Event](),

		peers:   make(map[ptwire.Addr]*peer),
		pending: make(map[uint16]*time.Timer),
	}, nil
}

// Events returns the head of the event stream.
// It must be called before any peer is added
// for the reader to see every event.
func (l *Link) Events() *ptpubsub.Stream[Event] {
	return l.events.Head()
}

// AddPeer starts exchanging frames with the node at addr over conn.
func (l *Link) AddPeer(addr ptwire.Addr, conn dquic.Conn) error {
	if addr.IsBroadcast() || addr.IsZero() || addr == l.cfg.Self {
		return fmt.Errorf("invalid peer address %s", addr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.peers[addr]; ok {
		return fmt.Errorf("peer %s already added", addr)
	}

	ctx, cancel := context.WithCancel(l.ctx)
	p := &peer{addr: addr, conn: conn, cancel: cancel}
	l.peers[addr] = p

	l.wg.Add(1)
	go l.receiveLoop(ctx, p)
	return nil
}

// RemovePeer stops exchanging frames with addr and closes its connection.
func (l *Link) RemovePeer(addr ptwire.Addr) {
	l.mu.Lock()
	p, ok := l.peers[addr]
	delete(l.peers, addr)
	l.mu.Unlock()

	if ok {
		p.cancel()
		_ = p.conn.CloseWithError(dquic.ClosedByNode, "peer removed")
	}
}

// Peers returns the number of connected peers.
func (l *Link) Peers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.peers)
}

// Wait blocks until every receive loop has returned.
func (l *Link) Wait() {
	l.wg.Wait()
}

// Transmit implements [ptproto.Link].
func (l *Link) Transmit(frame []byte, dst ptwire.Addr, txPower float64) {
	sh, err := ptwire.DecodeShort(frame)
	if err != nil {
		panic(fmt.Errorf("BUG: engine transmitted undecodable frame: %w", err))
	}

	d := envelope{
		Src:     l.cfg.Self,
		Dst:     dst,
		TxPower: float32(txPower),
		Frame:   frame,
	}.append(make([]byte, 0, frameEnvelopeSize+len(frame)))

	if dst.IsBroadcast() {
		l.mu.Lock()
		peers := make([]*peer, 0, len(l.peers))
		for _, p := range l.peers {
			peers = append(peers, p)
		}
		l.mu.Unlock()

		for _, p := range peers {
			l.send(p, d)
		}

		l.events.Publish(Event{Kind: EventAcked, Seq: sh.Seq})
		return
	}

	l.mu.Lock()
	p, ok := l.peers[dst]
	if !ok {
		l.mu.Unlock()
		l.events.Publish(Event{Kind: EventLost, Seq: sh.Seq})
		return
	}

	seq := sh.Seq
	if t, ok := l.pending[seq]; ok {
		t.Stop()
	}
	l.pending[seq] = time.AfterFunc(l.cfg.AckTimeout, func() {
		l.mu.Lock()
		_, still := l.pending[seq]
		delete(l.pending, seq)
		l.mu.Unlock()

		if still {
			l.events.Publish(Event{Kind: EventLost, Seq: seq})
		}
	})
	l.mu.Unlock()

	l.send(p, d)
}

// send must be called without l.mu held.
func (l *Link) send(p *peer, d []byte) {
	if err := p.conn.SendDatagram(d); err != nil {
		l.log.Debug("Failed to send datagram", "peer", p.addr, "err", err)
	}
}

func (l *Link) receiveLoop(ctx context.Context, p *peer) {
	defer l.wg.Done()

	for {
		b, err := p.conn.ReceiveDatagram(ctx)
		if err != nil {
			if ctx.Err() == nil {
				l.log.Info("Peer connection failed", "peer", p.addr, "err", err)
				l.dropPeer(p)
			}
			return
		}

		d, err := decodeDatagram(b)
		if err != nil {
			l.log.Debug("Dropping malformed datagram", "peer", p.addr, "err", err)
			continue
		}

		switch d.Kind {
		case kindAck:
			l.handleAck(p, d.AckSrc, d.AckSeq)
		case kindFrame:
			l.handleFrame(p, d.Env)
		}
	}
}

func (l *Link) dropPeer(p *peer) {
	l.mu.Lock()
	cur, ok := l.peers[p.addr]
	if ok && cur == p {
		delete(l.peers, p.addr)
	}
	l.mu.Unlock()

	if ok && cur == p {
		p.cancel()
		l.events.Publish(Event{Kind: EventFailed, Dst: p.addr})
	}
}

func (l *Link) handleAck(p *peer, src ptwire.Addr, seq uint16) {
	if src != p.addr {
		l.log.Debug("Ignoring ack with mismatched source", "peer", p.addr, "src", src)
		return
	}

	l.mu.Lock()
	t, ok := l.pending[seq]
	if ok {
		t.Stop()
		delete(l.pending, seq)
	}
	l.mu.Unlock()

	if ok {
		l.events.Publish(Event{Kind: EventAcked, Seq: seq})
	}
}

func (l *Link) handleFrame(p *peer, env envelope) {
	if env.Src != p.addr {
		l.log.Debug("Ignoring frame with mismatched source", "peer", p.addr, "src", env.Src)
		return
	}
	unicast := !env.Dst.IsBroadcast()
	if unicast && env.Dst != l.cfg.Self {
		return
	}

	signal, ok := l.cfg.Signal(env.Src, float64(env.TxPower))
	if !ok || (l.cfg.MinSNR > 0 && signal-l.cfg.Noise < l.cfg.MinSNR) {
		return
	}

	l.events.Publish(Event{
		Kind:  EventFrame,
		Src:   env.Src,
		Dst:   env.Dst,
		Frame: env.Frame,
		Info: ptproto.RxInfo{
			Signal: signal,
			Noise:  l.cfg.Noise,
			MinSNR: l.cfg.MinSNR,
		},
	})

	if unicast {
		sh, err := ptwire.DecodeShort(env.Frame)
		if err != nil {
			// The engine reports the malformed frame.
			return
		}
		l.send(p, appendAck(make([]byte, 0, ackSize), l.cfg.Self, sh.Seq))
	}
}

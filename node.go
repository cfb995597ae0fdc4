package powertree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gordian-engine/powertree/internal/pttrace"
	"github.com/gordian-engine/powertree/ptclock"
	"github.com/gordian-engine/powertree/ptproto"
	"github.com/gordian-engine/powertree/ptpubsub"
	"github.com/gordian-engine/powertree/ptquic"
	"github.com/gordian-engine/powertree/ptwire"
)

// Link is the link layer a [Node] drives.
// [*ptquic.Link] satisfies it.
type Link interface {
	ptproto.Link

	// Events returns the stream of inbound frames and delivery reports.
	// The node subscribes once, in NewNode,
	// so events published before then are not seen.
	Events() *ptpubsub.Stream[ptquic.Event]
}

// NodeConfig is the configuration for a [Node].
type NodeConfig struct {
	ptproto.Config

	// Address of this node on the link.
	Self ptwire.Addr

	Link Link

	// Defaults to [ptclock.Wall].
	// Callbacks are always posted to the node's main loop.
	Clock ptclock.Clock

	// Optional; called from the main loop only.
	Observer ptproto.Observer

	// Optional; defaults to a no-op provider.
	TracerProvider pttrace.TracerProvider
}

func (c NodeConfig) validate() error {
	var err error

	if vErr := c.Config.Validate(); vErr != nil {
		err = errors.Join(err, vErr)
	}

	if c.Self.IsZero() || c.Self.IsBroadcast() {
		err = errors.Join(err, fmt.Errorf("Self must be a unicast address (got %s)", c.Self))
	}

	if c.Link == nil {
		err = errors.Join(err, errors.New("Link must not be nil"))
	}

	if err != nil {
		return ConfigError{Err: err}
	}
	return nil
}

// Node owns a [ptproto.Engine] and runs it on a single goroutine.
//
// Link events, timer firings, and requests from other goroutines
// are received over channels and handled one at a time.
type Node struct {
	log    *slog.Logger
	tracer pttrace.Tracer

	e *ptproto.Engine

	events *ptpubsub.Stream[ptquic.Event]
	timers chan func()

	startRequests    chan gameRequest
	removeRequests   chan gameRequest
	snapshotRequests chan snapshotRequest
	gamesRequests    chan chan []uint64

	done chan struct{}
}

type gameRequest struct {
	ID   uint64
	Resp chan error
}

type snapshotRequest struct {
	ID   uint64
	Resp chan snapshotResponse
}

type snapshotResponse struct {
	S  ptproto.GameSnapshot
	OK bool
}

// NewNode returns a new Node whose main loop runs until ctx is canceled.
// It returns a [ConfigError] if cfg is invalid.
func NewNode(ctx context.Context, log *slog.Logger, cfg NodeConfig) (*Node, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.Clock == nil {
		cfg.Clock = ptclock.Wall{}
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = pttrace.NopTracerProvider()
	}

	n := &Node{
		log:    log,
		tracer: tp.Tracer(pttrace.TracerName),

		events: cfg.Link.Events(),

		// Unbuffered: a firing timer's goroutine waits for the main loop.
		timers: make(chan func()),

		startRequests:    make(chan gameRequest),
		removeRequests:   make(chan gameRequest),
		snapshotRequests: make(chan snapshotRequest),
		gamesRequests:    make(chan chan []uint64),

		done: make(chan struct{}),
	}

	e, err := ptproto.NewEngine(log.With("sys", "engine"), ptproto.EngineConfig{
		Config: cfg.Config,
		Self:   cfg.Self,
		Link:   cfg.Link,
		Clock: ptclock.Posting{
			Clock: cfg.Clock,
			Post:  n.postTimer,
		},
		Observer: cfg.Observer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	n.e = e

	go n.mainLoop(ctx)

	return n, nil
}

// Wait blocks until the node's main loop has returned.
func (n *Node) Wait() {
	<-n.done
}

func (n *Node) postTimer(f func()) {
	select {
	case n.timers <- f:
	case <-n.done:
		// Timers firing after shutdown are dropped.
	}
}

func (n *Node) mainLoop(ctx context.Context) {
	defer close(n.done)

	for {
		select {
		case <-ctx.Done():
			n.log.Info("Stopping due to context cancellation", "cause", context.Cause(ctx))
			return

		case <-n.events.Ready:
			ev := n.events.Val
			n.events = n.events.Next
			n.handleLinkEvent(ctx, ev)

		case f := <-n.timers:
			_, span := n.tracer.Start(ctx, "Timer")
			f()
			span.End()

		case req := <-n.startRequests:
			req.Resp <- n.e.StartGame(req.ID)

		case req := <-n.removeRequests:
			n.e.RemoveGame(req.ID)
			req.Resp <- nil

		case req := <-n.snapshotRequests:
			s, ok := n.e.Snapshot(req.ID)
			req.Resp <- snapshotResponse{S: s, OK: ok}

		case ch := <-n.gamesRequests:
			ch <- n.e.Games()
		}
	}
}

func (n *Node) handleLinkEvent(ctx context.Context, ev ptquic.Event) {
	switch ev.Kind {
	case ptquic.EventFrame:
		n.handleFrame(ctx, ev)
	case ptquic.EventAcked:
		n.e.LinkAcked(ev.Seq)
	case ptquic.EventLost:
		n.e.LinkLost(ev.Seq)
	case ptquic.EventFailed:
		n.log.Info("Link to neighbor failed", "addr", ev.Dst)
		n.e.LinkFailed(ev.Dst)
	default:
		panic(fmt.Errorf("BUG: unknown link event kind %d", ev.Kind))
	}
}

func (n *Node) handleFrame(ctx context.Context, ev ptquic.Event) {
	attrs := []pttrace.KeyValueAttr{pttrace.AddrAttr("powertree.src", ev.Src)}
	if h, err := ptwire.DecodeShort(ev.Frame); err == nil {
		attrs = append(attrs,
			pttrace.FrameTypeAttr(h.Type),
			pttrace.GameIDAttr(h.GameID),
			pttrace.SeqAttr(h.Seq),
		)
	}

	_, span := n.tracer.Start(ctx, "HandleFrame", pttrace.WithAttributes(attrs...))
	defer span.End()

	if err := n.e.HandleFrame(ev.Src, ev.Dst, ev.Frame, ev.Info); err != nil {
		pttrace.SpanError(span, err)
		n.log.Debug("Dropping malformed frame", "src", ev.Src, "err", err)
	}
}

// StartGame makes this node the initiator of game id.
func (n *Node) StartGame(ctx context.Context, id uint64) error {
	req := gameRequest{ID: id, Resp: make(chan error, 1)}
	if err := send(ctx, n.done, n.startRequests, req); err != nil {
		return err
	}
	return receive(ctx, req.Resp)
}

// RemoveGame stops all activity for game id and forgets its state.
func (n *Node) RemoveGame(ctx context.Context, id uint64) error {
	req := gameRequest{ID: id, Resp: make(chan error, 1)}
	if err := send(ctx, n.done, n.removeRequests, req); err != nil {
		return err
	}
	return receive(ctx, req.Resp)
}

// Snapshot returns a copy of this node's state in game id.
// The boolean result is false if the node has no such game.
func (n *Node) Snapshot(ctx context.Context, id uint64) (ptproto.GameSnapshot, bool, error) {
	req := snapshotRequest{ID: id, Resp: make(chan snapshotResponse, 1)}
	if err := send(ctx, n.done, n.snapshotRequests, req); err != nil {
		return ptproto.GameSnapshot{}, false, err
	}
	select {
	case <-ctx.Done():
		return ptproto.GameSnapshot{}, false, context.Cause(ctx)
	case resp := <-req.Resp:
		return resp.S, resp.OK, nil
	}
}

// Games returns the IDs of every game this node takes part in.
func (n *Node) Games(ctx context.Context) ([]uint64, error) {
	ch := make(chan []uint64, 1)
	if err := send(ctx, n.done, n.gamesRequests, ch); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case ids := <-ch:
		return ids, nil
	}
}

func send[T any](ctx context.Context, done <-chan struct{}, ch chan<- T, v T) error {
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-done:
		return ErrNodeStopped
	case ch <- v:
		return nil
	}
}

// receive waits for a response the main loop has committed to sending.
func receive(ctx context.Context, ch <-chan error) error {
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case err := <-ch:
		return err
	}
}

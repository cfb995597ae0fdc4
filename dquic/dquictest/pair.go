package dquictest

import (
	"context"
	"errors"
	"net"
	"slices"
	"sync"

	"github.com/gordian-engine/powertree/dquic"
)

// PairQueueSize is the number of undelivered datagrams
// a [Pair] end holds before dropping new ones.
const PairQueueSize = 256

// ErrClosed is returned by [*PairConn] after either end closes.
var ErrClosed = errors.New("pair closed")

// PairConn is one end of an in-memory [dquic.Conn] pair.
// Datagrams are delivered in order unless the queue is full,
// in which case they are dropped, as a real datagram would be.
type PairConn struct {
	in   chan []byte
	peer *PairConn

	ctx    context.Context
	cancel context.CancelCauseFunc

	local, remote StubNetAddr

	closeOnce *sync.Once
}

var _ dquic.Conn = (*PairConn)(nil)

// NewPair returns two connected ends.
// Both ends close when ctx is canceled.
func NewPair(ctx context.Context, nameA, nameB string) (a, b *PairConn) {
	ctx, cancel := context.WithCancelCause(ctx)
	once := new(sync.Once)

	addrA := StubNetAddr{NetworkValue: "mem", StringValue: nameA}
	addrB := StubNetAddr{NetworkValue: "mem", StringValue: nameB}

	a = &PairConn{
		in:  make(chan []byte, PairQueueSize),
		ctx: ctx, cancel: cancel,
		local: addrA, remote: addrB,
		closeOnce: once,
	}
	b = &PairConn{
		in:  make(chan []byte, PairQueueSize),
		ctx: ctx, cancel: cancel,
		local: addrB, remote: addrA,
		closeOnce: once,
	}
	a.peer, b.peer = b, a
	return a, b
}

func (c *PairConn) SendDatagram(p []byte) error {
	if err := context.Cause(c.ctx); err != nil {
		return err
	}
	select {
	case c.peer.in <- slices.Clone(p):
	default:
	}
	return nil
}

func (c *PairConn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case <-c.ctx.Done():
		return nil, context.Cause(c.ctx)
	case p := <-c.in:
		return p, nil
	}
}

func (c *PairConn) CloseWithError(code dquic.ApplicationErrorCode, msg string) error {
	c.closeOnce.Do(func() {
		c.cancel(ErrClosed)
	})
	return nil
}

func (c *PairConn) Context() context.Context { return c.ctx }

func (c *PairConn) LocalAddr() net.Addr  { return c.local }
func (c *PairConn) RemoteAddr() net.Addr { return c.remote }

// StubNetAddr is the [net.Addr] of a [PairConn] end.
type StubNetAddr struct {
	NetworkValue string
	StringValue  string
}

var _ net.Addr = StubNetAddr{}

func (a StubNetAddr) Network() string { return a.NetworkValue }
func (a StubNetAddr) String() string  { return a.StringValue }

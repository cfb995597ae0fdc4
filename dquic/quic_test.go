package dquic_test

import (
	"context"
	"testing"

	"github.com/gordian-engine/powertree/dquic"
	"github.com/gordian-engine/powertree/dquic/dquictest"
	"github.com/stretchr/testify/require"
)

func TestLoopback_datagrams(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialed, accepted := dquictest.Loopback(t, ctx)

	require.NoError(t, dialed.SendDatagram([]byte("hello")))
	got, err := accepted.ReceiveDatagram(ctx)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	require.NoError(t, accepted.SendDatagram([]byte("back")))
	got, err = dialed.ReceiveDatagram(ctx)
	require.NoError(t, err)
	require.Equal(t, "back", string(got))

	require.NoError(t, dialed.CloseWithError(dquic.ClosedByNode, ""))
	<-accepted.Context().Done()
}

func TestConnAdapter_rejectsWideErrorCode(t *testing.T) {
	t.Parallel()

	var c dquic.ConnAdapter
	require.Panics(t, func() {
		_ = c.CloseWithError(dquic.ApplicationErrorCode(1<<62), "")
	})
}

func TestPair(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, b := dquictest.NewPair(ctx, "a", "b")
	require.Equal(t, "b", a.RemoteAddr().String())

	require.NoError(t, a.SendDatagram([]byte{1, 2}))
	got, err := b.ReceiveDatagram(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2}, got)

	require.NoError(t, b.CloseWithError(dquic.ClosedByNode, ""))
	require.ErrorIs(t, a.SendDatagram([]byte{3}), dquictest.ErrClosed)
	_, err = a.ReceiveDatagram(ctx)
	require.ErrorIs(t, err, dquictest.ErrClosed)
}

func TestPair_dropsWhenFull(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, b := dquictest.NewPair(ctx, "a", "b")
	for range dquictest.PairQueueSize + 10 {
		require.NoError(t, a.SendDatagram([]byte{0}))
	}
	for range dquictest.PairQueueSize {
		_, err := b.ReceiveDatagram(ctx)
		require.NoError(t, err)
	}

	short, cancelShort := context.WithCancel(ctx)
	cancelShort()
	_, err := b.ReceiveDatagram(short)
	require.Error(t, err)
}

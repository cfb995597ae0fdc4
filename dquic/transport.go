package dquic

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// NextProto is the ALPN protocol name for powertree links.
const NextProto = "powertree/1"

// DefaultConfig returns the QUIC configuration for powertree links:
// datagrams enabled, and keepalives so idle links between
// discovery rounds are not torn down.
func DefaultConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams: true,

		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}
}

// withALPN returns a clone of conf that negotiates [NextProto].
func withALPN(conf *tls.Config) *tls.Config {
	c := conf.Clone()
	c.NextProtos = []string{NextProto}
	return c
}

// Listen starts accepting powertree links on tr.
// A nil qc uses [DefaultConfig].
func Listen(tr *quic.Transport, tlsConf *tls.Config, qc *quic.Config) (*quic.Listener, error) {
	if qc == nil {
		qc = DefaultConfig()
	}
	if !qc.EnableDatagrams {
		return nil, fmt.Errorf("QUIC config must enable datagrams")
	}
	ln, err := tr.Listen(withALPN(tlsConf), qc)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	return ln, nil
}

// Accept waits for the next inbound link on ln.
func Accept(ctx context.Context, ln *quic.Listener) (Conn, error) {
	qc, err := ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return WrapConn(qc), nil
}

// Dial opens a link to addr over tr.
// A nil qc uses [DefaultConfig].
func Dial(ctx context.Context, tr *quic.Transport, addr net.Addr, tlsConf *tls.Config, qc *quic.Config) (Conn, error) {
	if qc == nil {
		qc = DefaultConfig()
	}
	conn, err := tr.Dial(ctx, addr, withALPN(tlsConf), qc)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return WrapConn(conn), nil
}

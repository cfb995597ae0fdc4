package dquictest

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/gordian-engine/powertree/dquic"
	"github.com/gordian-engine/powertree/internal/pttest"
	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"
)

// SelfSignedTLS returns a server and a client TLS config
// sharing one throwaway ed25519 certificate for 127.0.0.1.
func SelfSignedTLS(t *testing.T) (server, client *tls.Config) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "powertree test"},
		NotBefore:    time.Now().Add(-15 * time.Second),
		NotAfter:     time.Now().Add(time.Hour),

		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	der, err := x509.CreateCertificate(nil, tmpl, tmpl, pub, priv)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(cert)

	server = &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  priv,
			Leaf:        cert,
		}},
	}
	client = &tls.Config{
		RootCAs:    pool,
		ServerName: "127.0.0.1",
	}
	return server, client
}

// Loopback dials a real QUIC connection between two UDP sockets on 127.0.0.1
// and returns the dialing and the accepting end.
// The sockets are closed in t.Cleanup.
func Loopback(t *testing.T, ctx context.Context) (dialed, accepted dquic.Conn) {
	t.Helper()

	serverTLS, clientTLS := SelfSignedTLS(t)

	transports := make([]*quic.Transport, 2)
	for i := range transports {
		uc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		require.NoError(t, err)
		tr := &quic.Transport{Conn: uc}
		t.Cleanup(func() {
			_ = tr.Close()
			_ = uc.Close()
		})
		transports[i] = tr
	}

	ln, err := dquic.Listen(transports[1], serverTLS, nil)
	require.NoError(t, err)

	acceptedCh := make(chan dquic.Conn, 1)
	go func() {
		c, err := dquic.Accept(ctx, ln)
		if err != nil {
			t.Error(err)
			acceptedCh <- nil
			return
		}
		acceptedCh <- c
	}()

	dialed, err = dquic.Dial(ctx, transports[0], transports[1].Conn.LocalAddr(), clientTLS, nil)
	require.NoError(t, err)

	accepted = pttest.ReceiveSoon(t, acceptedCh)
	require.NotNil(t, accepted)
	return dialed, accepted
}

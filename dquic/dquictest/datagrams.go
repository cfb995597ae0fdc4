package dquictest

import (
	"sync/atomic"

	"github.com/gordian-engine/powertree/dquic"
)

// DatagramDropper wraps a dquic.Conn
// and turns SendDatagram into a no-op.
//
// This is useful for tests that need to simulate
// datagrams that do not reach the destination.
type DatagramDropper struct {
	dquic.Conn
}

func (d DatagramDropper) SendDatagram([]byte) error {
	return nil
}

// DatagramCounter wraps a dquic.Conn and counts sent datagrams.
type DatagramCounter struct {
	dquic.Conn

	n atomic.Int64
}

func (c *DatagramCounter) SendDatagram(p []byte) error {
	c.n.Add(1)
	return c.Conn.SendDatagram(p)
}

// Sent returns the number of SendDatagram calls so far.
func (c *DatagramCounter) Sent() int {
	return int(c.n.Load())
}

package ptwire

import (
	"encoding/binary"
	"fmt"
)

// AddrSize is the encoded size of an [Addr].
const AddrSize = 6

// Addr is a 48-bit link-layer address.
type Addr [AddrSize]byte

// Broadcast is the all-ones address.
// In the claimed-parent field it means "no parent".
var Broadcast = Addr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// AddrFromUint64 returns the address whose big-endian value is the low 48 bits of n.
// It is mainly useful for simulations and tests that number their nodes.
func AddrFromUint64(n uint64) Addr {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)

	var a Addr
	copy(a[:], buf[2:])
	return a
}

// Uint64 is the inverse of [AddrFromUint64].
func (a Addr) Uint64() uint64 {
	var buf [8]byte
	copy(buf[2:], a[:])
	return binary.BigEndian.Uint64(buf[:])
}

// IsZero reports whether a is the all-zeros address.
func (a Addr) IsZero() bool {
	return a == Addr{}
}

// IsBroadcast reports whether a is [Broadcast].
func (a Addr) IsBroadcast() bool {
	return a == Broadcast
}

func (a Addr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
}

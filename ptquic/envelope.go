package ptquic

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gordian-engine/powertree/ptwire"
)

// Datagram kinds.
const (
	kindFrame byte = 1
	kindAck   byte = 2
)

const (
	frameEnvelopeSize = 1 + ptwire.AddrSize + ptwire.AddrSize + 4
	ackSize           = 1 + ptwire.AddrSize + 2
)

// envelope is a protocol frame as carried in one datagram:
// the sender, the link destination, and the transmit power
// that a radio would have put on the air.
type envelope struct {
	Src, Dst ptwire.Addr
	TxPower  float32
	Frame    []byte
}

func (e envelope) append(dst []byte) []byte {
	dst = append(dst, kindFrame)
	dst = append(dst, e.Src[:]...)
	dst = append(dst, e.Dst[:]...)
	dst = binary.BigEndian.AppendUint32(dst, math.Float32bits(e.TxPower))
	return append(dst, e.Frame...)
}

func appendAck(dst []byte, src ptwire.Addr, seq uint16) []byte {
	dst = append(dst, kindAck)
	dst = append(dst, src[:]...)
	return binary.BigEndian.AppendUint16(dst, seq)
}

// datagram is a decoded datagram of either kind.
type datagram struct {
	Kind byte

	// Set for kindFrame.
	Env envelope

	// Set for kindAck.
	AckSrc ptwire.Addr
	AckSeq uint16
}

func decodeDatagram(b []byte) (datagram, error) {
	if len(b) == 0 {
		return datagram{}, ptwire.TruncatedError{Need: 1, Have: 0}
	}
	switch b[0] {
	case kindFrame:
		if len(b) < frameEnvelopeSize {
			return datagram{}, ptwire.TruncatedError{Need: frameEnvelopeSize, Have: len(b)}
		}
		var d datagram
		d.Kind = kindFrame
		copy(d.Env.Src[:], b[1:])
		copy(d.Env.Dst[:], b[1+ptwire.AddrSize:])
		d.Env.TxPower = math.Float32frombits(binary.BigEndian.Uint32(b[1+2*ptwire.AddrSize:]))
		d.Env.Frame = b[frameEnvelopeSize:]
		return d, nil

	case kindAck:
		if len(b) < ackSize {
			return datagram{}, ptwire.TruncatedError{Need: ackSize, Have: len(b)}
		}
		var d datagram
		d.Kind = kindAck
		copy(d.AckSrc[:], b[1:])
		d.AckSeq = binary.BigEndian.Uint16(b[1+ptwire.AddrSize:])
		return d, nil

	default:
		return datagram{}, fmt.Errorf("unknown datagram kind %d", b[0])
	}
}

package ptwire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Variant selects one of the two header layouts.
type Variant uint8

const (
	// VariantBase is the layout used by the asynchronous and mutex strategies.
	// It carries the claimed-parent address.
	VariantBase Variant = iota

	// VariantSourcePath is the layout used by the path-to-source strategy.
	// It omits the claimed parent and appends an ancestor path
	// to CYCLE_CHECK, NEIGHBOR_DISCOVERY and CHILD_CONFIRMATION frames.
	VariantSourcePath
)

func (v Variant) String() string {
	switch v {
	case VariantBase:
		return "base"
	case VariantSourcePath:
		return "source-path"
	default:
		return fmt.Sprintf("Variant(%d)", uint8(v))
	}
}

const (
	flagReceivingProblems = 0x80
	flagGameFinished      = 0x40
	flagNeedLockUpdate    = 0x20
	frameTypeMask         = 0x1f
)

// Fixed sizes of the header layouts.
const (
	// ShortHeaderSize is the size of the flags byte
	// plus the packed sequence number and game ID.
	ShortHeaderSize = 1 + 8

	// BaseHeaderSize is the minimum size of a full base header.
	BaseHeaderSize = ShortHeaderSize + 4 + AddrSize + 4 + 4

	// SourcePathHeaderSize is the minimum size of a full source-path header.
	SourcePathHeaderSize = ShortHeaderSize + 4 + 4 + 4

	// MaxPathLen is the largest path that fits in the 1-byte count.
	MaxPathLen = math.MaxUint8

	// MaxGameID is the largest game ID representable in 48 bits.
	MaxGameID = 1<<48 - 1
)

// Header is the decoded form of a frame header.
//
// Which fields are meaningful depends on Type, the flags, and the [Variant];
// fields that are not part of the encoded layout are ignored by the encoder
// and left zero by the decoder.
type Header struct {
	Type FrameType

	ReceivingProblems bool
	GameFinished      bool
	NeedLockUpdate    bool

	Seq    uint16
	GameID uint64

	// Short marks the ack-only layout,
	// containing nothing past the sequence number and game ID.
	Short bool

	// Transmit power used for this frame, in dBm.
	TxPower float32

	// Sender's current parent, or Broadcast for none.
	// Only present in VariantBase.
	ClaimedParent Addr

	// Highest and second highest reach power among the sender's children, in dBm.
	Highest, SecondHighest float32

	// CYCLE_CHECK fields in VariantBase.
	// The mutex strategy reuses the same three slots
	// as lock originator, new lock originator,
	// and the originator a subtree lock was completed for.
	Originator, NewParent, OldParent Addr

	// Present on CHILD_CONFIRMATION in VariantBase
	// when NeedLockUpdate is set.
	LockHolder Addr

	// Ancestor chain, root first, ending with the sender.
	// Only present in VariantSourcePath
	// on CYCLE_CHECK, NEIGHBOR_DISCOVERY and CHILD_CONFIRMATION.
	Path []Addr
}

func carriesPath(ft FrameType) bool {
	return ft == CycleCheck || ft == NeighborDiscovery || ft == ChildConfirmation
}

// EncodedSize returns the number of bytes h occupies under variant v.
func (h Header) EncodedSize(v Variant) int {
	if h.Short {
		return ShortHeaderSize
	}

	switch v {
	case VariantSourcePath:
		sz := SourcePathHeaderSize
		if carriesPath(h.Type) {
			sz += 1 + len(h.Path)*AddrSize
		}
		return sz
	default:
		sz := BaseHeaderSize
		switch h.Type {
		case CycleCheck:
			sz += 3 * AddrSize
		case ChildConfirmation:
			if h.NeedLockUpdate {
				sz += AddrSize
			}
		}
		return sz
	}
}

// AppendTo appends the encoded header to dst and returns the extended slice.
//
// AppendTo panics if the game ID exceeds 48 bits
// or the path is longer than [MaxPathLen],
// as both indicate a caller bug.
func (h Header) AppendTo(dst []byte, v Variant) []byte {
	if h.GameID > MaxGameID {
		panic(fmt.Errorf("BUG: game ID %d exceeds 48 bits", h.GameID))
	}

	b := byte(h.Type) & frameTypeMask
	if h.ReceivingProblems {
		b |= flagReceivingProblems
	}
	if h.GameFinished {
		b |= flagGameFinished
	}
	if h.NeedLockUpdate {
		b |= flagNeedLockUpdate
	}
	dst = append(dst, b)
	dst = binary.BigEndian.AppendUint64(dst, uint64(h.Seq)<<48|h.GameID)

	if h.Short {
		return dst
	}

	dst = binary.BigEndian.AppendUint32(dst, math.Float32bits(h.TxPower))
	if v == VariantBase {
		dst = append(dst, h.ClaimedParent[:]...)
	}
	dst = binary.BigEndian.AppendUint32(dst, math.Float32bits(h.Highest))
	dst = binary.BigEndian.AppendUint32(dst, math.Float32bits(h.SecondHighest))

	if v == VariantSourcePath {
		if carriesPath(h.Type) {
			if len(h.Path) > MaxPathLen {
				panic(fmt.Errorf("BUG: path length %d exceeds %d", len(h.Path), MaxPathLen))
			}
			dst = append(dst, byte(len(h.Path)))
			for _, a := range h.Path {
				dst = append(dst, a[:]...)
			}
		}
		return dst
	}

	switch h.Type {
	case CycleCheck:
		dst = append(dst, h.Originator[:]...)
		dst = append(dst, h.NewParent[:]...)
		dst = append(dst, h.OldParent[:]...)
	case ChildConfirmation:
		if h.NeedLockUpdate {
			dst = append(dst, h.LockHolder[:]...)
		}
	}

	return dst
}

// Encode returns a new slice containing the encoded header.
func (h Header) Encode(v Variant) []byte {
	return h.AppendTo(make([]byte, 0, h.EncodedSize(v)), v)
}

// DecodeShort decodes only the flags, sequence number and game ID from b.
// The returned header has Short set.
//
// This is sufficient to route a frame or to look up
// delivery state by sequence number.
func DecodeShort(b []byte) (Header, error) {
	if len(b) < ShortHeaderSize {
		return Header{}, TruncatedError{Need: ShortHeaderSize, Have: len(b)}
	}

	var h Header
	h.Short = true
	decodeFlags(&h, b[0])

	seqGID := binary.BigEndian.Uint64(b[1:9])
	h.Seq = uint16(seqGID >> 48)
	h.GameID = seqGID & MaxGameID

	return h, nil
}

func decodeFlags(h *Header, b byte) {
	h.ReceivingProblems = b&flagReceivingProblems != 0
	h.GameFinished = b&flagGameFinished != 0
	h.NeedLockUpdate = b&flagNeedLockUpdate != 0
	h.Type = FrameType(b & frameTypeMask)
}

// Decode decodes a full header from b under variant v.
// It returns the header and the number of bytes consumed.
//
// The only possible error is a [TruncatedError].
// The returned Path, if any, is a fresh slice that does not alias b.
func Decode(b []byte, v Variant) (Header, int, error) {
	h, err := DecodeShort(b)
	if err != nil {
		return Header{}, 0, err
	}
	h.Short = false

	minSz := BaseHeaderSize
	if v == VariantSourcePath {
		minSz = SourcePathHeaderSize
	}
	if len(b) < minSz {
		return Header{}, 0, TruncatedError{Need: minSz, Have: len(b)}
	}

	off := ShortHeaderSize
	h.TxPower = math.Float32frombits(binary.BigEndian.Uint32(b[off:]))
	off += 4
	if v == VariantBase {
		copy(h.ClaimedParent[:], b[off:])
		off += AddrSize
	}
	h.Highest = math.Float32frombits(binary.BigEndian.Uint32(b[off:]))
	off += 4
	h.SecondHighest = math.Float32frombits(binary.BigEndian.Uint32(b[off:]))
	off += 4

	if v == VariantSourcePath {
		if !carriesPath(h.Type) {
			return h, off, nil
		}
		if len(b) < off+1 {
			return Header{}, 0, TruncatedError{Need: off + 1, Have: len(b)}
		}
		n := int(b[off])
		off++
		need := off + n*AddrSize
		if len(b) < need {
			return Header{}, 0, TruncatedError{Need: need, Have: len(b)}
		}
		if n > 0 {
			h.Path = make([]Addr, n)
			for i := range h.Path {
				copy(h.Path[i][:], b[off:])
				off += AddrSize
			}
		}
		return h, off, nil
	}

	switch h.Type {
	case CycleCheck:
		need := off + 3*AddrSize
		if len(b) < need {
			return Header{}, 0, TruncatedError{Need: need, Have: len(b)}
		}
		copy(h.Originator[:], b[off:])
		copy(h.NewParent[:], b[off+AddrSize:])
		copy(h.OldParent[:], b[off+2*AddrSize:])
		off = need
	case ChildConfirmation:
		if h.NeedLockUpdate {
			need := off + AddrSize
			if len(b) < need {
				return Header{}, 0, TruncatedError{Need: need, Have: len(b)}
			}
			copy(h.LockHolder[:], b[off:])
			off = need
		}
	}

	return h, off, nil
}

package ptwire

import (
	"encoding/binary"
)

// DataHeaderSize is the encoded size of a [DataHeader].
const DataHeaderSize = 4 + 4

const dataCompressedBit = 1 << 31

// MaxDataLen is the largest payload length a [DataHeader] can describe.
const MaxDataLen = dataCompressedBit - 1

// DataHeader precedes the payload of an APPLICATION_DATA frame.
type DataHeader struct {
	// Application data sequence number.
	// This numbering is per game and independent of the frame sequence number.
	// Zero is reserved for missing-data requests.
	Seq uint32

	// Length of the payload that follows, as encoded.
	Len uint32

	// Whether the payload is snappy-compressed.
	Compressed bool
}

// AppendTo appends the encoded data header to dst.
func (d DataHeader) AppendTo(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, d.Seq)
	l := d.Len & MaxDataLen
	if d.Compressed {
		l |= dataCompressedBit
	}
	return binary.BigEndian.AppendUint32(dst, l)
}

// DecodeData decodes a data header from b and returns it with the payload.
// The payload aliases b.
func DecodeData(b []byte) (DataHeader, []byte, error) {
	if len(b) < DataHeaderSize {
		return DataHeader{}, nil, TruncatedError{Need: DataHeaderSize, Have: len(b)}
	}

	l := binary.BigEndian.Uint32(b[4:8])
	d := DataHeader{
		Seq:        binary.BigEndian.Uint32(b[:4]),
		Len:        l & MaxDataLen,
		Compressed: l&dataCompressedBit != 0,
	}

	need := DataHeaderSize + int(d.Len)
	if len(b) < need {
		return DataHeader{}, nil, TruncatedError{Need: need, Have: len(b)}
	}

	return d, b[DataHeaderSize:need], nil
}

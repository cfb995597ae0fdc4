package ptappdata

import (
	"fmt"

	"github.com/golang/snappy"
	"github.com/gordian-engine/powertree/ptwire"
)

// MaxPayloadLen is the largest application payload, after decompression,
// that [DecodePayload] accepts.
const MaxPayloadLen = 16 << 20

// AppendPayload appends a data header and payload to dst.
// The payload is snappy-compressed when that makes it smaller.
func AppendPayload(dst []byte, seq uint32, payload []byte) []byte {
	enc := snappy.Encode(nil, payload)
	if len(enc) < len(payload) {
		dst = ptwire.DataHeader{Seq: seq, Len: uint32(len(enc)), Compressed: true}.AppendTo(dst)
		return append(dst, enc...)
	}

	dst = ptwire.DataHeader{Seq: seq, Len: uint32(len(payload))}.AppendTo(dst)
	return append(dst, payload...)
}

// DecodePayload parses a data header and returns the sequence number
// and the uncompressed payload.
// An uncompressed payload aliases b.
func DecodePayload(b []byte) (uint32, []byte, error) {
	h, p, err := ptwire.DecodeData(b)
	if err != nil {
		return 0, nil, err
	}
	if !h.Compressed {
		return h.Seq, p, nil
	}

	n, err := snappy.DecodedLen(p)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to decompress data seq %d: %w", h.Seq, err)
	}
	if n > MaxPayloadLen {
		return 0, nil, fmt.Errorf("data seq %d decompresses to %d bytes, more than %d", h.Seq, n, MaxPayloadLen)
	}

	out, err := snappy.Decode(nil, p)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to decompress data seq %d: %w", h.Seq, err)
	}
	return h.Seq, out, nil
}

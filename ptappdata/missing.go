package ptappdata

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/gordian-engine/powertree/internal/ptbitset"
)

// RequestSeq is the data sequence number that marks
// a missing-data request instead of a payload.
const RequestSeq = 0

// EncodeMissing encodes a request for the given ascending sequence numbers.
// The encoding is the first sequence number followed by a bitset
// of offsets from it.
func EncodeMissing(enc *ptbitset.Encoder, seqs []uint32) []byte {
	if len(seqs) == 0 {
		return nil
	}
	base := seqs[0]
	bs := bitset.New(uint(seqs[len(seqs)-1]-base) + 1)
	for _, s := range seqs {
		bs.Set(uint(s - base))
	}

	out := binary.BigEndian.AppendUint32(nil, base)
	return enc.Append(out, bs)
}

// DecodeMissing is the inverse of [EncodeMissing].
func DecodeMissing(dec *ptbitset.Decoder, b []byte) ([]uint32, error) {
	if len(b) < 4 {
		return nil, errors.New("truncated missing-data request")
	}
	base := binary.BigEndian.Uint32(b)

	bs, _, err := dec.Decode(b[4:])
	if err != nil {
		return nil, fmt.Errorf("failed to decode missing-data bitset: %w", err)
	}

	out := make([]uint32, 0, bs.Count())
	for i, ok := bs.NextSet(0); ok; i, ok = bs.NextSet(i + 1) {
		out = append(out, base+uint32(i))
	}
	return out, nil
}

// Package ptbitset encodes bitsets into compact byte strings
// carried inside APPLICATION_DATA re-requests.
//
// Each encoding starts with a one-byte kind and the bit length.
// The words follow either raw, little-endian,
// or snappy-compressed behind a two-byte length,
// whichever is smaller.
package ptbitset

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/golang/snappy"
)

const (
	rawEncoding    byte = 0
	snappyEncoding byte = 1
)

// MaxBits bounds the length of a decodable bitset.
const MaxBits = 1 << 16

// headerSize is the kind byte plus the uint32 bit length.
const headerSize = 1 + 4

var errTruncated = errors.New("truncated bitset encoding")

// Encoder reuses its buffers across calls; the zero value is ready to use.
type Encoder struct {
	wordBuf []byte
	encBuf  []byte
}

// Append appends the encoding of bs to dst.
func (e *Encoder) Append(dst []byte, bs *bitset.BitSet) []byte {
	words := bs.Words()
	nBytes := 8 * len(words)

	if cap(e.wordBuf) < nBytes {
		e.wordBuf = make([]byte, nBytes)
	}
	e.wordBuf = e.wordBuf[:nBytes]
	for i, w := range words {
		binary.LittleEndian.PutUint64(e.wordBuf[i*8:], w)
	}

	e.encBuf = snappy.Encode(e.encBuf[:cap(e.encBuf)], e.wordBuf)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(bs.Len()))

	// Snappy needs two more bytes for its length.
	if len(e.encBuf)+2 < nBytes {
		dst = append(dst, snappyEncoding)
		dst = append(dst, lenBuf[:]...)
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(e.encBuf)))
		return append(dst, e.encBuf...)
	}

	dst = append(dst, rawEncoding)
	dst = append(dst, lenBuf[:]...)
	return append(dst, e.wordBuf...)
}

// Decoder reuses its buffer across calls; the zero value is ready to use.
type Decoder struct {
	wordBuf []byte
}

// Decode parses one encoded bitset from the front of b.
// It returns the bitset and the number of bytes consumed.
func (d *Decoder) Decode(b []byte) (*bitset.BitSet, int, error) {
	if len(b) < headerSize {
		return nil, 0, errTruncated
	}
	kind := b[0]
	nBits := binary.BigEndian.Uint32(b[1:5])
	if nBits > MaxBits {
		return nil, 0, fmt.Errorf("bitset length %d exceeds maximum %d", nBits, MaxBits)
	}
	nBytes := 8 * int((nBits+63)/64)
	rest := b[headerSize:]

	var words []byte
	var consumed int
	switch kind {
	case rawEncoding:
		if len(rest) < nBytes {
			return nil, 0, errTruncated
		}
		words = rest[:nBytes]
		consumed = headerSize + nBytes

	case snappyEncoding:
		if len(rest) < 2 {
			return nil, 0, errTruncated
		}
		encSz := int(binary.BigEndian.Uint16(rest))
		rest = rest[2:]
		if len(rest) < encSz {
			return nil, 0, errTruncated
		}

		decSz, err := snappy.DecodedLen(rest[:encSz])
		if err != nil {
			return nil, 0, fmt.Errorf("failed to read snappy bitset length: %w", err)
		}
		if decSz != nBytes {
			return nil, 0, fmt.Errorf(
				"snappy bitset decodes to %d bytes, expected %d", decSz, nBytes,
			)
		}

		if cap(d.wordBuf) < nBytes {
			d.wordBuf = make([]byte, nBytes)
		}
		words, err = snappy.Decode(d.wordBuf[:nBytes], rest[:encSz])
		if err != nil {
			return nil, 0, fmt.Errorf("failed to decode snappy bitset: %w", err)
		}
		consumed = headerSize + 2 + encSz

	default:
		return nil, 0, fmt.Errorf("unknown bitset encoding 0x%x", kind)
	}

	u := make([]uint64, len(words)/8)
	for i := range u {
		u[i] = binary.LittleEndian.Uint64(words[i*8:])
	}
	return bitset.FromWithLength(uint(nBits), u), consumed, nil
}

package ptappdata

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// ShardHeaderSize is the size of the header in front of every shard:
// object ID, object length, shard index, data and parity shard counts.
const ShardHeaderSize = 4 + 4 + 1 + 1 + 1

// ErrTooFewShards is returned when an object is requested
// before enough of its shards have arrived.
var ErrTooFewShards = errors.New("too few shards to reconstruct object")

// ShardConfig controls how a [Sharder] splits objects.
type ShardConfig struct {
	// Maximum shard payload size, excluding [ShardHeaderSize].
	ChunkSize int

	// Number of parity shards as a fraction of data shards.
	ParityRatio float32
}

// Sharder splits objects into erasure-coded shards.
type Sharder struct {
	cfg ShardConfig
}

func NewSharder(cfg ShardConfig) (Sharder, error) {
	if cfg.ChunkSize <= 0 {
		return Sharder{}, fmt.Errorf("chunk size must be positive (got %d)", cfg.ChunkSize)
	}
	if cfg.ParityRatio < 0 {
		return Sharder{}, fmt.Errorf("parity ratio must not be negative (got %f)", cfg.ParityRatio)
	}
	return Sharder{cfg: cfg}, nil
}

// Shards returns the framed data and parity shards for obj.
// Any nData of the returned shards suffice to rebuild obj.
func (s Sharder) Shards(objectID uint32, obj []byte) ([][]byte, error) {
	if len(obj) == 0 {
		return nil, errors.New("cannot shard empty object")
	}

	nData := len(obj) / s.cfg.ChunkSize
	if len(obj)%s.cfg.ChunkSize > 0 {
		nData++
	}
	nParity := int(s.cfg.ParityRatio * float32(nData))
	if nParity == 0 && s.cfg.ParityRatio > 0 {
		nParity = 1
	}
	if nData+nParity > 255 {
		return nil, fmt.Errorf(
			"object too large: %d data and %d parity shards exceed limit of 255",
			nData, nParity,
		)
	}

	enc, err := reedsolomon.New(nData, max(nParity, 1))
	if err != nil {
		return nil, fmt.Errorf("failed to build Reed-Solomon encoder: %w", err)
	}

	raw, err := enc.Split(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to split object: %w", err)
	}
	if err := enc.Encode(raw); err != nil {
		return nil, fmt.Errorf("failed to erasure-code object: %w", err)
	}

	// The encoder always has at least one parity shard;
	// drop it when none were requested.
	raw = raw[:nData+nParity]

	out := make([][]byte, len(raw))
	for i, r := range raw {
		b := make([]byte, 0, ShardHeaderSize+len(r))
		b = binary.BigEndian.AppendUint32(b, objectID)
		b = binary.BigEndian.AppendUint32(b, uint32(len(obj)))
		b = append(b, byte(i), byte(nData), byte(nParity))
		out[i] = append(b, r...)
	}
	return out, nil
}

// Reassembler collects shards produced by a [Sharder].
//
// Reassembler is not safe for concurrent use.
type Reassembler struct {
	objects map[uint32]*partialObject
}

type partialObject struct {
	objLen         int
	nData, nParity int

	shards [][]byte
	have   int

	obj []byte
}

func NewReassembler() *Reassembler {
	return &Reassembler{objects: make(map[uint32]*partialObject)}
}

// Add stores one shard.
// It returns the object and true exactly once,
// on the shard that makes reconstruction possible.
func (r *Reassembler) Add(shard []byte) ([]byte, bool, error) {
	if len(shard) < ShardHeaderSize {
		return nil, false, fmt.Errorf("shard too short: %d bytes", len(shard))
	}
	id := binary.BigEndian.Uint32(shard)
	objLen := int(binary.BigEndian.Uint32(shard[4:]))
	idx, nData, nParity := int(shard[8]), int(shard[9]), int(shard[10])
	body := shard[ShardHeaderSize:]

	if nData == 0 || idx >= nData+nParity {
		return nil, false, fmt.Errorf("invalid shard %d of %d+%d", idx, nData, nParity)
	}

	p, ok := r.objects[id]
	if !ok {
		p = &partialObject{
			objLen:  objLen,
			nData:   nData,
			nParity: nParity,
			shards:  make([][]byte, nData+max(nParity, 1)),
		}
		r.objects[id] = p
	} else if p.nData != nData || p.nParity != nParity || p.objLen != objLen {
		return nil, false, fmt.Errorf("shard %d disagrees with earlier shards of object %d", idx, id)
	}

	if p.obj != nil || p.shards[idx] != nil {
		return nil, false, nil
	}
	p.shards[idx] = bytes.Clone(body)
	p.have++

	if p.have < p.nData {
		return nil, false, nil
	}

	obj, err := p.reconstruct()
	if err != nil {
		return nil, false, fmt.Errorf("failed to reconstruct object %d: %w", id, err)
	}
	p.obj = obj
	p.shards = nil
	return obj, true, nil
}

// Object returns a completed object,
// or [ErrTooFewShards] if it cannot be rebuilt yet.
func (r *Reassembler) Object(id uint32) ([]byte, error) {
	p, ok := r.objects[id]
	if !ok || p.obj == nil {
		return nil, ErrTooFewShards
	}
	return p.obj, nil
}

// Forget discards all state for an object.
func (r *Reassembler) Forget(id uint32) {
	delete(r.objects, id)
}

func (p *partialObject) reconstruct() ([]byte, error) {
	enc, err := reedsolomon.New(p.nData, max(p.nParity, 1))
	if err != nil {
		return nil, err
	}
	if err := enc.ReconstructData(p.shards); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(p.objLen)
	if err := enc.Join(&buf, p.shards, p.objLen); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

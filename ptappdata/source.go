package ptappdata

// Source supplies the initiator's payloads in order.
type Source interface {
	// Next returns the next payload, or false once the source is exhausted.
	Next() ([]byte, bool)
}

// FixedSource yields Count payloads of Length bytes.
// Each payload is filled with the low byte of its one-based index.
type FixedSource struct {
	Count, Length int

	n int
}

func (s *FixedSource) Next() ([]byte, bool) {
	if s.n >= s.Count {
		return nil, false
	}
	s.n++
	b := make([]byte, s.Length)
	for i := range b {
		b[i] = byte(s.n)
	}
	return b, true
}

// SliceSource yields the given payloads in order.
// Combined with [Sharder.Shards] it floods one large object.
type SliceSource struct {
	Payloads [][]byte

	n int
}

func (s *SliceSource) Next() ([]byte, bool) {
	if s.n >= len(s.Payloads) {
		return nil, false
	}
	p := s.Payloads[s.n]
	s.n++
	return p, true
}

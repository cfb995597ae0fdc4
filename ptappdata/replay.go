package ptappdata

// DefaultReplay is the default number of payloads kept for re-requests.
const DefaultReplay = 64

// Replay keeps the most recent payloads by sequence number
// so a parent can answer missing-data requests from its children.
type Replay struct {
	seqs     []uint32
	payloads [][]byte
}

// NewReplay returns a Replay holding up to n payloads;
// a non-positive n selects [DefaultReplay].
func NewReplay(n int) *Replay {
	if n <= 0 {
		n = DefaultReplay
	}
	return &Replay{
		seqs:     make([]uint32, n),
		payloads: make([][]byte, n),
	}
}

// Put stores payload under seq, displacing whatever shared its slot.
// The payload is retained, not copied.
func (r *Replay) Put(seq uint32, payload []byte) {
	i := int(seq % uint32(len(r.seqs)))
	r.seqs[i] = seq
	r.payloads[i] = payload
}

// Get returns the payload stored under seq.
func (r *Replay) Get(seq uint32) ([]byte, bool) {
	if seq == 0 {
		return nil, false
	}
	i := int(seq % uint32(len(r.seqs)))
	if r.seqs[i] != seq || r.payloads[i] == nil {
		return nil, false
	}
	return r.payloads[i], true
}

package ptstate

import (
	"math"
	"slices"
	"time"

	"github.com/gordian-engine/powertree/ptpower"
	"github.com/gordian-engine/powertree/ptwire"
)

// initialAdvertised is the highest and second highest power
// assumed for a neighbor that has not yet advertised any.
const initialAdvertised = 1.17549435e-38

const reachEpsilon = 1e-7

// NodeRecord is what a node knows about one neighbor within one game.
//
// Records live in the [GameState] arena and are never copied;
// the parent, contacted parent, children and fallback stack
// all refer to the same *NodeRecord.
type NodeRecord struct {
	addr ptwire.Addr

	// Stable arena index, used as the bit position in child lock sets.
	idx uint

	// Parent address the neighbor last advertised.
	// The zero address means nothing was ever advertised,
	// and Broadcast means the neighbor advertised having no parent.
	ClaimedParent ptwire.Addr

	// Highest and second highest reach power among the neighbor's children, in dBm.
	Highest, SecondHighest float64

	reach        float64
	reachChanged bool

	// Last measured receive signal and noise, in dBm.
	RxPower, Noise float64

	Finished bool

	// Number of connection attempts toward this neighbor
	// since the counter was last reset.
	ConnAttempts int

	// Set while the neighbor is beyond the local maximum transmit power,
	// or while it reports receiving problems from us.
	ReachProblem bool

	path        []ptwire.Addr
	pathChanged bool

	LastHeard time.Time
}

func newNodeRecord(addr ptwire.Addr, idx uint) *NodeRecord {
	return &NodeRecord{
		addr: addr,
		idx:  idx,

		Highest:       initialAdvertised,
		SecondHighest: initialAdvertised,

		reach: ptpower.Unreachable,
	}
}

func (n *NodeRecord) Addr() ptwire.Addr {
	return n.addr
}

// Reach is the transmit power in dBm this node needs to reach the neighbor.
func (n *NodeRecord) Reach() float64 {
	return n.reach
}

// SetReach updates the reach power.
//
// The changed flag is raised when the new value is equal to the old one
// within 1e-7 dBm, and left alone otherwise.
// Neighbor discovery handling depends on this exact behavior:
// a child whose reach stays put across consecutive frames
// prompts a finished parent to re-advertise.
func (n *NodeRecord) SetReach(dbm float64) {
	if math.Abs(n.reach-dbm) < reachEpsilon {
		n.reachChanged = true
	}
	n.reach = dbm
}

func (n *NodeRecord) ReachChanged() bool { return n.reachChanged }
func (n *NodeRecord) ResetReachChanged() { n.reachChanged = false }

// Path is the ancestor chain the neighbor last advertised,
// root first and ending with the neighbor itself.
// The returned slice must not be modified.
func (n *NodeRecord) Path() []ptwire.Addr {
	return n.path
}

// SetPath replaces the advertised path,
// raising the changed flag if it differs from the previous one
// and clearing it otherwise.
func (n *NodeRecord) SetPath(p []ptwire.Addr) {
	n.pathChanged = !slices.Equal(n.path, p)
	n.path = append(n.path[:0], p...)
}

// ClearPath drops the advertised path without touching the changed flag.
func (n *NodeRecord) ClearPath() {
	n.path = n.path[:0]
}

func (n *NodeRecord) PathChanged() bool { return n.pathChanged }
func (n *NodeRecord) ResetPathChanged() { n.pathChanged = false }

// OnPath reports whether a appears in the neighbor's advertised path.
func (n *NodeRecord) OnPath(a ptwire.Addr) bool {
	return slices.Contains(n.path, a)
}

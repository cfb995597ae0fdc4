package ptsim

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/gordian-engine/powertree/ptclock"
	"github.com/gordian-engine/powertree/ptpower"
	"github.com/gordian-engine/powertree/ptproto"
	"github.com/gordian-engine/powertree/ptwire"
)

// NetworkConfig is the configuration for [NewNetwork].
type NetworkConfig struct {
	Protocol ptproto.Config
	Medium   MediumConfig

	// One node per position, addressed 1, 2, 3, ... in order.
	Positions []Position

	// Virtual start time. The zero value is fine.
	Start time.Time

	// Optional extra observer per node, teed after the node's [Recorder].
	Observer func(ptwire.Addr) ptproto.Observer
}

// Network is a set of engines sharing one [Medium] and one virtual clock.
type Network struct {
	log *slog.Logger

	Clock    *ptclock.Manual
	Medium   *Medium
	Watchdog *Watchdog

	Nodes []*NetworkNode

	games []uint64
}

// NetworkNode is one simulated node.
type NetworkNode struct {
	Addr     ptwire.Addr
	Station  *Station
	Engine   *ptproto.Engine
	Recorder *Recorder
}

// NewNetwork creates the medium and one engine per position.
// When cfg.Medium.MinSNR is zero it is taken from the protocol modulation.
func NewNetwork(log *slog.Logger, cfg NetworkConfig) (*Network, error) {
	clock := ptclock.NewManual(cfg.Start)
	if cfg.Medium.MinSNR == 0 {
		cfg.Medium.MinSNR = cfg.Protocol.Modulation.MinSNR()
	}
	m, err := NewMedium(log.With("sys", "medium"), clock, cfg.Medium)
	if err != nil {
		return nil, fmt.Errorf("failed to create medium: %w", err)
	}

	n := &Network{
		log: log,

		Clock:    clock,
		Medium:   m,
		Watchdog: NewWatchdog(),

		Nodes: make([]*NetworkNode, len(cfg.Positions)),
	}

	for i, pos := range cfg.Positions {
		addr := ptwire.AddrFromUint64(uint64(i + 1))
		st, err := m.Attach(addr, pos)
		if err != nil {
			return nil, err
		}

		rec := NewRecorder()
		var obs ptproto.Observer = rec
		if cfg.Observer != nil {
			if extra := cfg.Observer(addr); extra != nil {
				obs = ptproto.Tee(rec, extra)
			}
		}

		e, err := ptproto.NewEngine(log.With("node", i+1), ptproto.EngineConfig{
			Config:   cfg.Protocol,
			Self:     addr,
			Link:     st,
			Clock:    clock,
			Observer: obs,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create engine %d: %w", i+1, err)
		}
		st.SetReceiver(e)

		n.Nodes[i] = &NetworkNode{
			Addr:     addr,
			Station:  st,
			Engine:   e,
			Recorder: rec,
		}
	}

	return n, nil
}

// StartGame starts game id at the node with the given index.
func (n *Network) StartGame(id uint64, initiator int) error {
	if initiator < 0 || initiator >= len(n.Nodes) {
		return fmt.Errorf("initiator index %d out of range [0, %d)", initiator, len(n.Nodes))
	}
	if err := n.Nodes[initiator].Engine.StartGame(id); err != nil {
		return err
	}
	n.games = append(n.games, id)
	return nil
}

// Step runs one clock callback and lets the watchdog
// inspect every started game. It reports whether a callback ran.
func (n *Network) Step() bool {
	if !n.Clock.Step() {
		return false
	}
	for _, id := range n.games {
		n.Watchdog.Observe(n.Clock.Now(), n.Parents(id))
	}
	return true
}

// Run steps until the clock is idle or maxSteps callbacks ran,
// and returns the number of callbacks run.
func (n *Network) Run(maxSteps int) int {
	i := 0
	for i < maxSteps && n.Step() {
		i++
	}
	return i
}

// RunUntil steps until cond holds, the clock is idle,
// or maxSteps callbacks ran. It reports whether cond held.
func (n *Network) RunUntil(cond func() bool, maxSteps int) bool {
	for range maxSteps {
		if cond() {
			return true
		}
		if !n.Step() {
			break
		}
	}
	return cond()
}

// Parents returns the parent of every node that has one in game id.
func (n *Network) Parents(id uint64) map[ptwire.Addr]ptwire.Addr {
	out := make(map[ptwire.Addr]ptwire.Addr, len(n.Nodes))
	for _, nn := range n.Nodes {
		if p, ok := nn.Engine.Parent(id); ok {
			out[nn.Addr] = p
		}
	}
	return out
}

// Finished reports whether every node has finished game id.
func (n *Network) Finished(id uint64) bool {
	for _, nn := range n.Nodes {
		if !nn.Engine.Finished(id) {
			return false
		}
	}
	return true
}

// Reaches reports whether every node's parent chain in game id
// ends at the initiator.
func (n *Network) Reaches(id uint64, initiator int) bool {
	parents := n.Parents(id)
	root := n.Nodes[initiator].Addr
	for _, nn := range n.Nodes {
		cur := nn.Addr
		for range len(n.Nodes) {
			if cur == root {
				break
			}
			p, ok := parents[cur]
			if !ok {
				return false
			}
			cur = p
		}
		if cur != root {
			return false
		}
	}
	return true
}

// TreePower returns the total transmit power the tree of game id needs,
// in watts: every node with children transmits at its highest child reach.
func (n *Network) TreePower(id uint64) float64 {
	var total float64
	for _, nn := range n.Nodes {
		s, ok := nn.Engine.Snapshot(id)
		if !ok || len(s.Children) == 0 {
			continue
		}
		total += ptpower.DbmToW(s.Highest)
	}
	return total
}

// Line places n nodes spacing meters apart on the x axis.
func Line(n int, spacing float64) []Position {
	out := make([]Position, n)
	for i := range out {
		out[i] = Position{X: float64(i) * spacing}
	}
	return out
}

// Grid places rows*cols nodes on a square grid.
func Grid(rows, cols int, spacing float64) []Position {
	out := make([]Position, 0, rows*cols)
	for r := range rows {
		for c := range cols {
			out = append(out, Position{X: float64(c) * spacing, Y: float64(r) * spacing})
		}
	}
	return out
}

// Scatter places n nodes uniformly in a side by side square,
// retrying each placement until it is within maxLink meters of an earlier node,
// so the resulting topology is connected.
func Scatter(r *rand.Rand, n int, side, maxLink float64) []Position {
	out := make([]Position, 0, n)
	for len(out) < n {
		p := Position{X: r.Float64() * side, Y: r.Float64() * side}
		if len(out) == 0 || nearest(out, p) <= maxLink {
			out = append(out, p)
		}
	}
	return out
}

func nearest(ps []Position, p Position) float64 {
	best := math.Inf(1)
	for _, q := range ps {
		best = min(best, p.Distance(q))
	}
	return best
}

package ptsim

import (
	"slices"
	"strings"
	"time"

	"github.com/gordian-engine/powertree/ptwire"
)

// Cycle is one parent-link cycle seen by a [Watchdog].
type Cycle struct {
	// Members in ascending address order.
	Members []ptwire.Addr

	FirstSeen time.Time

	// Zero while the cycle persists.
	ResolvedAt time.Time
}

// Watchdog follows the parent links of every node
// and records each cycle while it exists.
// It only observes; nothing it finds is fed back to the nodes.
type Watchdog struct {
	active map[string]*Cycle
	all    []*Cycle
	seen   map[string]struct{}

	selfParent []ptwire.Addr
}

func NewWatchdog() *Watchdog {
	return &Watchdog{
		active: make(map[string]*Cycle),
		seen:   make(map[string]struct{}),
	}
}

// Observe checks the parent map at time now.
// Cycles absent from parents are marked resolved.
func (w *Watchdog) Observe(now time.Time, parents map[ptwire.Addr]ptwire.Addr) {
	found := make(map[string][]ptwire.Addr)

	// 0 unvisited, 1 on the current walk, 2 done.
	state := make(map[ptwire.Addr]uint8, len(parents))
	for start := range parents {
		if state[start] != 0 {
			continue
		}

		var walk []ptwire.Addr
		cur := start
		for {
			if state[cur] == 1 {
				i := slices.Index(walk, cur)
				members := slices.Clone(walk[i:])
				slices.SortFunc(members, compareAddr)
				found[cycleKey(members)] = members
				break
			}
			if state[cur] == 2 {
				break
			}
			state[cur] = 1
			walk = append(walk, cur)

			p, ok := parents[cur]
			if !ok {
				break
			}
			if p == cur && !slices.Contains(w.selfParent, cur) {
				w.selfParent = append(w.selfParent, cur)
			}
			cur = p
		}
		for _, a := range walk {
			state[a] = 2
		}
	}

	for k, c := range w.active {
		if _, ok := found[k]; !ok {
			c.ResolvedAt = now
			delete(w.active, k)
		}
	}
	for k, members := range found {
		if _, ok := w.active[k]; ok {
			continue
		}
		c := &Cycle{Members: members, FirstSeen: now}
		w.active[k] = c
		w.all = append(w.all, c)
		w.seen[k] = struct{}{}
	}
}

// Cycles returns every recorded cycle occurrence in order of appearance.
func (w *Watchdog) Cycles() []Cycle {
	out := make([]Cycle, len(w.all))
	for i, c := range w.all {
		out[i] = *c
	}
	return out
}

// Active returns the number of cycles present at the last observation.
func (w *Watchdog) Active() int {
	return len(w.active)
}

// Unique returns the number of distinct member sets ever seen in a cycle.
func (w *Watchdog) Unique() int {
	return len(w.seen)
}

// SelfParents returns the nodes ever seen naming themselves as parent.
func (w *Watchdog) SelfParents() []ptwire.Addr {
	return slices.Clone(w.selfParent)
}

func compareAddr(a, b ptwire.Addr) int {
	return strings.Compare(string(a[:]), string(b[:]))
}

func cycleKey(members []ptwire.Addr) string {
	var sb strings.Builder
	for _, a := range members {
		sb.Write(a[:])
	}
	return sb.String()
}

package ptproto

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/gordian-engine/powertree/internal/ptbitset"
	"github.com/gordian-engine/powertree/ptappdata"
	"github.com/gordian-engine/powertree/ptclock"
	"github.com/gordian-engine/powertree/ptpower"
	"github.com/gordian-engine/powertree/ptretry"
	"github.com/gordian-engine/powertree/ptseq"
	"github.com/gordian-engine/powertree/ptstate"
	"github.com/gordian-engine/powertree/ptwire"
)

// Link is the outbound side of the link layer.
type Link interface {
	// Transmit sends frame to dst, which may be [ptwire.Broadcast],
	// at txPower dBm.
	//
	// The link reports the outcome later through [*Engine.LinkAcked],
	// [*Engine.LinkLost] or [*Engine.LinkFailed],
	// keyed by the sequence number in the frame header.
	// Transmit must not call back into the engine synchronously.
	Transmit(frame []byte, dst ptwire.Addr, txPower float64)
}

// RxInfo is the measurement the link attaches to an inbound frame.
type RxInfo struct {
	// Received signal and noise floor, in dBm.
	Signal, Noise float64

	// Minimum SNR in dB needed to decode the frame.
	// Zero selects the SNR of the configured modulation.
	MinSNR float64
}

// EngineConfig is the configuration passed to [NewEngine].
type EngineConfig struct {
	Config

	// Address of the local node.
	Self ptwire.Addr

	Link Link

	// Timer callbacks must be serialized with all other calls into the engine.
	Clock ptclock.Clock

	// Optional; defaults to [NopObserver].
	Observer Observer
}

// Engine runs the tree construction protocol for every game a node takes part in.
//
// Engine is not safe for concurrent use.
// Every method call, including timer callbacks delivered through the clock,
// must be serialized by the caller; the root package's Node does this.
type Engine struct {
	log *slog.Logger

	cfg     Config
	self    ptwire.Addr
	variant ptwire.Variant

	link  Link
	clock ptclock.Clock
	obs   Observer

	strat strategy

	seq    ptseq.Counter
	dups   *ptseq.DupCache
	ledger *ptretry.Ledger
	retry  *ptretry.Scheduler

	bsEnc ptbitset.Encoder
	bsDec ptbitset.Decoder

	games map[uint64]*game
}

// game holds one GameState plus the engine-side timers and data flow for it.
type game struct {
	gs  *ptstate.GameState
	log *slog.Logger

	// Neighbor discovery, parent path refresh, initiator data, and missing-data request timers.
	nd, ppc, app, miss ptclock.Timer

	window *ptappdata.Window
	replay *ptappdata.Replay
	reasm  *ptappdata.Reassembler

	// Initiator side of the data flood.
	source    ptappdata.Source
	dataSeq   uint32
	dataFrame uint16
}

// NewEngine returns a new Engine.
// It returns an error if cfg.Config is invalid or a collaborator is missing.
func NewEngine(log *slog.Logger, cfg EngineConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Link == nil {
		return nil, errors.New("EngineConfig.Link must not be nil")
	}
	if cfg.Clock == nil {
		return nil, errors.New("EngineConfig.Clock must not be nil")
	}
	if cfg.Self.IsBroadcast() || cfg.Self.IsZero() {
		return nil, fmt.Errorf("invalid local address %s", cfg.Self)
	}

	obs := cfg.Observer
	if obs == nil {
		obs = NopObserver{}
	}

	e := &Engine{
		log: log,

		cfg:     cfg.Config,
		self:    cfg.Self,
		variant: cfg.Strategy.Variant(),

		link:  cfg.Link,
		clock: cfg.Clock,
		obs:   obs,

		dups:   ptseq.NewDupCache(cfg.DupWindow),
		ledger: ptretry.NewLedger(),

		games: make(map[uint64]*game),
	}

	e.retry = ptretry.NewScheduler(
		log.With("sys", "retry"),
		cfg.Clock,
		e.ledger,
		retryHandler{e: e},
		ptretry.Config{
			InitialDelay: cfg.retryInitialDelay(),
			Interval:     cfg.retryInterval(),
			Ceiling:      cfg.RetryCeiling,
			PowerStep:    cfg.RetryPowerStep,
			MaxPower:     cfg.MaxTxPower,
		},
	)

	switch cfg.Strategy {
	case StrategyAsync:
		e.strat = asyncStrategy{e: e}
	case StrategyMutex:
		e.strat = mutexStrategy{e: e}
	case StrategySourcePath:
		e.strat = pathStrategy{e: e}
	}

	return e, nil
}

// Self returns the local address.
func (e *Engine) Self() ptwire.Addr {
	return e.self
}

// StartGame creates game id with the local node as initiator
// and broadcasts the first neighbor discovery.
func (e *Engine) StartGame(id uint64) error {
	if id > ptwire.MaxGameID {
		return fmt.Errorf("game ID %d exceeds 48 bits", id)
	}
	if _, ok := e.games[id]; ok {
		return fmt.Errorf("game %d already exists", id)
	}

	g := e.newGame(id, true)
	g.log.Info("Starting game")
	e.broadcastND(g)
	return nil
}

// RemoveGame discards all state for game id,
// stopping its timers and pending retransmissions.
// Frames for the game arriving later create it afresh.
func (e *Engine) RemoveGame(id uint64) {
	g, ok := e.games[id]
	if !ok {
		return
	}
	stopTimer(&g.nd)
	stopTimer(&g.ppc)
	stopTimer(&g.app)
	stopTimer(&g.miss)
	e.retry.CancelGame(id)
	if g.gs.IsInitiator() && g.dataFrame != 0 {
		e.ledger.Forget(g.dataFrame)
	}
	delete(e.games, id)
}

// LinkAcked records the link-layer acknowledgement of the frame with sequence seq.
func (e *Engine) LinkAcked(seq uint16) {
	e.ledger.MarkAcked(seq)
}

// LinkLost records that the frame with sequence seq was lost.
func (e *Engine) LinkLost(seq uint16) {
	e.ledger.MarkLost(seq)
}

// LinkFailed records that the link gave up reaching dst,
// which marks every outstanding frame toward dst as lost.
func (e *Engine) LinkFailed(dst ptwire.Addr) {
	e.ledger.MarkAllLost(dst)
}

func (e *Engine) newGame(id uint64, initiator bool) *game {
	g := &game{
		gs:  ptstate.New(id, e.self, initiator),
		log: e.log.With("game", id),

		window: ptappdata.NewWindow(e.cfg.AppData.Window, e.cfg.AppData.Backlog),
		replay: ptappdata.NewReplay(e.cfg.AppData.Replay),
	}
	if e.cfg.AppData.Sharded {
		g.reasm = ptappdata.NewReassembler()
	}
	if initiator {
		g.source = e.cfg.AppData.Source
		if g.source == nil {
			g.source = &ptappdata.FixedSource{Count: e.cfg.AppData.Count, Length: e.cfg.AppData.Length}
		}
	}
	e.games[id] = g
	return g
}

// HandleFrame processes one frame received from src and addressed to dst.
//
// The returned error is non-nil only for malformed frames,
// which are dropped without touching any state.
// Protocol-level problems never surface as errors.
func (e *Engine) HandleFrame(src, dst ptwire.Addr, raw []byte, rx RxInfo) error {
	h, n, err := ptwire.Decode(raw, e.variant)
	if err != nil {
		e.obs.FrameDropped(0, src, DropMalformed)
		return fmt.Errorf("failed to decode frame from %s: %w", src, err)
	}
	if e.dups.IsDuplicate(src, h.Seq) {
		e.obs.FrameDropped(h.Type, src, DropDuplicate)
		return nil
	}

	g, ok := e.games[h.GameID]
	if !ok {
		g = e.newGame(h.GameID, false)
	}
	gs := g.gs

	if !e.strat.fresh(gs, src, h.Type, h.Seq) {
		g.log.Debug("Dropping stale frame", "src", src, "type", h.Type, "seq", h.Seq)
		e.obs.FrameDropped(h.Type, src, DropStale)
		return nil
	}

	e.obs.FrameReceived(h.GameID, h.Type, src, len(raw))

	e.strat.onFrame(g, &h)

	node := gs.AddNeighbor(src)
	node.LastHeard = e.clock.Now()

	if h.Type != ptwire.ApplicationData {
		if !e.updateSender(g, node, &h, rx) {
			return nil
		}
	}

	switch h.Type {
	case ptwire.CycleCheck:
		e.strat.cycleCheck(g, node, &h)
	case ptwire.NeighborDiscovery:
		e.strat.neighborDiscovery(g, node, &h)
	case ptwire.ChildRequest:
		e.strat.childRequest(g, node)
	case ptwire.ChildConfirmation:
		e.strat.childConfirmation(g, node, &h)
	case ptwire.ChildRejection:
		e.strat.childRejection(g, node, false)
	case ptwire.ParentRevocation:
		e.strat.revocation(g, node)
	case ptwire.EndOfGame:
		e.handleEndOfGame(g, node)
	case ptwire.ApplicationData:
		e.handleApplicationData(g, node, dst, raw[n:])
	default:
		g.log.Debug("Ignoring unknown frame type", "src", src, "type", h.Type)
	}

	node.ResetReachChanged()
	node.ResetPathChanged()
	return nil
}

// updateSender refreshes what is known about the sender from the header.
// It returns false if the frame caused the sender to be dropped as a child,
// in which case the frame must not be handled further.
func (e *Engine) updateSender(g *game, node *ptstate.NodeRecord, h *ptwire.Header, rx RxInfo) bool {
	gs := g.gs
	maxP := e.cfg.MaxTxPower

	if e.variant == ptwire.VariantSourcePath {
		// No claimed parent on the wire; blacklist entries key on the sender itself.
		node.ClaimedParent = node.Addr()
	} else {
		node.ClaimedParent = h.ClaimedParent
	}

	minSNR := rx.MinSNR
	if minSNR == 0 {
		minSNR = e.cfg.Modulation.MinSNR()
	}
	node.SetReach(ptpower.RequiredPower(rx.Signal, float64(h.TxPower), rx.Noise, minSNR, maxP))
	node.RxPower, node.Noise = rx.Signal, rx.Noise
	node.Highest, node.SecondHighest = float64(h.Highest), float64(h.SecondHighest)
	node.Finished = h.GameFinished
	gs.FindHighest()

	if node.Reach() > maxP {
		node.ReachProblem = true
		if gs.IsChild(node) && h.Type != ptwire.ParentRevocation {
			e.dropUnreachableChild(g, node, h.Seq)
			return false
		}
	} else {
		node.ReachProblem = false
	}

	if h.ReceivingProblems {
		// The sender needed more than its maximum power to reach us.
		node.ReachProblem = true
		if gs.IsChild(node) && h.Type != ptwire.ParentRevocation {
			gs.ResetUnchanged()
			e.broadcastND(g)
		}
	}
	return true
}

// dropUnreachableChild treats the frame with sequence seq from a child
// that is now out of reach as a revocation, and rejects the child.
func (e *Engine) dropUnreachableChild(g *game, node *ptstate.NodeRecord, seq uint16) {
	g.log.Debug("Child out of reach", "child", node.Addr(), "reach", node.Reach())
	g.gs.SetLastSeq(node.Addr(), ptwire.ParentRevocation, seq)
	e.strat.revocation(g, node)
	e.send(g, ptwire.ChildRejection, node.Addr(), node.Reach())
}

// send builds a frame of type ft from the current game state and transmits it.
// Rejecting a child removes it from the child list first.
func (e *Engine) send(g *game, ft ptwire.FrameType, dst ptwire.Addr, txPower float64) {
	if ft == ptwire.ChildRejection {
		if n := g.gs.Neighbor(dst); g.gs.IsChild(n) {
			g.gs.RemoveChild(n)
		}
	}
	e.transmit(g, ptwire.Header{Type: ft}, dst, txPower, nil, false)
}

func (e *Engine) broadcastND(g *game) {
	e.send(g, ptwire.NeighborDiscovery, ptwire.Broadcast, e.cfg.MaxTxPower)
}

// sendCycleCheck sends a CYCLE_CHECK with the given addresses to dst.
func (e *Engine) sendCycleCheck(g *game, dst *ptstate.NodeRecord, orig, newParent, oldParent ptwire.Addr) {
	h := ptwire.Header{
		Type:       ptwire.CycleCheck,
		Originator: orig,
		NewParent:  newParent,
		OldParent:  oldParent,
	}
	e.transmit(g, h, dst.Addr(), dst.Reach(), nil, false)
}

// transmit fills in the common header fields, starts delivery tracking,
// and hands the frame to the link.
// It reports whether the frame was sent;
// neighbor discovery frames may be suppressed by the discovery round logic.
func (e *Engine) transmit(
	g *game, h ptwire.Header, dst ptwire.Addr, txPower float64, body []byte, retransmission bool,
) bool {
	gs := g.gs

	h.ReceivingProblems = false
	if txPower > e.cfg.MaxTxPower {
		txPower = e.cfg.MaxTxPower
		h.ReceivingProblems = true
	}
	gs.FindHighest()

	if !retransmission {
		h.Seq = e.seq.Next()
	}

	if h.Type == ptwire.NeighborDiscovery && !e.strat.allowND(g) {
		return false
	}

	h.GameID = gs.ID()
	h.TxPower = float32(txPower)
	h.ClaimedParent = ptwire.Broadcast
	if p := gs.Parent(); p != nil {
		h.ClaimedParent = p.Addr()
	}
	h.Highest = float32(gs.Highest())
	h.SecondHighest = float32(gs.SecondHighest())
	h.GameFinished = gs.Finished()
	e.strat.stamp(g, &h)

	if !retransmission && (h.Type == ptwire.CycleCheck || h.Type.NeedsAck()) {
		e.retry.Track(ptretry.Record{
			Seq:        h.Seq,
			GameID:     gs.ID(),
			Type:       h.Type,
			Target:     dst,
			TxPower:    txPower,
			Originator: h.Originator,
			NewParent:  h.NewParent,
			OldParent:  h.OldParent,
		})
	}

	frame := h.AppendTo(make([]byte, 0, h.EncodedSize(e.variant)+len(body)), e.variant)
	frame = append(frame, body...)

	e.link.Transmit(frame, dst, txPower)
	e.obs.FrameSent(gs.ID(), h.Type, dst, txPower, len(frame), retransmission)
	return true
}

// armND schedules the next neighbor discovery round, replacing any pending one.
func (e *Engine) armND(g *game) {
	stopTimer(&g.nd)
	g.nd = e.after(g, e.cfg.ndInterval(), e.discoveryRound)
}

func (e *Engine) stopND(g *game) {
	stopTimer(&g.nd)
}

func (e *Engine) discoveryRound(g *game) {
	g.nd = nil
	if reaped := g.gs.Reap(e.clock.Now(), e.cfg.NeighborTTL); len(reaped) > 0 {
		g.log.Debug("Forgot silent neighbors", "addrs", reaped)
	}
	e.broadcastND(g)
}

// checkND runs on every neighbor discovery send.
// It either concludes that the local tree has converged and finishes the game,
// or schedules the next round and counts one more unchanged round.
// It reports whether the discovery frame should still be sent.
func (e *Engine) checkND(g *game) bool {
	gs := g.gs
	if gs.Unchanged() >= e.cfg.MaxUnchangedRounds && gs.AllChildrenFinished() &&
		(!gs.IsInitiator() || gs.HasChildren()) {
		if !gs.IsInitiator() {
			e.contactCheapest(g)
		}
		e.stopND(g)
		if gs.Contacted() == nil {
			e.finishGame(g)
		}
	} else {
		e.armND(g)
		gs.IncrUnchanged()
	}
	return !gs.Finished()
}

// after schedules f for game g.
// The callback is skipped if g was removed in the meantime.
func (e *Engine) after(g *game, d time.Duration, f func(*game)) ptclock.Timer {
	id := g.gs.ID()
	return e.clock.AfterFunc(d, func() {
		if cur, ok := e.games[id]; ok && cur == g {
			f(g)
		}
	})
}

func stopTimer(t *ptclock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// markFinished finishes the game locally, once.
func (e *Engine) markFinished(g *game) {
	if g.gs.Finished() {
		return
	}
	now := e.clock.Now()
	g.gs.Finish(now)
	g.log.Info("Finished game", "children", g.gs.NumChildren())
	e.obs.GameFinished(g.gs.ID(), now)
}

// exhausted reports whether the node has been rejected so often
// without a parent that it should wait for fresh discovery frames.
func exhausted(gs *ptstate.GameState) bool {
	return gs.Rejections > 2*gs.NumNeighbors() && gs.Parent() == nil
}

// Games returns the IDs of all known games in ascending order.
func (e *Engine) Games() []uint64 {
	ids := make([]uint64, 0, len(e.games))
	for id := range e.games {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// GameSnapshot is a copy of the externally interesting state of one game.
type GameSnapshot struct {
	ID        uint64
	Initiator bool

	Finished   bool
	FinishedAt time.Time

	// Broadcast when absent.
	Parent, Contacted ptwire.Addr

	Children []ptwire.Addr

	Highest, SecondHighest float64

	Unchanged  int
	Neighbors  int
	Blacklist  int
	Rejections int

	Locked   bool
	LockedBy ptwire.Addr

	// Path to the initiator as advertised by the parent.
	ParentPath []ptwire.Addr

	DataReceived uint64
	DataCurrent  uint32
	DataMissing  int
}

// Snapshot returns the state of game id.
func (e *Engine) Snapshot(id uint64) (GameSnapshot, bool) {
	g, ok := e.games[id]
	if !ok {
		return GameSnapshot{}, false
	}
	gs := g.gs

	s := GameSnapshot{
		ID:        id,
		Initiator: gs.IsInitiator(),

		Finished:   gs.Finished(),
		FinishedAt: gs.FinishedAt(),

		Parent:    ptwire.Broadcast,
		Contacted: ptwire.Broadcast,

		Highest:       gs.Highest(),
		SecondHighest: gs.SecondHighest(),

		Unchanged:  gs.Unchanged(),
		Neighbors:  gs.NumNeighbors(),
		Blacklist:  gs.BlacklistLen(),
		Rejections: gs.Rejections,

		Locked:   gs.Locked(),
		LockedBy: gs.LockedBy,

		DataReceived: g.window.Received(),
		DataCurrent:  g.window.Current(),
		DataMissing:  g.window.NumMissing(),
	}
	if p := gs.Parent(); p != nil {
		s.Parent = p.Addr()
		s.ParentPath = slices.Clone(p.Path())
	}
	if c := gs.Contacted(); c != nil {
		s.Contacted = c.Addr()
	}
	for _, c := range gs.Children() {
		s.Children = append(s.Children, c.Addr())
	}
	return s, true
}

// PendingRetries returns the number of frames awaiting delivery confirmation.
func (e *Engine) PendingRetries() int {
	return e.retry.Len()
}

// Parent returns the current parent in game id, or false if there is none.
func (e *Engine) Parent(id uint64) (ptwire.Addr, bool) {
	g, ok := e.games[id]
	if !ok || g.gs.Parent() == nil {
		return ptwire.Addr{}, false
	}
	return g.gs.Parent().Addr(), true
}

// Finished reports whether game id exists and has finished locally.
func (e *Engine) Finished(id uint64) bool {
	g, ok := e.games[id]
	return ok && g.gs.Finished()
}

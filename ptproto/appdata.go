package ptproto

import (
	"encoding/binary"

	"github.com/gordian-engine/powertree/ptappdata"
	"github.com/gordian-engine/powertree/ptretry"
	"github.com/gordian-engine/powertree/ptstate"
	"github.com/gordian-engine/powertree/ptwire"
)

// startAppData begins or resumes the initiator's data flood.
// It is a no-op while a send is already scheduled.
func (e *Engine) startAppData(g *game) {
	if !g.gs.IsInitiator() || g.app != nil {
		return
	}
	if g.dataSeq == 0 {
		g.log.Info("Starting data flood", "children", g.gs.NumChildren())
	}
	e.appTick(g)
}

// appTick sends the next payload once the previous one was delivered or lost,
// and schedules the following tick.
// The flood pauses while the initiator has no children.
func (e *Engine) appTick(g *game) {
	g.app = nil
	gs := g.gs
	if !gs.IsInitiator() || !gs.HasChildren() {
		return
	}

	if g.dataFrame == 0 || e.ledger.Status(g.dataFrame) != ptretry.StatusPending {
		payload, ok := g.source.Next()
		if !ok {
			g.log.Info("Data flood complete", "sent", g.dataSeq)
			if g.dataFrame != 0 {
				e.ledger.Forget(g.dataFrame)
				g.dataFrame = 0
			}
			return
		}
		if g.dataFrame != 0 {
			e.ledger.Forget(g.dataFrame)
		}

		g.dataSeq++
		g.replay.Put(g.dataSeq, payload)
		e.sendData(g, g.dataSeq, payload, ptwire.Broadcast, gs.Highest())
		g.dataFrame = e.seq.Current()
		e.ledger.Sent(g.dataFrame, ptwire.Broadcast)
	}

	g.app = e.after(g, e.cfg.AppData.Interval, e.appTick)
}

func (e *Engine) sendData(g *game, seq uint32, payload []byte, dst ptwire.Addr, txPower float64) {
	body := ptappdata.AppendPayload(nil, seq, payload)
	e.transmit(g, ptwire.Header{Type: ptwire.ApplicationData}, dst, txPower, body, false)
}

// handleApplicationData accepts a payload from the parent and relays it to the children,
// or answers a missing-data request from a child.
func (e *Engine) handleApplicationData(g *game, node *ptstate.NodeRecord, dst ptwire.Addr, body []byte) {
	gs := g.gs
	seq, payload, err := ptappdata.DecodePayload(body)
	if err != nil {
		g.log.Debug("Dropping malformed data", "src", node.Addr(), "err", err)
		return
	}

	if seq == ptappdata.RequestSeq {
		e.answerMissing(g, node, payload)
		return
	}

	if gs.IsInitiator() || node != gs.Parent() {
		return
	}

	if err := g.window.Accept(seq); err != nil {
		g.log.Debug("Dropping data", "src", node.Addr(), "dst", dst, "err", err)
		return
	}

	g.replay.Put(seq, payload)
	e.obs.DataDelivered(gs.ID(), seq, payload)

	if g.reasm != nil {
		obj, done, err := g.reasm.Add(payload)
		switch {
		case err != nil:
			g.log.Debug("Dropping shard", "seq", seq, "err", err)
		case done:
			id := binary.BigEndian.Uint32(payload)
			g.log.Info("Reassembled object", "object", id, "size", len(obj))
			e.obs.ObjectDelivered(gs.ID(), id, obj)
		}
	}

	if gs.HasChildren() {
		e.sendData(g, seq, payload, ptwire.Broadcast, gs.Highest())
	}

	if g.window.NumMissing() > 0 && e.cfg.AppData.RequestDelay > 0 && g.miss == nil {
		g.miss = e.after(g, e.cfg.AppData.RequestDelay, e.requestMissing)
	}
}

// requestMissing asks the parent for every sequence number still missing.
func (e *Engine) requestMissing(g *game) {
	g.miss = nil
	p := g.gs.Parent()
	missing := g.window.Missing()
	if p == nil || len(missing) == 0 {
		return
	}

	g.log.Debug("Requesting missing data", "parent", p.Addr(), "count", len(missing))
	req := ptappdata.EncodeMissing(&e.bsEnc, missing)
	e.sendData(g, ptappdata.RequestSeq, req, p.Addr(), p.Reach())
}

func (e *Engine) answerMissing(g *game, node *ptstate.NodeRecord, req []byte) {
	if !g.gs.IsChild(node) {
		return
	}
	seqs, err := ptappdata.DecodeMissing(&e.bsDec, req)
	if err != nil {
		g.log.Debug("Dropping malformed missing-data request", "src", node.Addr(), "err", err)
		return
	}

	var answered int
	for _, s := range seqs {
		if p, ok := g.replay.Get(s); ok {
			e.sendData(g, s, p, node.Addr(), node.Reach())
			answered++
		}
	}
	g.log.Debug(
		"Answered missing-data request",
		"child", node.Addr(), "requested", len(seqs), "answered", answered,
	)
}

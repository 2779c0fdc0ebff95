// Package consensus implements the windowed multiplexer of Decisions
// described in spec §4.3: exactly W in-flight Decisions covering
// sequences [seq_no, seq_no+W), with sequences beyond the window
// buffered in a consensus-level tbo queue until the window slides.
//
// Grounded on the teacher's consensus_manager.go multiplexing pattern
// (switching across algorithm instances by a routing key), adapted
// here to route by sequence offset instead of by algorithm kind.
package consensus

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/cerera/bft/internal/decision"
	"github.com/cerera/bft/internal/logger"
	"github.com/cerera/bft/internal/seqno"
	"github.com/cerera/bft/internal/tbo"
	"github.com/cerera/bft/internal/wire"
)

// bufferedMsg adapts a wire message pair to the tbo.Seq contract.
type bufferedMsg struct {
	Header wire.Header
	Msg    wire.ConsensusMessage
}

func (b bufferedMsg) Seqn() seqno.SeqNo { return b.Msg.Seq }

// Consensus owns a sliding window of Decisions and routes every
// incoming message to the Decision (or future-bucket) it belongs to.
type Consensus struct {
	seqNo  seqno.SeqNo // window floor; window covers [seqNo, seqNo+W)
	w      int
	quorum int
	view   seqno.SeqNo

	decisions []*decision.Decision
	future    *tbo.Queue[bufferedMsg] // rooted at seqNo+W

	log *zap.SugaredLogger
}

// New builds a Consensus window of exactly w Decisions starting at seqNo.
func New(seqNo seqno.SeqNo, w int, quorum int, view seqno.SeqNo, log *zap.SugaredLogger) *Consensus {
	c := &Consensus{
		seqNo:  seqNo,
		w:      w,
		quorum: quorum,
		view:   view,
		log:    log,
	}
	c.resetWindow(seqNo)
	return c
}

func (c *Consensus) resetWindow(from seqno.SeqNo) {
	c.seqNo = from
	c.decisions = make([]*decision.Decision, c.w)
	for i := 0; i < c.w; i++ {
		seq := from + seqno.SeqNo(i)
		c.decisions[i] = decision.New(seq, c.view, c.quorum, logger.WithSeq(c.log, seq))
	}
	c.future = tbo.New[bufferedMsg](from + seqno.SeqNo(c.w))
}

func (c *Consensus) SeqNo() seqno.SeqNo { return c.seqNo }

// index resolves msg.Seq into a window offset; ok is false for stale
// (below-window) sequences.
func (c *Consensus) index(seq seqno.SeqNo) (int, bool) {
	off, ok := seq.Index(c.seqNo)
	if !ok {
		return 0, false
	}
	return int(off), true
}

// Queue routes msg into its Decision if in-window, else the future
// tbo queue; stale (below-window) messages are dropped.
func (c *Consensus) Queue(h wire.Header, msg wire.ConsensusMessage) {
	i, ok := c.index(msg.Seq)
	if !ok {
		c.log.Debugw("dropping stale consensus message", "seq", msg.Seq, "window_floor", c.seqNo)
		return
	}
	if i < c.w {
		c.decisions[i].Queue(h, msg)
		return
	}
	c.future.Enqueue(bufferedMsg{Header: h, Msg: msg})
}

// ConsensusPollResult is the next ready message across the whole window.
type ConsensusPollResult struct {
	Kind   decision.PollKind
	Index  int
	Header wire.Header
	Msg    wire.ConsensusMessage
}

// Poll returns the first NextMessage produced by any Decision in
// window order, else PollRecv.
func (c *Consensus) Poll() ConsensusPollResult {
	for i, d := range c.decisions {
		r := d.Poll()
		if r.Kind == decision.PollNextMessage {
			return ConsensusPollResult{Kind: r.Kind, Index: i, Header: r.Header, Msg: r.Msg}
		}
	}
	return ConsensusPollResult{Kind: decision.PollRecv}
}

// ProcessMessage routes msg to its Decision and forwards the outcome.
// A message beyond the window returns StatusDeciding with no error —
// it has already been buffered by Queue.
func (c *Consensus) ProcessMessage(h wire.Header, msg wire.ConsensusMessage, net decision.Network, deferrer decision.ViewDeferrer) (decision.Outcome, error) {
	i, ok := c.index(msg.Seq)
	if !ok {
		return decision.Outcome{Status: decision.StatusDeciding}, nil
	}
	if i >= c.w {
		return decision.Outcome{Status: decision.StatusDeciding}, nil
	}
	return c.decisions[i].ProcessMessage(h, msg, net, deferrer)
}

// Finalize pops the front Decision if it has decided, slides the
// window forward by one, and seeds the new tail Decision with any
// messages the future queue had buffered for it. Finalization is
// strictly in order: decision i cannot finalize before 0..i have.
func (c *Consensus) Finalize(view seqno.SeqNo) (decision.CompletedBatch, bool, error) {
	if len(c.decisions) == 0 || !c.decisions[0].IsFinalizeable() {
		return decision.CompletedBatch{}, false, nil
	}
	completed, err := c.decisions[0].Finalize()
	if err != nil {
		return decision.CompletedBatch{}, false, fmt.Errorf("consensus: finalize front decision: %w", err)
	}
	c.nextInstance(view)
	return completed, true, nil
}

// nextInstance advances the window: drops the finalized front
// Decision, appends a fresh tail Decision for the newly in-window
// sequence, and replays any buffered future messages into it.
func (c *Consensus) nextInstance(view seqno.SeqNo) {
	c.seqNo = c.seqNo.Next()
	c.view = view

	tailSeq := c.seqNo + seqno.SeqNo(c.w-1)
	tail := decision.New(tailSeq, view, c.quorum, logger.WithSeq(c.log, tailSeq))

	drained := c.future.Advance()
	for _, bm := range drained {
		tail.Queue(bm.Header, bm.Msg)
	}

	c.decisions = append(c.decisions[1:], tail)
}

// SetQuorum updates the quorum bound applied to Decisions created from
// now on — in-flight decisions keep the bound they started with. Called
// when a view change admits a new quorum member.
func (c *Consensus) SetQuorum(q int) { c.quorum = q }

// InstallSequenceNumber discards the current window (used after state
// transfer installs a checkpoint ahead of it) and starts a fresh
// window of w Decisions at seq.
func (c *Consensus) InstallSequenceNumber(seq seqno.SeqNo) {
	c.log.Infow("installing new base sequence after state transfer", "seq", seq)
	c.resetWindow(seq)
}

// InstallForgedPrePrepare resets the window to start at msg.Seq and
// feeds it the synchronizer's forged PRE-PREPARE (spec §4.4 Finalize
// "deliver the forged PRE-PREPARE to the consensus as the new decision
// at curr_cid"). The owner loop drives it to PrePreparing on its next
// Poll/ProcessMessage the same way any other PRE-PREPARE would be.
func (c *Consensus) InstallForgedPrePrepare(view seqno.SeqNo, h wire.Header, msg wire.ConsensusMessage) {
	c.view = view
	c.resetWindow(msg.Seq)
	c.decisions[0].Queue(h, msg)
}

// Package decision implements the single-instance three-phase
// agreement state machine (spec §4.2): one Decision per active
// sequence number, advancing Init → PrePreparing → Preparing(k) →
// Committing(k) → Decided strictly forward, never reversing.
//
// Grounded on the PRE-PREPARE/PREPARE/COMMIT bookkeeping shape of the
// teacher's internal/gigea/gigea/pbft.go (hasEnoughPrepares /
// hasEnoughCommits counting against 2f+1), generalized from that
// file's single always-live instance into a value type one level of
// the Consensus window can own and advance independently.
package decision

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/cerera/bft/internal/digest"
	"github.com/cerera/bft/internal/seqno"
	"github.com/cerera/bft/internal/wire"
)

// State is the Decision's phase. Transitions only move forward in this list.
type State int

const (
	Init State = iota
	PrePreparing
	Preparing
	Committing
	Decided
)

func (s State) String() string {
	switch s {
	case Init:
		return "Init"
	case PrePreparing:
		return "PrePreparing"
	case Preparing:
		return "Preparing"
	case Committing:
		return "Committing"
	case Decided:
		return "Decided"
	default:
		return "Unknown"
	}
}

// Network is the slice of the Node boundary (spec §6) a Decision needs:
// identity, signing, and point-to-point/broadcast send.
type Network interface {
	ID() seqno.NodeID
	Sign(d digest.Digest) ([]byte, error)
	Verify(from seqno.NodeID, d digest.Digest, sig []byte) error
	BroadcastSigned(msg wire.ConsensusMessage, targets []seqno.NodeID) error
}

// ViewDeferrer receives messages whose view is ahead of this Decision's
// view_at_start — the synchronizer's buffering responsibility (spec §4.2).
type ViewDeferrer interface {
	DeferMessage(h wire.Header, msg wire.ConsensusMessage)
}

// Status is the outcome of ProcessMessage.
type Status int

const (
	StatusDeciding Status = iota
	StatusDecided
	StatusVotedTwice
)

// Outcome carries a Status plus the offending voter when StatusVotedTwice.
type Outcome struct {
	Status Status
	Voter  seqno.NodeID
}

// CompletedBatch is what Finalize produces: the ordered requests, the
// digest that bound them, and the Proof justifying the decision.
type CompletedBatch struct {
	Seq         seqno.SeqNo
	View        seqno.SeqNo
	Batch       []wire.ClientRequest
	BatchDigest digest.Digest
	Proof       wire.Proof
}

// bucket holds the buffered-early messages, one arrival-ordered list
// per phase.
type bucket struct {
	prePrepares []wire.StoredMessage[wire.ConsensusMessage]
	prepares    []wire.StoredMessage[wire.ConsensusMessage]
	commits     []wire.StoredMessage[wire.ConsensusMessage]
}

// MessageQueue buffers messages that arrived before the Decision was
// ready to process them: a PREPARE/COMMIT ahead of its PRE-PREPARE, or
// any message belonging to a phase not yet reached.
type MessageQueue struct {
	b bucket
}

func (q *MessageQueue) push(sm wire.StoredMessage[wire.ConsensusMessage]) {
	switch sm.Payload.Kind {
	case wire.KindPrePrepare:
		q.b.prePrepares = append(q.b.prePrepares, sm)
	case wire.KindPrepare:
		q.b.prepares = append(q.b.prepares, sm)
	case wire.KindCommit:
		q.b.commits = append(q.b.commits, sm)
	}
}

func (q *MessageQueue) popPrePrepare() (wire.StoredMessage[wire.ConsensusMessage], bool) {
	if len(q.b.prePrepares) == 0 {
		return wire.StoredMessage[wire.ConsensusMessage]{}, false
	}
	m := q.b.prePrepares[0]
	q.b.prePrepares = q.b.prePrepares[1:]
	return m, true
}

func (q *MessageQueue) popPrepare() (wire.StoredMessage[wire.ConsensusMessage], bool) {
	if len(q.b.prepares) == 0 {
		return wire.StoredMessage[wire.ConsensusMessage]{}, false
	}
	m := q.b.prepares[0]
	q.b.prepares = q.b.prepares[1:]
	return m, true
}

func (q *MessageQueue) popCommit() (wire.StoredMessage[wire.ConsensusMessage], bool) {
	if len(q.b.commits) == 0 {
		return wire.StoredMessage[wire.ConsensusMessage]{}, false
	}
	m := q.b.commits[0]
	q.b.commits = q.b.commits[1:]
	return m, true
}

// Decision drives one sequence number's agreement to completion.
type Decision struct {
	seq         seqno.SeqNo
	viewAtStart seqno.SeqNo
	quorum      int

	state       State
	batchDigest digest.Digest
	batch       []wire.ClientRequest

	prepareVoters seqno.Set
	commitVoters  seqno.Set

	prepareProofs []wire.StoredMessage[wire.ConsensusMessage]
	commitProofs  []wire.StoredMessage[wire.ConsensusMessage]

	buffered MessageQueue

	log *zap.SugaredLogger
}

// New creates a Decision at Init for seq, bound to the view active
// when it was created and the certification quorum it must reach.
func New(seq, view seqno.SeqNo, quorum int, log *zap.SugaredLogger) *Decision {
	return &Decision{
		seq:           seq,
		viewAtStart:   view,
		quorum:        quorum,
		state:         Init,
		prepareVoters: seqno.NewSet(),
		commitVoters:  seqno.NewSet(),
		log:           log,
	}
}

func (d *Decision) Seq() seqno.SeqNo   { return d.seq }
func (d *Decision) View() seqno.SeqNo  { return d.viewAtStart }
func (d *Decision) State() State       { return d.state }
func (d *Decision) IsFinalizeable() bool { return d.state == Decided }

// Queue buffers a message for later processing; never fails.
func (d *Decision) Queue(h wire.Header, msg wire.ConsensusMessage) {
	d.buffered.push(wire.NewStoredMessage(h, msg))
}

// PollKind is what Poll found ready, if anything.
type PollKind int

const (
	PollRecv PollKind = iota
	PollNextMessage
	PollDecided
)

// PollResult is the next deterministically-ordered message ready to
// process (PRE-PREPARE first, then PREPAREs, then COMMITs), or a
// signal that nothing is ready / the Decision is already Decided.
type PollResult struct {
	Kind   PollKind
	Header wire.Header
	Msg    wire.ConsensusMessage
}

// Poll returns the next buffered message appropriate to the current
// phase, without mutating state itself — ProcessMessage does that.
func (d *Decision) Poll() PollResult {
	if d.state == Decided {
		return PollResult{Kind: PollDecided}
	}
	if d.state == Init {
		if sm, ok := d.buffered.popPrePrepare(); ok {
			return PollResult{Kind: PollNextMessage, Header: sm.Header, Msg: sm.Payload}
		}
	}
	if d.state == PrePreparing || d.state == Preparing {
		if sm, ok := d.buffered.popPrepare(); ok {
			return PollResult{Kind: PollNextMessage, Header: sm.Header, Msg: sm.Payload}
		}
	}
	if d.state == Committing {
		if sm, ok := d.buffered.popCommit(); ok {
			return PollResult{Kind: PollNextMessage, Header: sm.Header, Msg: sm.Payload}
		}
	}
	return PollResult{Kind: PollRecv}
}

// ProcessMessage advances the state machine per spec §4.2. Messages
// for a different sequence are a caller bug (routed incorrectly by
// Consensus); messages for a later view are handed to defer and
// treated as Deciding (no progress, no error).
func (d *Decision) ProcessMessage(h wire.Header, msg wire.ConsensusMessage, net Network, defer_ ViewDeferrer) (Outcome, error) {
	if msg.Seq != d.seq {
		return Outcome{}, fmt.Errorf("decision: message seq %s does not match decision seq %s", msg.Seq, d.seq)
	}
	if msg.View > d.viewAtStart {
		defer_.DeferMessage(h, msg)
		return Outcome{Status: StatusDeciding}, nil
	}
	if msg.View < d.viewAtStart {
		d.log.Debugw("dropping stale-view message", "seq", d.seq, "view", msg.View, "view_at_start", d.viewAtStart)
		return Outcome{Status: StatusDeciding}, nil
	}

	switch msg.Kind {
	case wire.KindPrePrepare:
		return d.onPrePrepare(h, msg, net)
	case wire.KindPrepare:
		return d.onPrepare(h, msg, net)
	case wire.KindCommit:
		return d.onCommit(h, msg, net)
	default:
		return Outcome{}, fmt.Errorf("decision: unknown message kind %d", msg.Kind)
	}
}

func (d *Decision) onPrePrepare(h wire.Header, msg wire.ConsensusMessage, net Network) (Outcome, error) {
	if d.state != Init {
		d.log.Debugw("ignoring duplicate PRE-PREPARE", "seq", d.seq)
		return Outcome{Status: StatusDeciding}, nil
	}

	batchBytes := make([][]byte, 0, len(msg.Batch))
	for _, req := range msg.Batch {
		batchBytes = append(batchBytes, req.Operation)
	}
	d.batchDigest = digest.Of(batchBytes...)
	d.batch = msg.Batch
	d.state = PrePreparing

	prepare := wire.ConsensusMessage{Seq: d.seq, View: d.viewAtStart, Kind: wire.KindPrepare, Digest: d.batchDigest}
	if err := net.BroadcastSigned(prepare, nil); err != nil {
		return Outcome{}, fmt.Errorf("decision: broadcast PREPARE: %w", err)
	}

	d.state = Preparing
	d.countSelfVote(prepare, net, &d.prepareVoters, &d.prepareProofs)

	for {
		sm, ok := d.buffered.popPrepare()
		if !ok {
			break
		}
		if sm.Payload.Digest != d.batchDigest {
			continue
		}
		if _, err := d.countPrepare(sm.Header, sm.Payload, net); err != nil {
			d.log.Warnw("buffered PREPARE rejected", "error", err)
		}
	}

	return Outcome{Status: StatusDeciding}, nil
}

// countSelfVote records our own broadcast vote in the voter set and the
// proof list, so an assembled Proof carries quorum signed entries even
// when the transport does not loop our broadcasts back to us.
func (d *Decision) countSelfVote(msg wire.ConsensusMessage, net Network, voters *seqno.Set, proofs *[]wire.StoredMessage[wire.ConsensusMessage]) {
	if !voters.Add(net.ID()) {
		return
	}
	h := wire.Header{From: net.ID(), Digest: d.batchDigest}
	if sig, err := net.Sign(d.batchDigest); err == nil {
		copy(h.Signature[:], sig)
	} else {
		d.log.Warnw("signing own vote failed", "seq", d.seq, "error", err)
	}
	*proofs = append(*proofs, wire.NewStoredMessage(h, msg))
}

func (d *Decision) onPrepare(h wire.Header, msg wire.ConsensusMessage, net Network) (Outcome, error) {
	if d.state == Init {
		d.buffered.push(wire.NewStoredMessage(h, msg))
		return Outcome{Status: StatusDeciding}, nil
	}
	if d.state != PrePreparing && d.state != Preparing {
		return Outcome{Status: StatusDeciding}, nil
	}
	return d.countPrepare(h, msg, net)
}

func (d *Decision) countPrepare(h wire.Header, msg wire.ConsensusMessage, net Network) (Outcome, error) {
	if msg.Digest != d.batchDigest {
		d.log.Debugw("ignoring PREPARE with mismatched digest", "seq", d.seq)
		return Outcome{Status: StatusDeciding}, nil
	}
	if err := net.Verify(h.From, msg.Digest, h.Signature[:]); err != nil {
		d.log.Warnw("rejecting PREPARE with invalid signature", "seq", d.seq, "from", h.From, "error", err)
		return Outcome{Status: StatusDeciding}, nil
	}
	if !d.prepareVoters.Add(h.From) {
		return Outcome{Status: StatusVotedTwice, Voter: h.From}, nil
	}
	d.prepareProofs = append(d.prepareProofs, wire.NewStoredMessage(h, msg))
	d.state = Preparing

	if d.prepareVoters.Len() >= d.quorum {
		commit := wire.ConsensusMessage{Seq: d.seq, View: d.viewAtStart, Kind: wire.KindCommit, Digest: d.batchDigest}
		if err := net.BroadcastSigned(commit, nil); err != nil {
			return Outcome{}, fmt.Errorf("decision: broadcast COMMIT: %w", err)
		}
		d.state = Committing
		d.countSelfVote(commit, net, &d.commitVoters, &d.commitProofs)

		for {
			sm, ok := d.buffered.popCommit()
			if !ok {
				break
			}
			if sm.Payload.Digest != d.batchDigest {
				continue
			}
			if _, err := d.countCommit(sm.Header, sm.Payload, net); err != nil {
				d.log.Warnw("buffered COMMIT rejected", "error", err)
			}
		}
	}
	return Outcome{Status: StatusDeciding}, nil
}

func (d *Decision) onCommit(h wire.Header, msg wire.ConsensusMessage, net Network) (Outcome, error) {
	if d.state == Init || d.state == PrePreparing || d.state == Preparing {
		d.buffered.push(wire.NewStoredMessage(h, msg))
		return Outcome{Status: StatusDeciding}, nil
	}
	if d.state != Committing {
		return Outcome{Status: StatusDeciding}, nil
	}
	return d.countCommit(h, msg, net)
}

func (d *Decision) countCommit(h wire.Header, msg wire.ConsensusMessage, net Network) (Outcome, error) {
	if msg.Digest != d.batchDigest {
		d.log.Debugw("ignoring COMMIT with mismatched digest", "seq", d.seq)
		return Outcome{Status: StatusDeciding}, nil
	}
	if err := net.Verify(h.From, msg.Digest, h.Signature[:]); err != nil {
		d.log.Warnw("rejecting COMMIT with invalid signature", "seq", d.seq, "from", h.From, "error", err)
		return Outcome{Status: StatusDeciding}, nil
	}
	if !d.commitVoters.Add(h.From) {
		return Outcome{Status: StatusVotedTwice, Voter: h.From}, nil
	}
	d.commitProofs = append(d.commitProofs, wire.NewStoredMessage(h, msg))

	if d.commitVoters.Len() >= d.quorum {
		d.state = Decided
		return Outcome{Status: StatusDecided}, nil
	}
	return Outcome{Status: StatusDeciding}, nil
}

// Finalize produces the CompletedBatch. Valid only once IsFinalizeable.
func (d *Decision) Finalize() (CompletedBatch, error) {
	if d.state != Decided {
		return CompletedBatch{}, fmt.Errorf("decision: finalize called before decided (state=%s)", d.state)
	}
	proof := wire.Proof{
		Seq:         d.seq,
		View:        d.viewAtStart,
		BatchDigest: d.batchDigest,
		Prepares:    d.prepareProofs,
		Commits:     d.commitProofs,
	}
	if !proof.Valid(d.quorum) {
		return CompletedBatch{}, fmt.Errorf("decision: assembled proof for seq %s fails quorum validation", d.seq)
	}
	return CompletedBatch{
		Seq:         d.seq,
		View:        d.viewAtStart,
		Batch:       d.batch,
		BatchDigest: d.batchDigest,
		Proof:       proof,
	}, nil
}

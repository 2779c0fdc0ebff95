// Package cst implements the Collaborative State Transfer protocol of
// spec §4.5: a lagging or joining replica discovers the latest
// committed sequence number (phase 1) and fetches an authenticated
// checkpoint for it (phase 2), with exponential timeout backoff.
//
// Grounded on the teacher's internal/icenet/bootstrap_client.go
// request/reply aggregation pattern (collect replies from peers into
// a per-digest tally, act once a threshold is met), adapted from
// block-sync bootstrapping to checkpoint discovery.
package cst

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cerera/bft/internal/digest"
	"github.com/cerera/bft/internal/seqno"
	"github.com/cerera/bft/internal/wire"
)

// Phase is the CST state machine's phase (spec §4.5).
type Phase int

const (
	Init Phase = iota
	ReceivingCid
	ReceivingState
	WaitingCheckpoint
)

func (p Phase) String() string {
	switch p {
	case Init:
		return "Init"
	case ReceivingCid:
		return "ReceivingCid"
	case ReceivingState:
		return "ReceivingState"
	case WaitingCheckpoint:
		return "WaitingCheckpoint"
	default:
		return "Unknown"
	}
}

// CheckpointPhase tracks the local replica's own checkpoint production
// progress, consulted when serving a peer's RequestState while our own
// snapshot is still being assembled by the executor (spec §4.5
// "handle_app_state_requested").
type CheckpointPhase int

const (
	CheckpointNone CheckpointPhase = iota
	CheckpointPartial
	CheckpointPartialWithEarlier
	CheckpointComplete
)

// Node is the slice of the Node boundary CST needs: identity and
// fan-out to the rest of the quorum minus self.
type Node interface {
	ID() seqno.NodeID
	BroadcastStateCidRequest(msg wire.RequestStateCid, targets []seqno.NodeID) error
	BroadcastStateRequest(msg wire.RequestState, targets []seqno.NodeID) error
	SendReplyStateCid(msg wire.ReplyStateCid, to seqno.NodeID) error
	SendReplyState(msg wire.ReplyState, to seqno.NodeID) error
}

// CheckpointStore is the read side of the persistent-log boundary CST
// consults to serve peers and to install a recovered checkpoint.
type CheckpointStore interface {
	LastCheckpoint() (wire.Checkpoint, bool)
	WriteCheckpoint(opMode string, cp wire.Checkpoint) error
}

// InstallChannel is the executor boundary accepting a full checkpoint
// (spec §6 "install-state channel").
type InstallChannel interface {
	Install(cp wire.Checkpoint)
}

// Timeouts is the slice of the spec §6 timeouts interface CST drives.
type Timeouts interface {
	TimeoutCstRequest(d time.Duration, quorumSize int, cstSeq seqno.SeqNo)
	ReceivedCstRequest(from seqno.NodeID, cstSeq seqno.SeqNo)
}

// Status is the outcome of ProcessMessage.
type Status int

const (
	StatusRunning Status = iota
	StatusFinished
	StatusNotNeeded
)

// Result carries a Status plus the sequence number it resolved to.
type Result struct {
	Status Status
	Seq    seqno.SeqNo
}

type cidTally struct {
	highestSeq seqno.SeqNo
	count      int
}

type stateTally struct {
	checkpoint wire.Checkpoint
	count      int
}

// CST drives phase 1 (sequence discovery) and phase 2 (state fetch)
// for one recovering replica. Every public method is called only from
// the owning event-loop thread (spec §5).
type CST struct {
	phase Phase

	cstSeq      seqno.SeqNo
	baseTimeout time.Duration
	currTimeout time.Duration
	quorum      int
	members     []seqno.NodeID
	self        seqno.NodeID

	cidReplies   map[digest.Digest]*cidTally
	cidRepliesN  int
	stateReplies map[digest.Digest]*stateTally
	stateRepliesN int

	checkpointPhase  CheckpointPhase
	pendingCidReqs   []wire.StoredMessage[wire.RequestStateCid]
	pendingStateReqs []wire.StoredMessage[wire.RequestState]

	log *zap.SugaredLogger
}

// New builds a CST instance for a replica whose quorum is (members,
// quorum) with the given base retry timeout.
func New(self seqno.NodeID, members []seqno.NodeID, quorum int, baseTimeout time.Duration, log *zap.SugaredLogger) *CST {
	return &CST{
		phase:       Init,
		baseTimeout: baseTimeout,
		currTimeout: baseTimeout,
		quorum:      quorum,
		members:     members,
		self:        self,
		log:         log,
	}
}

func (c *CST) Phase() Phase { return c.phase }

func (c *CST) targets() []seqno.NodeID {
	out := make([]seqno.NodeID, 0, len(c.members)-1)
	for _, m := range c.members {
		if m != c.self {
			out = append(out, m)
		}
	}
	return out
}

// RequestLatestState runs sequence-number discovery (phase 1); once
// phase 1 resolves with StatusFinished the caller starts phase 2 with a
// separate RequestState call. Calling RequestLatestState again reopens
// phase 1.
func (c *CST) RequestLatestState(node Node, timeouts Timeouts) error {
	c.cstSeq = c.cstSeq.Next()
	c.cidReplies = make(map[digest.Digest]*cidTally)
	c.cidRepliesN = 0
	c.phase = ReceivingCid

	if err := node.BroadcastStateCidRequest(wire.RequestStateCid{CstSeq: c.cstSeq}, c.targets()); err != nil {
		return fmt.Errorf("cst: broadcast RequestStateCid: %w", err)
	}
	timeouts.TimeoutCstRequest(c.currTimeout, c.quorum, c.cstSeq)
	c.log.Infow("requesting latest checkpoint sequence", "cst_seq", c.cstSeq)
	return nil
}

// requestState runs phase 2: fetch the full checkpoint state.
func (c *CST) requestState(node Node, timeouts Timeouts) error {
	c.cstSeq = c.cstSeq.Next()
	c.stateReplies = make(map[digest.Digest]*stateTally)
	c.stateRepliesN = 0
	c.phase = ReceivingState

	if err := node.BroadcastStateRequest(wire.RequestState{CstSeq: c.cstSeq}, c.targets()); err != nil {
		return fmt.Errorf("cst: broadcast RequestState: %w", err)
	}
	timeouts.TimeoutCstRequest(c.currTimeout, c.quorum, c.cstSeq)
	c.log.Infow("requesting checkpoint state", "cst_seq", c.cstSeq)
	return nil
}

// HandleOffCtxMessage serves RequestStateCid/RequestState from peers
// while this replica is not running CST itself, using its local
// checkpoint; if the local checkpoint isn't ready, the request is
// buffered for WaitingCheckpoint.
func (c *CST) HandleOffCtxMessage(h wire.Header, payload interface{}, node Node, store CheckpointStore) error {
	switch m := payload.(type) {
	case wire.RequestStateCid:
		cp, ok := store.LastCheckpoint()
		if !ok {
			c.pendingCidReqs = append(c.pendingCidReqs, wire.StoredMessage[wire.RequestStateCid]{Header: h, Payload: m})
			c.phase = WaitingCheckpoint
			return nil
		}
		return node.SendReplyStateCid(wire.ReplyStateCid{CstSeq: m.CstSeq, Seq: cp.Seq, Digest: cp.Digest}, h.From)
	case wire.RequestState:
		cp, ok := store.LastCheckpoint()
		if !ok {
			c.pendingStateReqs = append(c.pendingStateReqs, wire.StoredMessage[wire.RequestState]{Header: h, Payload: m})
			c.phase = WaitingCheckpoint
			return nil
		}
		return node.SendReplyState(wire.ReplyState{CstSeq: m.CstSeq, Checkpoint: cp}, h.From)
	default:
		return fmt.Errorf("cst: unexpected off-context message type %T", payload)
	}
}

// ProcessMessage advances the running CST with a reply from a peer.
func (c *CST) ProcessMessage(payload interface{}, node Node, store CheckpointStore, installCh InstallChannel, timeouts Timeouts) (Result, error) {
	switch m := payload.(type) {
	case wire.ReplyStateCid:
		return c.onReplyStateCid(m, node, timeouts)
	case wire.ReplyState:
		return c.onReplyState(m, node, store, installCh, timeouts)
	default:
		return Result{}, fmt.Errorf("cst: unexpected reply type %T", payload)
	}
}

func (c *CST) onReplyStateCid(m wire.ReplyStateCid, node Node, timeouts Timeouts) (Result, error) {
	if c.phase != ReceivingCid || m.CstSeq != c.cstSeq {
		c.log.Debugw("dropping stale ReplyStateCid", "cst_seq", m.CstSeq, "current", c.cstSeq)
		return Result{Status: StatusRunning}, nil
	}

	t, ok := c.cidReplies[m.Digest]
	if !ok {
		t = &cidTally{}
		c.cidReplies[m.Digest] = t
	}
	if m.Seq > t.highestSeq {
		t.highestSeq = m.Seq
	}
	t.count++
	c.cidRepliesN++

	if c.cidRepliesN < c.quorum {
		return Result{Status: StatusRunning}, nil
	}

	var bestDigest digest.Digest
	var best *cidTally
	for d, t := range c.cidReplies {
		if best == nil || t.count > best.count {
			bestDigest, best = d, t
		}
	}
	if best.count >= c.quorum {
		c.phase = Init
		c.log.Infow("resolved latest checkpoint sequence", "seq", best.highestSeq, "digest", bestDigest)
		return Result{Status: StatusFinished, Seq: best.highestSeq}, nil
	}

	// No digest reached a qualifying majority: discard the round and
	// immediately open a fresh one rather than idling until the timer.
	c.log.Infow("checkpoint sequence replies split, requesting again", "cst_seq", c.cstSeq)
	return Result{Status: StatusRunning}, c.RequestLatestState(node, timeouts)
}

func (c *CST) onReplyState(m wire.ReplyState, node Node, store CheckpointStore, installCh InstallChannel, timeouts Timeouts) (Result, error) {
	if c.phase != ReceivingState || m.CstSeq != c.cstSeq {
		c.log.Debugw("dropping stale ReplyState", "cst_seq", m.CstSeq, "current", c.cstSeq)
		return Result{Status: StatusRunning}, nil
	}

	t, ok := c.stateReplies[m.Checkpoint.Digest]
	if !ok {
		t = &stateTally{}
		c.stateReplies[m.Checkpoint.Digest] = t
	}
	if m.Checkpoint.Seq >= t.checkpoint.Seq {
		t.checkpoint = m.Checkpoint
	}
	t.count++
	c.stateRepliesN++

	f := (c.quorum - 1) / 2
	if c.stateRepliesN <= f {
		return Result{Status: StatusRunning}, nil
	}

	var best *stateTally
	for _, t := range c.stateReplies {
		if best == nil || t.count > best.count {
			best = t
		}
	}
	if best.count <= f {
		// no state survived the >f bar; clear the round and refetch now
		c.log.Infow("checkpoint state replies split, requesting again", "cst_seq", c.cstSeq)
		return Result{Status: StatusRunning}, c.requestState(node, timeouts)
	}

	if err := store.WriteCheckpoint("cst-install", best.checkpoint); err != nil {
		return Result{}, fmt.Errorf("cst: persist recovered checkpoint: %w", err)
	}
	installCh.Install(best.checkpoint)
	c.phase = Init
	c.log.Infow("installed recovered checkpoint", "seq", best.checkpoint.Seq)
	return Result{Status: StatusFinished, Seq: best.checkpoint.Seq}, nil
}

// HandleAppStateRequested advances the local checkpoint-production
// state machine as the executor builds a snapshot for seq.
func (c *CST) HandleAppStateRequested(seq seqno.SeqNo) {
	switch c.checkpointPhase {
	case CheckpointNone:
		c.checkpointPhase = CheckpointPartial
	case CheckpointPartial:
		c.checkpointPhase = CheckpointPartialWithEarlier
	default:
		c.checkpointPhase = CheckpointComplete
	}
}

// HandleStateReceivedFromApp finalizes the checkpoint the executor
// produced, persists it, and serves any requests that were buffered
// in WaitingCheckpoint.
func (c *CST) HandleStateReceivedFromApp(cp wire.Checkpoint, node Node, store CheckpointStore) error {
	c.checkpointPhase = CheckpointComplete
	if err := store.WriteCheckpoint("routine", cp); err != nil {
		return fmt.Errorf("cst: persist checkpoint: %w", err)
	}

	for _, sm := range c.pendingCidReqs {
		if err := node.SendReplyStateCid(wire.ReplyStateCid{CstSeq: sm.Payload.CstSeq, Seq: cp.Seq, Digest: cp.Digest}, sm.Header.From); err != nil {
			return fmt.Errorf("cst: serve buffered RequestStateCid: %w", err)
		}
	}
	c.pendingCidReqs = nil
	for _, sm := range c.pendingStateReqs {
		if err := node.SendReplyState(wire.ReplyState{CstSeq: sm.Payload.CstSeq, Checkpoint: cp}, sm.Header.From); err != nil {
			return fmt.Errorf("cst: serve buffered RequestState: %w", err)
		}
	}
	c.pendingStateReqs = nil
	if c.phase == WaitingCheckpoint {
		c.phase = Init
	}
	return nil
}

// HandleTimeout retries the current phase with a doubled backoff
// (spec §4.5/§5 "exponential backoff").
func (c *CST) HandleTimeout(node Node, timeouts Timeouts) error {
	c.currTimeout *= 2
	switch c.phase {
	case ReceivingCid:
		return c.RequestLatestState(node, timeouts)
	case ReceivingState:
		return c.requestState(node, timeouts)
	default:
		return nil
	}
}

// RequestState is exported for the engine to trigger phase 2
// explicitly once phase 1 resolves a target sequence.
func (c *CST) RequestState(node Node, timeouts Timeouts) error {
	return c.requestState(node, timeouts)
}

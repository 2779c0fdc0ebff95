// Package synchronizer implements the view-change / quorum-reconfiguration
// state machine of spec §4.4: STOP → STOP-DATA → SYNC for leader
// failure, and the parallel ViewStopping/ViewStopping2 track for
// admitting a new quorum member.
//
// Grounded on the teacher's internal/icenet/voting_handlers.go vote
// tallying shape (per-sender dedup map, quorum threshold check), and
// the ProtoPhase progression is original to this package since the
// teacher has no windowed view-change pipeline of its own.
package synchronizer

import (
	"encoding/binary"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cerera/bft/internal/bftcrypto"
	"github.com/cerera/bft/internal/digest"
	"github.com/cerera/bft/internal/seqno"
	"github.com/cerera/bft/internal/tbo"
	"github.com/cerera/bft/internal/view"
	"github.com/cerera/bft/internal/wire"
)

// ProtoPhase is the synchronizer's own state, independent of any
// Decision's phase (spec §4.4).
type ProtoPhase int

const (
	Init ProtoPhase = iota
	Stopping
	Stopping2
	StoppingData
	Syncing
	SyncingState
	ViewStopping
	ViewStopping2
)

func (p ProtoPhase) String() string {
	switch p {
	case Init:
		return "Init"
	case Stopping:
		return "Stopping"
	case Stopping2:
		return "Stopping2"
	case StoppingData:
		return "StoppingData"
	case Syncing:
		return "Syncing"
	case SyncingState:
		return "SyncingState"
	case ViewStopping:
		return "ViewStopping"
	case ViewStopping2:
		return "ViewStopping2"
	default:
		return "Unknown"
	}
}

// Node is the slice of the Node boundary (spec §6) the synchronizer needs.
type Node interface {
	ID() seqno.NodeID
	Sign(d digest.Digest) ([]byte, error)
	Verify(from seqno.NodeID, d digest.Digest, sig []byte) error
	BroadcastSigned(msg wire.ViewChangeMessage, targets []seqno.NodeID) error
	SendSigned(msg wire.ViewChangeMessage, to seqno.NodeID) error
}

// Timeouts is the spec §6 timeouts interface, the slice the
// synchronizer drives.
type Timeouts interface {
	TimeoutClientRequests(d time.Duration, reqs []wire.ClientRequest)
	CancelClientRqTimeouts(reqs []wire.ClientRequest) // nil cancels all outstanding
	ResetAllClientRqTimeouts(d time.Duration)
}

// Log is the read slice of the persistent-log boundary (spec §6) the
// synchronizer consults while building/evaluating StopData.
type Log interface {
	LastProof(quorum int) (wire.Proof, bool)
	LastExecution() (seqno.SeqNo, bool)
	ClearLastOccurrence(seq seqno.SeqNo)
}

// RequestPreProcessor drains pending client requests so the new
// leader can forge a PRE-PREPARE for curr_cid (spec §4.4 STOP-DATA
// step 4).
type RequestPreProcessor interface {
	DrainPending(max int) []wire.ClientRequest
}

// ConsensusCollaborator is the slice of Consensus the synchronizer
// drives during Finalize.
type ConsensusCollaborator interface {
	InstallForgedPrePrepare(view seqno.SeqNo, h wire.Header, msg wire.ConsensusMessage)
	InstallSequenceNumber(seq seqno.SeqNo)
	SetQuorum(quorum int)
}

// Status is the outcome of ProcessMessage/Finalize.
type Status int

const (
	StatusNil Status = iota
	StatusRunning
	StatusNewView
	StatusNewViewJoinedQuorum
	StatusRunCst
)

// StatusResult carries a Status plus the data each variant needs.
type StatusResult struct {
	Status   Status
	ToExec   seqno.SeqNo  // StatusNewView / StatusNewViewJoinedQuorum
	Joined   seqno.NodeID // StatusNewViewJoinedQuorum
	NewView  *view.View
}

// bufferedVC adapts a ViewChangeMessage to the tbo.Seq contract, keyed
// on the view it targets.
type bufferedVC struct {
	Header wire.Header
	Msg    wire.ViewChangeMessage
}

func (b bufferedVC) Seqn() seqno.SeqNo { return b.Msg.View }

// perSenderStops tracks, per STOP sender, the stopped requests they
// piggybacked — used both to dedup counting and to build the union
// forwarded in our own STOP.
type perSenderStops struct {
	senders map[seqno.NodeID][]wire.ClientRequest
}

func newPerSenderStops() *perSenderStops {
	return &perSenderStops{senders: make(map[seqno.NodeID][]wire.ClientRequest)}
}

func (p *perSenderStops) add(from seqno.NodeID, reqs []wire.ClientRequest) bool {
	if _, dup := p.senders[from]; dup {
		return false
	}
	p.senders[from] = reqs
	return true
}

func (p *perSenderStops) count() int { return len(p.senders) }

func (p *perSenderStops) union() []wire.ClientRequest {
	seen := make(map[string]struct{})
	var out []wire.ClientRequest
	for _, reqs := range p.senders {
		for _, r := range reqs {
			k := r.ID.String()
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}

// FinalizeState is the snapshot saved when Finalize must hand off to
// CST because a decision is missing (spec §4.4 "FinalizeStatus::RunCst");
// ResumeViewChange replays it once state transfer reports done.
type FinalizeState struct {
	NextView        *view.View
	CurrCid         seqno.SeqNo
	Proposed        wire.StoredMessage[wire.ConsensusMessage]
	HighestProof    *wire.Proof
	CurrentlyJoining *seqno.NodeID
}

// Synchronizer owns the view-change/quorum-join state machine. Every
// public method is `&mut self`-equivalent (a pointer receiver) and is
// called only from the single owner thread driving it (spec §5).
type Synchronizer struct {
	currentView *view.View
	nextView    *view.View
	phase       ProtoPhase

	allowUnsound bool // config flag for the Open Question in spec §9

	stopVotes  *perSenderStops
	sentOurStop bool

	collects       map[seqno.NodeID]wire.StoredMessage[wire.ViewChangeMessage]
	sentOurCollect bool

	joinCandidate *seqno.NodeID
	joinVotes     map[seqno.NodeID]struct{}
	sentOurJoin   bool

	tboQueue *tbo.Queue[bufferedVC]

	savedFinalize *FinalizeState

	quorum int // currentView.Quorum(), cached for convenience

	log *zap.SugaredLogger
}

// New builds a Synchronizer installed at the initial view.
func New(initial *view.View, allowUnsound bool, log *zap.SugaredLogger) *Synchronizer {
	return &Synchronizer{
		currentView:  initial,
		phase:        Init,
		allowUnsound: allowUnsound,
		stopVotes:    newPerSenderStops(),
		collects:     make(map[seqno.NodeID]wire.StoredMessage[wire.ViewChangeMessage]),
		joinVotes:    make(map[seqno.NodeID]struct{}),
		tboQueue:     tbo.New[bufferedVC](initial.Seq().Next()),
		quorum:       initial.Quorum(),
		log:          log,
	}
}

func (s *Synchronizer) View() *view.View { return s.currentView }
func (s *Synchronizer) Phase() ProtoPhase { return s.phase }

// ReceivedViewFromStateTransfer installs a view learned out-of-band
// (CST told us the quorum has moved on). Returns true if the caller
// should run the view-change protocol to drain messages this
// replica's tbo queue buffered while it lagged.
func (s *Synchronizer) ReceivedViewFromStateTransfer(v *view.View, self seqno.NodeID) bool {
	hasPending := s.tboQueue.Len() > 0
	s.currentView = v
	s.quorum = v.Quorum()
	s.tboQueue = tbo.New[bufferedVC](v.Seq().Next())
	if hasPending {
		s.nextView = v.NextView()
		if s.nextView.IsLeader(self) {
			s.phase = StoppingData
		} else {
			s.phase = Syncing
		}
	} else {
		s.phase = Init
	}
	return hasPending
}

func (s *Synchronizer) resetRoundState() {
	s.stopVotes = newPerSenderStops()
	s.sentOurStop = false
	s.collects = make(map[seqno.NodeID]wire.StoredMessage[wire.ViewChangeMessage])
	s.sentOurCollect = false
}

// BeginViewChange starts the STOP track when client requests time out.
// Observing f+1 STOPs from peers is handled inside ProcessMessage,
// which broadcasts this replica's own STOP without calling this method.
func (s *Synchronizer) BeginViewChange(timedOut []wire.ClientRequest, node Node, timeouts Timeouts) error {
	if s.phase == Init {
		s.resetRoundState()
	}
	s.nextView = s.currentView.NextView()

	if timedOut != nil {
		s.stopVotes.add(node.ID(), timedOut)
	}

	msg := wire.ViewChangeMessage{View: s.nextView.Seq(), Kind: wire.KindStop, StopRequests: timedOut}
	if err := node.BroadcastSigned(msg, s.nextView.Members()); err != nil {
		return fmt.Errorf("synchronizer: broadcast STOP: %w", err)
	}
	s.sentOurStop = true
	s.phase = Stopping2
	s.log.Infow("began view change", "next_view", s.nextView.Seq())
	return nil
}

// OngoingQuorumChangeError reports that a different candidate's
// admission is already underway.
type OngoingQuorumChangeError struct {
	Existing seqno.NodeID
}

func (e *OngoingQuorumChangeError) Error() string {
	return fmt.Sprintf("synchronizer: quorum join already in progress for %s", e.Existing)
}

// joinCertDigest binds a JoinCert's node id to its public key.
func joinCertDigest(id seqno.NodeID, publicKey []byte) digest.Digest {
	var idb [4]byte
	binary.BigEndian.PutUint32(idb[:], uint32(id))
	return digest.Of(idb[:], publicKey)
}

// MakeJoinCert is what a joining node presents: its public key and a
// self-signature binding it to its claimed NodeID.
func MakeJoinCert(id seqno.NodeID, keys *bftcrypto.KeyPair) (*wire.JoinCert, error) {
	pubPEM, err := bftcrypto.EncodePublicKey(keys.Pub)
	if err != nil {
		return nil, fmt.Errorf("synchronizer: encode join key: %w", err)
	}
	sig, err := bftcrypto.Sign(keys.Priv, joinCertDigest(id, []byte(pubPEM)))
	if err != nil {
		return nil, fmt.Errorf("synchronizer: sign join cert: %w", err)
	}
	return &wire.JoinCert{Node: id, PublicKey: []byte(pubPEM), Signature: sig}, nil
}

// validateJoinCert rejects a malformed or mis-bound certificate before
// any STOP-QUORUM-JOIN is counted for it.
func validateJoinCert(joining seqno.NodeID, cert *wire.JoinCert) error {
	if cert == nil {
		return fmt.Errorf("synchronizer: join cert missing")
	}
	if cert.Node != joining {
		return fmt.Errorf("synchronizer: join cert bound to %s, not %s", cert.Node, joining)
	}
	pub, err := bftcrypto.DecodePublicKey(string(cert.PublicKey))
	if err != nil {
		return fmt.Errorf("synchronizer: join cert public key: %w", err)
	}
	if err := bftcrypto.Verify(pub, joinCertDigest(cert.Node, cert.PublicKey), cert.Signature); err != nil {
		return fmt.Errorf("synchronizer: join cert signature: %w", err)
	}
	return nil
}

// BeginQuorumViewChange starts the quorum-join track: emits
// STOP-QUORUM-JOIN(joining) and enters ViewStopping2.
func (s *Synchronizer) BeginQuorumViewChange(joining seqno.NodeID, cert *wire.JoinCert, node Node) error {
	if err := validateJoinCert(joining, cert); err != nil {
		return err
	}
	if s.joinCandidate != nil && *s.joinCandidate != joining {
		return &OngoingQuorumChangeError{Existing: *s.joinCandidate}
	}
	s.joinCandidate = &joining
	s.joinVotes = make(map[seqno.NodeID]struct{})

	msg := wire.ViewChangeMessage{View: s.currentView.Seq().Next(), Kind: wire.KindStopQuorumJoin, JoinNode: joining, JoinCert: cert}
	if err := node.BroadcastSigned(msg, s.currentView.Members()); err != nil {
		return fmt.Errorf("synchronizer: broadcast STOP-QUORUM-JOIN: %w", err)
	}
	s.joinVotes[node.ID()] = struct{}{}
	s.sentOurJoin = true
	s.phase = ViewStopping2
	return nil
}

// ProcessMessage advances the view-change state machine.
func (s *Synchronizer) ProcessMessage(h wire.Header, msg wire.ViewChangeMessage, node Node, timeouts Timeouts, log Log, pre RequestPreProcessor, consensus ConsensusCollaborator) (StatusResult, error) {
	targetView := s.currentView.Seq().Next()
	if msg.View > targetView {
		s.tboQueue.Enqueue(bufferedVC{Header: h, Msg: msg})
		return StatusResult{Status: StatusRunning}, nil
	}
	if msg.View < targetView {
		s.log.Debugw("dropping stale view-change message", "view", msg.View, "want", targetView)
		return StatusResult{Status: StatusRunning}, nil
	}

	switch msg.Kind {
	case wire.KindStop:
		return s.onStop(h, msg, node, timeouts, log)
	case wire.KindStopQuorumJoin:
		return s.onStopQuorumJoin(h, msg, node, log)
	case wire.KindNodeQuorumJoin:
		return s.onNodeQuorumJoin(h, msg, node)
	case wire.KindStopData:
		return s.onStopData(h, msg, node, log, pre, consensus)
	case wire.KindSync:
		return s.onSync(h, msg, node, log, consensus)
	default:
		return StatusResult{}, fmt.Errorf("synchronizer: unknown view-change kind %d", msg.Kind)
	}
}

func (s *Synchronizer) onStop(h wire.Header, msg wire.ViewChangeMessage, node Node, timeouts Timeouts, log Log) (StatusResult, error) {
	// The STOP track preempts an in-progress quorum-join (boundary
	// behaviour: "simultaneous leader failure + quorum join request:
	// the STOP track preempts STOP-QUORUM-JOIN").
	if s.phase == ViewStopping || s.phase == ViewStopping2 {
		s.joinCandidate = nil
		s.joinVotes = make(map[seqno.NodeID]struct{})
		s.sentOurJoin = false
		s.resetRoundState()
		s.nextView = s.currentView.NextView()
		s.phase = Stopping
	}
	if s.phase == Init {
		s.resetRoundState()
		s.nextView = s.currentView.NextView()
		s.phase = Stopping
	}

	if !s.stopVotes.add(h.From, msg.StopRequests) {
		s.log.Debugw("dropping duplicate STOP", "from", h.From)
		return StatusResult{Status: StatusRunning}, nil
	}

	f := int(s.currentView.F())
	if s.stopVotes.count() >= f+1 && !s.sentOurStop {
		forward := wire.ViewChangeMessage{View: s.nextView.Seq(), Kind: wire.KindStop, StopRequests: s.stopVotes.union()}
		if err := node.BroadcastSigned(forward, s.nextView.Members()); err != nil {
			return StatusResult{}, fmt.Errorf("synchronizer: broadcast STOP: %w", err)
		}
		s.stopVotes.add(node.ID(), forward.StopRequests)
		s.sentOurStop = true
		s.phase = Stopping2
	}

	if s.stopVotes.count() >= s.quorum {
		s.nextView = s.currentView.NextView()
		if err := s.enterStopData(node, log); err != nil {
			return StatusResult{}, err
		}
		s.log.Infow("STOP quorum reached", "next_view", s.nextView.Seq(), "leader", s.nextView.Leader())
	}
	return StatusResult{Status: StatusRunning}, nil
}

// enterStopData moves into the evidence-collection phase once the STOP
// (or join) quorum is reached: the new leader starts collecting with
// its own CollectData already counted; everyone else signs theirs and
// sends it to the new leader.
func (s *Synchronizer) enterStopData(node Node, log Log) error {
	sd := wire.ViewChangeMessage{View: s.nextView.Seq(), Kind: wire.KindStopData, StopData: s.buildCollectData(log)}
	if s.nextView.IsLeader(node.ID()) {
		s.phase = StoppingData
		raw, err := wire.Encode(sd)
		if err != nil {
			return fmt.Errorf("synchronizer: encode own STOP-DATA: %w", err)
		}
		d := digest.Of(raw)
		h := wire.Header{From: node.ID(), Digest: d}
		if sig, err := node.Sign(d); err == nil {
			copy(h.Signature[:], sig)
		}
		s.collects[node.ID()] = wire.NewStoredMessage(h, sd)
		return nil
	}
	s.phase = Syncing
	if err := node.SendSigned(sd, s.nextView.Leader()); err != nil {
		return fmt.Errorf("synchronizer: send STOP-DATA: %w", err)
	}
	return nil
}

// buildCollectData reports what this replica knows: its last decided
// Proof (if any) and the sequence it believes is executing next.
func (s *Synchronizer) buildCollectData(log Log) *wire.CollectData {
	cd := &wire.CollectData{}
	cd.IncompleteProof.View = s.currentView.Seq()
	if p, ok := log.LastProof(s.quorum); ok {
		pp := p
		cd.LastProof = &pp
		cd.IncompleteProof.SeqInExec = p.Seq.Next()
	} else if le, ok := log.LastExecution(); ok {
		cd.IncompleteProof.SeqInExec = le.Next()
	}
	return cd
}

func (s *Synchronizer) onStopQuorumJoin(h wire.Header, msg wire.ViewChangeMessage, node Node, log Log) (StatusResult, error) {
	if s.phase == Stopping || s.phase == Stopping2 {
		// leader-failure track already underway; STOP-QUORUM-JOIN is ignored.
		return StatusResult{Status: StatusRunning}, nil
	}
	if err := validateJoinCert(msg.JoinNode, msg.JoinCert); err != nil {
		s.log.Warnw("rejecting STOP-QUORUM-JOIN", "from", h.From, "error", err)
		return StatusResult{Status: StatusRunning}, nil
	}
	if s.joinCandidate == nil {
		s.joinCandidate = &msg.JoinNode
		s.joinVotes = make(map[seqno.NodeID]struct{})
	} else if *s.joinCandidate != msg.JoinNode {
		return StatusResult{}, &OngoingQuorumChangeError{Existing: *s.joinCandidate}
	}
	if _, dup := s.joinVotes[h.From]; dup {
		return StatusResult{Status: StatusRunning}, nil
	}
	s.joinVotes[h.From] = struct{}{}
	s.phase = ViewStopping

	f := int(s.currentView.F())
	if len(s.joinVotes) > f && !s.sentOurJoin {
		fwd := wire.ViewChangeMessage{View: s.currentView.Seq().Next(), Kind: wire.KindStopQuorumJoin, JoinNode: msg.JoinNode, JoinCert: msg.JoinCert}
		if err := node.BroadcastSigned(fwd, s.currentView.Members()); err != nil {
			return StatusResult{}, fmt.Errorf("synchronizer: broadcast STOP-QUORUM-JOIN: %w", err)
		}
		s.joinVotes[node.ID()] = struct{}{}
		s.sentOurJoin = true
		s.phase = ViewStopping2
	}

	if len(s.joinVotes) >= s.quorum {
		s.nextView = s.currentView.NextViewWithNewNode(*s.joinCandidate)
		s.quorum = s.nextView.Quorum()
		if err := s.enterStopData(node, log); err != nil {
			return StatusResult{}, err
		}
	}
	return StatusResult{Status: StatusRunning}, nil
}

// onNodeQuorumJoin is the joining node's own admission request: a
// quorum member answers it by entering the join track on the
// candidate's behalf.
func (s *Synchronizer) onNodeQuorumJoin(h wire.Header, msg wire.ViewChangeMessage, node Node) (StatusResult, error) {
	if s.phase != Init {
		return StatusResult{Status: StatusRunning}, nil
	}
	if err := s.BeginQuorumViewChange(msg.JoinNode, msg.JoinCert, node); err != nil {
		return StatusResult{}, err
	}
	return StatusResult{Status: StatusRunning}, nil
}

func (s *Synchronizer) onStopData(h wire.Header, msg wire.ViewChangeMessage, node Node, log Log, pre RequestPreProcessor, consensus ConsensusCollaborator) (StatusResult, error) {
	if s.phase != StoppingData {
		return StatusResult{Status: StatusRunning}, nil // not the new leader, or not yet in this phase
	}
	if msg.StopData == nil {
		return StatusResult{}, fmt.Errorf("synchronizer: STOP-DATA message missing CollectData")
	}
	if _, dup := s.collects[h.From]; dup {
		s.log.Debugw("dropping duplicate STOP-DATA", "from", h.From)
		return StatusResult{Status: StatusRunning}, nil
	}
	s.collects[h.From] = wire.NewStoredMessage(h, msg)

	if len(s.collects) < s.quorum {
		return StatusResult{Status: StatusRunning}, nil
	}
	return s.finalizeAsLeader(node, log, pre, consensus)
}

// highestProof picks the best last_proof across collected StopData:
// the highest sequence number whose signature lists satisfy the
// quorum (spec §4.4 step 1, scenario 5).
func highestProof(collects map[seqno.NodeID]wire.StoredMessage[wire.ViewChangeMessage], quorum int) (wire.Proof, bool) {
	var best wire.Proof
	found := false
	for _, sm := range collects {
		cd := sm.Payload.StopData
		if cd == nil || cd.LastProof == nil {
			continue
		}
		if !cd.LastProof.Valid(quorum) {
			continue
		}
		if !found || cd.LastProof.Seq > best.Seq || (cd.LastProof.Seq == best.Seq && cd.LastProof.BatchDigest.Compare(best.BatchDigest) > 0) {
			best = *cd.LastProof
			found = true
		}
	}
	return best, found
}

// normalize replaces any collect whose IncompleteProof.SeqInExec
// differs from currCid with an entry reporting no quorum_prepares
// (spec §4.4 step 2).
func normalize(collects map[seqno.NodeID]wire.StoredMessage[wire.ViewChangeMessage], currCid seqno.SeqNo) map[seqno.NodeID]wire.IncompleteProof {
	out := make(map[seqno.NodeID]wire.IncompleteProof, len(collects))
	for id, sm := range collects {
		cd := sm.Payload.StopData
		if cd == nil {
			continue
		}
		if cd.IncompleteProof.SeqInExec != currCid {
			out[id] = wire.IncompleteProof{View: cd.IncompleteProof.View, SeqInExec: currCid}
			continue
		}
		out[id] = cd.IncompleteProof
	}
	return out
}

// SoundResult is the outcome of the soundness predicate.
type SoundResult struct {
	Bound  bool
	Digest digest.Digest
}

// sound evaluates the soundness predicate over normalized collects N
// for the new view (spec §4.4 "Soundness predicate").
func sound(quorum, f int, normalized map[seqno.NodeID]wire.IncompleteProof) SoundResult {
	type candidate struct {
		ts seqno.SeqNo
		d  digest.Digest
	}
	var candidates []candidate
	for _, ip := range normalized {
		if ip.QuorumPrepares != nil {
			candidates = append(candidates, candidate{ts: ip.QuorumPrepares.View, d: ip.QuorumPrepares.Digest})
		}
	}
	if len(normalized) < quorum {
		return SoundResult{Bound: false}
	}

	for _, cand := range candidates {
		quorumHighest := 0
		for _, ip := range normalized {
			if ip.QuorumPrepares == nil {
				continue
			}
			if ip.QuorumPrepares.View < cand.ts || (ip.QuorumPrepares.View == cand.ts && ip.QuorumPrepares.Digest == cand.d) {
				quorumHighest++
			}
		}
		if quorumHighest < quorum {
			continue
		}
		certified := 0
		for _, ip := range normalized {
			for _, w := range ip.WriteSet {
				if w.View >= cand.ts && w.Digest == cand.d {
					certified++
				}
			}
		}
		if certified > f {
			return SoundResult{Bound: true, Digest: cand.d}
		}
	}
	return SoundResult{Bound: false}
}

// finalizeAsLeader runs STOP-DATA steps 1-6: extract highest proof,
// normalize, evaluate soundness, forge PRE-PREPARE, broadcast SYNC,
// finalize.
func (s *Synchronizer) finalizeAsLeader(node Node, log Log, pre RequestPreProcessor, consensus ConsensusCollaborator) (StatusResult, error) {
	lastProof, haveProof := highestProof(s.collects, s.quorum)
	currCid := seqno.SeqNo(0)
	var highestProofPtr *wire.Proof
	if haveProof {
		currCid = lastProof.Seq.Next()
		highestProofPtr = &lastProof
	} else if le, ok := log.LastExecution(); ok {
		// no collect carried a usable proof; our own execution history
		// still bounds the next instance from below
		currCid = le.Next()
	}

	normalized := normalize(s.collects, currCid)
	result := sound(s.quorum, int(s.currentView.F()), normalized)
	if !result.Bound {
		s.log.Warnw("view change proceeding despite unsound evidence", "curr_cid", currCid)
		if !s.allowUnsound {
			return StatusResult{}, fmt.Errorf("synchronizer: soundness check failed for curr_cid %s and allow-unsound is disabled", currCid)
		}
	}

	batch := pre.DrainPending(0)
	batchBytes := make([][]byte, 0, len(batch))
	for _, r := range batch {
		batchBytes = append(batchBytes, r.Operation)
	}
	batchDigest := digest.Of(batchBytes...)

	prePrepare := wire.ConsensusMessage{Seq: currCid, View: s.nextView.Seq(), Kind: wire.KindPrePrepare, Batch: batch, Digest: batchDigest}
	sig, err := node.Sign(batchDigest)
	if err != nil {
		return StatusResult{}, fmt.Errorf("synchronizer: sign forged PRE-PREPARE: %w", err)
	}
	proposed := wire.StoredMessage[wire.ConsensusMessage]{
		Header:  wire.Header{From: node.ID(), Digest: batchDigest, Signature: sig64(sig)},
		Payload: prePrepare,
	}

	collectMsgs := make([]wire.StoredMessage[wire.ViewChangeMessage], 0, len(s.collects))
	for _, sm := range s.collects {
		collectMsgs = append(collectMsgs, sm)
	}

	syncMsg := wire.ViewChangeMessage{
		View: s.nextView.Seq(),
		Kind: wire.KindSync,
		Sync: &wire.LeaderCollects{Proposed: proposed, Collects: collectMsgs},
	}
	if err := node.BroadcastSigned(syncMsg, s.nextView.Members()); err != nil {
		return StatusResult{}, fmt.Errorf("synchronizer: broadcast SYNC: %w", err)
	}

	return s.finalize(currCid, proposed, highestProofPtr, log, consensus)
}

func (s *Synchronizer) onSync(h wire.Header, msg wire.ViewChangeMessage, node Node, log Log, consensus ConsensusCollaborator) (StatusResult, error) {
	if s.phase != Syncing {
		return StatusResult{Status: StatusRunning}, nil
	}
	if msg.Sync == nil {
		return StatusResult{}, fmt.Errorf("synchronizer: SYNC message missing LeaderCollects")
	}
	if !s.nextView.IsLeader(h.From) {
		return StatusResult{}, fmt.Errorf("synchronizer: SYNC from non-leader %s", h.From)
	}

	collects := make(map[seqno.NodeID]wire.StoredMessage[wire.ViewChangeMessage], len(msg.Sync.Collects))
	for _, sm := range msg.Sync.Collects {
		if err := node.Verify(sm.Header.From, sm.Header.Digest, sm.Header.Signature[:]); err != nil {
			s.log.Warnw("discarding StopData with invalid signature in SYNC", "from", sm.Header.From)
			continue
		}
		if sm.Payload.StopData != nil {
			collects[sm.Header.From] = sm
		}
	}

	lastProof, haveProof := highestProof(collects, s.quorum)
	currCid := seqno.SeqNo(0)
	var highestProofPtr *wire.Proof
	if haveProof {
		currCid = lastProof.Seq.Next()
		highestProofPtr = &lastProof
	} else if le, ok := log.LastExecution(); ok {
		currCid = le.Next()
	}
	if msg.Sync.Proposed.Payload.Seq != currCid {
		return StatusResult{}, fmt.Errorf("synchronizer: forged PRE-PREPARE seq %s does not match recomputed curr_cid %s", msg.Sync.Proposed.Payload.Seq, currCid)
	}

	normalized := normalize(collects, currCid)
	result := sound(s.quorum, int(s.currentView.F()), normalized)
	if !result.Bound {
		s.log.Warnw("view change proceeding despite unsound evidence", "curr_cid", currCid)
		if !s.allowUnsound {
			return StatusResult{}, fmt.Errorf("synchronizer: soundness check failed for curr_cid %s and allow-unsound is disabled", currCid)
		}
	}

	return s.finalize(currCid, msg.Sync.Proposed, highestProofPtr, log, consensus)
}

// finalize is the shared tail of STOP-DATA (leader) and Syncing
// (follower): advance the tbo queue past the new view, clear stale log
// entries, install the forged PRE-PREPARE, and report the outcome.
func (s *Synchronizer) finalize(currCid seqno.SeqNo, proposed wire.StoredMessage[wire.ConsensusMessage], highestProofPtr *wire.Proof, log Log, consensus ConsensusCollaborator) (StatusResult, error) {
	lastExec, haveExec := log.LastExecution()

	if highestProofPtr != nil && highestProofPtr.Seq > 0 && haveExec && highestProofPtr.Seq > lastExec+1 {
		s.savedFinalize = &FinalizeState{NextView: s.nextView, CurrCid: currCid, Proposed: proposed, HighestProof: highestProofPtr, CurrentlyJoining: s.joinCandidate}
		s.phase = SyncingState
		s.log.Infow("finalize missing decisions, handing off to state transfer", "highest_proof_seq", highestProofPtr.Seq, "last_execution", lastExec)
		return StatusResult{Status: StatusRunCst}, nil
	}
	if highestProofPtr != nil && currCid == lastExec+1 && highestProofPtr.Seq != currCid-1 {
		// Open question (spec §9): last_proof absent/mismatched exactly
		// at the boundary the source "doesn't really know how this
		// would be possible" for — this implementation fails loudly.
		return StatusResult{}, fmt.Errorf("synchronizer: curr_cid %s expects a proof at seq %s but highest proof is at %s", currCid, currCid-1, highestProofPtr.Seq)
	}

	log.ClearLastOccurrence(currCid)

	s.tboQueue.Advance()
	s.currentView = s.nextView
	s.quorum = s.currentView.Quorum()

	consensus.SetQuorum(s.quorum)
	consensus.InstallForgedPrePrepare(s.currentView.Seq(), proposed.Header, proposed.Payload)

	s.phase = Init
	joining := s.joinCandidate
	s.joinCandidate = nil
	s.nextView = nil
	s.savedFinalize = nil

	if joining != nil {
		return StatusResult{Status: StatusNewViewJoinedQuorum, ToExec: currCid, Joined: *joining, NewView: s.currentView}, nil
	}
	return StatusResult{Status: StatusNewView, ToExec: currCid, NewView: s.currentView}, nil
}

// ResumeViewChange is called when state transfer finishes during
// SyncingState: it replays the saved FinalizeState to completion.
func (s *Synchronizer) ResumeViewChange(log Log, consensus ConsensusCollaborator) (StatusResult, error) {
	if s.phase != SyncingState || s.savedFinalize == nil {
		return StatusResult{}, fmt.Errorf("synchronizer: resume called outside SyncingState")
	}
	fs := s.savedFinalize
	s.joinCandidate = fs.CurrentlyJoining
	return s.finalize(fs.CurrCid, fs.Proposed, fs.HighestProof, log, consensus)
}

// TimeoutPhase distinguishes a client request's two timeout stages
// (spec §5): phase 0 forwards to the leader, phase 1 stops the
// request and feeds the STOP track.
type TimeoutPhase int

const (
	Phase0 TimeoutPhase = iota
	Phase1
)

// PendingTimeout is one outstanding client request's timeout state.
type PendingTimeout struct {
	Request wire.ClientRequest
	Phase   TimeoutPhase
}

// ClientRequestsTimedOut classifies pending timeouts: a first-occurrence
// (Phase0) expiration is forwarded to the current leader; a
// second-occurrence (Phase1) becomes a stopped request and triggers
// BeginViewChange.
func ClientRequestsTimedOut(pending []PendingTimeout) (forwarded, stopped []wire.ClientRequest) {
	for _, p := range pending {
		switch p.Phase {
		case Phase0:
			forwarded = append(forwarded, p.Request)
		case Phase1:
			stopped = append(stopped, p.Request)
		}
	}
	return forwarded, stopped
}

func sig64(sig []byte) [64]byte {
	var out [64]byte
	copy(out[:], sig)
	return out
}

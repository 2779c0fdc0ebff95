package wire

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/google/uuid"

	"github.com/cerera/bft/internal/digest"
	"github.com/cerera/bft/internal/seqno"
)

// ClientRequest is a single operation submitted by a client, batched
// by the proposer and ordered inside a PrePrepare.
type ClientRequest struct {
	ID        uuid.UUID
	From      seqno.NodeID
	Operation []byte
}

// ConsensusKind discriminates the three-phase message variants carried
// by a ConsensusMessage (spec §3).
type ConsensusKind byte

const (
	KindPrePrepare ConsensusKind = iota
	KindPrepare
	KindCommit
)

func (k ConsensusKind) String() string {
	switch k {
	case KindPrePrepare:
		return "PRE-PREPARE"
	case KindPrepare:
		return "PREPARE"
	case KindCommit:
		return "COMMIT"
	default:
		return "UNKNOWN"
	}
}

// ConsensusMessage is the three-phase agreement payload: PrePrepare
// carries the ordered batch, Prepare/Commit carry only the digest
// being voted on.
type ConsensusMessage struct {
	Seq   seqno.SeqNo
	View  seqno.SeqNo
	Kind  ConsensusKind
	Batch []ClientRequest  // populated only for KindPrePrepare
	Digest digest.Digest   // populated for KindPrepare/KindCommit, and derived for KindPrePrepare
}

func (m ConsensusMessage) Seqn() seqno.SeqNo { return m.Seq }

// JoinCert is the evidence a joining replica presents to request
// admission into the quorum (spec §4.4 quorum-join track).
type JoinCert struct {
	Node      seqno.NodeID
	PublicKey []byte
	Signature []byte
}

// ViewChangeKind discriminates the five ViewChangeMessage variants (spec §3).
type ViewChangeKind byte

const (
	KindStop ViewChangeKind = iota
	KindStopQuorumJoin
	KindNodeQuorumJoin
	KindStopData
	KindSync
)

// TimestampedValue is a (view, digest) pair recorded as a PREPARE
// write in a replica's write set, used by the soundness predicate.
type TimestampedValue struct {
	View   seqno.SeqNo
	Digest digest.Digest
}

// IncompleteProof is the evidence a replica reports about the
// sequence it was executing when the view stalled.
type IncompleteProof struct {
	View           seqno.SeqNo
	SeqInExec      seqno.SeqNo
	QuorumPrepares *TimestampedValue // nil if none observed
	WriteSet       []TimestampedValue
}

// Proof is fully-justified evidence of a decided batch: at least
// quorum signed PREPAREs and COMMITs binding BatchDigest (spec §3).
type Proof struct {
	Seq         seqno.SeqNo
	View        seqno.SeqNo
	BatchDigest digest.Digest
	Prepares    []StoredMessage[ConsensusMessage]
	Commits     []StoredMessage[ConsensusMessage]
}

// Valid reports whether both evidence lists meet the quorum bound and
// bind the same digest — the invariant from spec §3.
func (p Proof) Valid(quorum int) bool {
	if len(p.Prepares) < quorum || len(p.Commits) < quorum {
		return false
	}
	for _, sm := range p.Prepares {
		if sm.Payload.Digest != p.BatchDigest {
			return false
		}
	}
	for _, sm := range p.Commits {
		if sm.Payload.Digest != p.BatchDigest {
			return false
		}
	}
	return true
}

// CollectData is what a replica reports during STOP-DATA: its
// incomplete proof for the stalling sequence plus, if any, the last
// fully decided Proof it holds.
type CollectData struct {
	IncompleteProof IncompleteProof
	LastProof       *Proof
}

// LeaderCollects is what the new leader broadcasts in SYNC: the
// forged PRE-PREPARE for the recovered sequence plus the StopData
// evidence it was built from.
type LeaderCollects struct {
	Proposed StoredMessage[ConsensusMessage]
	Collects []StoredMessage[ViewChangeMessage]
}

// ViewChangeMessage is the synchronizer's wire payload (spec §3/§4.4).
type ViewChangeMessage struct {
	View seqno.SeqNo
	Kind ViewChangeKind

	StopRequests []ClientRequest // KindStop
	JoinNode     seqno.NodeID    // KindStopQuorumJoin / KindNodeQuorumJoin
	JoinCert     *JoinCert       // KindStopQuorumJoin / KindNodeQuorumJoin
	StopData     *CollectData    // KindStopData
	Sync         *LeaderCollects // KindSync
}

func (m ViewChangeMessage) Seqn() seqno.SeqNo { return m.View }

// Checkpoint is an application-state snapshot bound to the sequence it
// was taken at (spec §3).
type Checkpoint struct {
	Seq   seqno.SeqNo
	Digest digest.Digest
	State []byte
}

// CST message kinds (spec §4.5/§6).
type (
	// RequestStateCid asks peers for the sequence number they last checkpointed at.
	RequestStateCid struct {
		CstSeq seqno.SeqNo
	}
	// ReplyStateCid answers with (seq, digest) of the responder's latest
	// checkpoint, or a zero digest for "no checkpoint yet" (blank reply).
	ReplyStateCid struct {
		CstSeq seqno.SeqNo
		Seq    seqno.SeqNo
		Digest digest.Digest
	}
	// RequestState asks peers to ship their full checkpoint state.
	RequestState struct {
		CstSeq seqno.SeqNo
	}
	// ReplyState carries the responder's recovery state.
	ReplyState struct {
		CstSeq     seqno.SeqNo
		Checkpoint Checkpoint
	}
)

func (m RequestStateCid) Seqn() seqno.SeqNo { return m.CstSeq }
func (m ReplyStateCid) Seqn() seqno.SeqNo   { return m.CstSeq }
func (m RequestState) Seqn() seqno.SeqNo    { return m.CstSeq }
func (m ReplyState) Seqn() seqno.SeqNo      { return m.CstSeq }

// Ping is a lightweight liveness probe distinguished by Reply.
type Ping struct {
	Reply bool
}

func init() {
	gob.Register(ConsensusMessage{})
	gob.Register(ViewChangeMessage{})
	gob.Register(RequestStateCid{})
	gob.Register(ReplyStateCid{})
	gob.Register(RequestState{})
	gob.Register(ReplyState{})
	gob.Register(Ping{})
}

// Encode serializes a payload with gob, the framing the teacher's
// network/packet.go uses for everything beyond the fixed header.
func Encode(payload interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&payload); err != nil {
		return nil, fmt.Errorf("wire: encode payload: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode deserializes a payload previously produced by Encode into out
// (out must be *interface{}, matching gob's interface decoding contract).
func Decode(data []byte, out *interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(out); err != nil {
		return fmt.Errorf("wire: decode payload: %w", err)
	}
	return nil
}

package node

import (
	"github.com/cerera/bft/internal/seqno"
	"github.com/cerera/bft/internal/wire"
)

// Go forbids two methods named BroadcastSigned on the same receiver
// with different parameter types, but decision.Network and
// synchronizer.Node both require exactly that name. Rather than carry
// the collision into Node itself, each subsystem gets a thin adapter
// that delegates to Node's differently-named internal broadcast
// methods — Node stays the single source of transport truth, and each
// adapter is just a view onto it shaped like its consumer's interface.

// ConsensusAdapter satisfies decision.Network.
type ConsensusAdapter struct{ *Node }

// BroadcastSigned signs the digest the vote binds — msg.Digest for
// PREPARE/COMMIT — so the signatures a Decision collects into a Proof
// verify against the digest the Proof carries. PRE-PREPAREs have no
// vote digest yet and sign the envelope digest.
func (a ConsensusAdapter) BroadcastSigned(msg wire.ConsensusMessage, targets []seqno.NodeID) error {
	if msg.Kind == wire.KindPrepare || msg.Kind == wire.KindCommit {
		d := msg.Digest
		return a.Node.publishDigest(kindConsensus, broadcastTarget, msg, true, &d)
	}
	return a.Node.BroadcastSignedRaw(msg, kindConsensus, targets)
}

// SynchronizerAdapter satisfies synchronizer.Node.
type SynchronizerAdapter struct{ *Node }

func (a SynchronizerAdapter) BroadcastSigned(msg wire.ViewChangeMessage, targets []seqno.NodeID) error {
	return a.Node.BroadcastSignedRaw(msg, kindViewChange, targets)
}

func (a SynchronizerAdapter) SendSigned(msg wire.ViewChangeMessage, to seqno.NodeID) error {
	return a.Node.SendSigned(msg, kindViewChange, to)
}

// CSTAdapter satisfies cst.Node.
type CSTAdapter struct{ *Node }

func (a CSTAdapter) BroadcastStateCidRequest(msg wire.RequestStateCid, targets []seqno.NodeID) error {
	return a.Node.Broadcast(msg, kindRequestStateCid, targets)
}

func (a CSTAdapter) BroadcastStateRequest(msg wire.RequestState, targets []seqno.NodeID) error {
	return a.Node.Broadcast(msg, kindRequestState, targets)
}

func (a CSTAdapter) SendReplyStateCid(msg wire.ReplyStateCid, to seqno.NodeID) error {
	return a.Node.Send(msg, kindReplyStateCid, to, true)
}

func (a CSTAdapter) SendReplyState(msg wire.ReplyState, to seqno.NodeID) error {
	return a.Node.Send(msg, kindReplyState, to, true)
}

// Adapters bundles the three subsystem-facing views of a Node so the
// engine composition root can hand each state machine exactly the
// interface it asked for.
type Adapters struct {
	Consensus    ConsensusAdapter
	Synchronizer SynchronizerAdapter
	CST          CSTAdapter
}

// NewAdapters builds the three views over n.
func NewAdapters(n *Node) Adapters {
	return Adapters{
		Consensus:    ConsensusAdapter{n},
		Synchronizer: SynchronizerAdapter{n},
		CST:          CSTAdapter{n},
	}
}

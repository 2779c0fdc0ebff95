package synchronizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cerera/bft/internal/bftcrypto"
	"github.com/cerera/bft/internal/digest"
	"github.com/cerera/bft/internal/seqno"
	"github.com/cerera/bft/internal/view"
	"github.com/cerera/bft/internal/wire"
)

type fakeNode struct {
	id        seqno.NodeID
	broadcast []wire.ViewChangeMessage
	sent      []wire.ViewChangeMessage
}

func (f *fakeNode) ID() seqno.NodeID { return f.id }
func (f *fakeNode) Sign(d digest.Digest) ([]byte, error) { return make([]byte, 64), nil }
func (f *fakeNode) Verify(from seqno.NodeID, d digest.Digest, sig []byte) error { return nil }
func (f *fakeNode) BroadcastSigned(msg wire.ViewChangeMessage, targets []seqno.NodeID) error {
	f.broadcast = append(f.broadcast, msg)
	return nil
}
func (f *fakeNode) SendSigned(msg wire.ViewChangeMessage, to seqno.NodeID) error {
	f.sent = append(f.sent, msg)
	return nil
}

type fakeTimeouts struct{}

func (fakeTimeouts) TimeoutClientRequests(time.Duration, []wire.ClientRequest) {}
func (fakeTimeouts) CancelClientRqTimeouts([]wire.ClientRequest)               {}
func (fakeTimeouts) ResetAllClientRqTimeouts(time.Duration)                    {}

type fakeLog struct {
	lastExec seqno.SeqNo
	haveExec bool
	proof    *wire.Proof
	cleared  []seqno.SeqNo
}

func (f *fakeLog) LastProof(quorum int) (wire.Proof, bool) {
	if f.proof == nil {
		return wire.Proof{}, false
	}
	return *f.proof, true
}
func (f *fakeLog) LastExecution() (seqno.SeqNo, bool) { return f.lastExec, f.haveExec }
func (f *fakeLog) ClearLastOccurrence(seq seqno.SeqNo) { f.cleared = append(f.cleared, seq) }

type fakePre struct{ batch []wire.ClientRequest }

func (f *fakePre) DrainPending(max int) []wire.ClientRequest { return f.batch }

type fakeConsensus struct {
	installedView seqno.SeqNo
	seq           seqno.SeqNo
}

func (f *fakeConsensus) InstallForgedPrePrepare(v seqno.SeqNo, h wire.Header, msg wire.ConsensusMessage) {
	f.installedView = v
	f.seq = msg.Seq
}
func (f *fakeConsensus) InstallSequenceNumber(seq seqno.SeqNo) { f.seq = seq }
func (f *fakeConsensus) SetQuorum(quorum int)                  {}

func members(n int) []seqno.NodeID {
	ids := make([]seqno.NodeID, n)
	for i := range ids {
		ids[i] = seqno.NodeID(i)
	}
	return ids
}

func TestStopQuorumAdvancesToStoppingDataForNewLeader(t *testing.T) {
	v := view.New(0, members(4), 1, nil) // leader of view 1 is node 1
	s := New(v, true, zap.NewNop().Sugar())
	node := &fakeNode{id: 1}
	timeouts := fakeTimeouts{}

	for _, from := range []seqno.NodeID{0, 2, 3} {
		_, err := s.ProcessMessage(wire.Header{From: from}, wire.ViewChangeMessage{View: 1, Kind: wire.KindStop}, node, timeouts, &fakeLog{}, &fakePre{}, &fakeConsensus{})
		require.NoError(t, err)
	}
	assert.Equal(t, StoppingData, s.Phase(), "node 1 is next view's leader")
}

func TestDuplicateStopIsDropped(t *testing.T) {
	v := view.New(0, members(4), 1, nil)
	s := New(v, true, zap.NewNop().Sugar())
	node := &fakeNode{id: 0}
	timeouts := fakeTimeouts{}

	_, err := s.ProcessMessage(wire.Header{From: 2}, wire.ViewChangeMessage{View: 1, Kind: wire.KindStop}, node, timeouts, &fakeLog{}, &fakePre{}, &fakeConsensus{})
	require.NoError(t, err)
	_, err = s.ProcessMessage(wire.Header{From: 2}, wire.ViewChangeMessage{View: 1, Kind: wire.KindStop}, node, timeouts, &fakeLog{}, &fakePre{}, &fakeConsensus{})
	require.NoError(t, err)

	assert.Equal(t, 1, s.stopVotes.count())
}

func TestFinalizeAsLeaderInstallsForgedPrePrepare(t *testing.T) {
	v := view.New(0, members(4), 1, nil)
	s := New(v, true, zap.NewNop().Sugar())
	node := &fakeNode{id: 1}
	timeouts := fakeTimeouts{}
	consensus := &fakeConsensus{}
	log := &fakeLog{lastExec: 0, haveExec: true}
	pre := &fakePre{batch: []wire.ClientRequest{{Operation: []byte("op")}}}

	for _, from := range []seqno.NodeID{0, 2, 3} {
		_, err := s.ProcessMessage(wire.Header{From: from}, wire.ViewChangeMessage{View: 1, Kind: wire.KindStop}, node, timeouts, log, pre, consensus)
		require.NoError(t, err)
	}
	require.Equal(t, StoppingData, s.Phase())

	var triggered StatusResult
	for _, from := range []seqno.NodeID{0, 1, 2, 3} {
		cd := wire.CollectData{IncompleteProof: wire.IncompleteProof{SeqInExec: 1}}
		res, err := s.ProcessMessage(wire.Header{From: from}, wire.ViewChangeMessage{View: 1, Kind: wire.KindStopData, StopData: &cd}, node, timeouts, log, pre, consensus)
		require.NoError(t, err)
		if res.Status == StatusNewView { // quorum(3) reached on the 3rd distinct StopData
			triggered = res
		}
	}
	assert.Equal(t, StatusNewView, triggered.Status)

	assert.Equal(t, seqno.SeqNo(1), s.currentView.Seq())
	assert.Equal(t, seqno.SeqNo(1), consensus.seq, "forged PRE-PREPARE seq should be curr_cid = last_execution+1")
	assert.Equal(t, Init, s.Phase())
}

func TestSoundBoundRequiresQuorumHighestAndCertifiedValue(t *testing.T) {
	d := digest.Of([]byte("value"))
	ts := seqno.SeqNo(3)
	normalized := map[seqno.NodeID]wire.IncompleteProof{
		0: {QuorumPrepares: &wire.TimestampedValue{View: ts, Digest: d}, WriteSet: []wire.TimestampedValue{{View: ts, Digest: d}}},
		1: {QuorumPrepares: &wire.TimestampedValue{View: ts, Digest: d}, WriteSet: []wire.TimestampedValue{{View: ts, Digest: d}}},
		2: {QuorumPrepares: &wire.TimestampedValue{View: ts, Digest: d}, WriteSet: []wire.TimestampedValue{{View: ts, Digest: d}}},
		3: {QuorumPrepares: nil},
	}
	res := sound(3, 1, normalized)
	assert.True(t, res.Bound)
	assert.Equal(t, d, res.Digest)
}

func TestSoundUnboundWhenNoQuorumPrepares(t *testing.T) {
	normalized := map[seqno.NodeID]wire.IncompleteProof{
		0: {QuorumPrepares: nil},
		1: {QuorumPrepares: nil},
		2: {QuorumPrepares: nil},
	}
	res := sound(3, 1, normalized)
	assert.False(t, res.Bound)
}

func TestClientRequestsTimedOutClassifiesByPhase(t *testing.T) {
	pending := []PendingTimeout{
		{Request: wire.ClientRequest{Operation: []byte("a")}, Phase: Phase0},
		{Request: wire.ClientRequest{Operation: []byte("b")}, Phase: Phase1},
	}
	forwarded, stopped := ClientRequestsTimedOut(pending)
	assert.Len(t, forwarded, 1)
	assert.Len(t, stopped, 1)
}

func TestFinalizeHandsOffToCstWhenDecisionsMissing(t *testing.T) {
	v := view.New(0, members(4), 1, nil)
	s := New(v, true, zap.NewNop().Sugar())
	node := &fakeNode{id: 1}
	timeouts := fakeTimeouts{}
	consensus := &fakeConsensus{}
	proof := wire.Proof{Seq: 10}
	log := &fakeLog{lastExec: 0, haveExec: true, proof: &proof}
	pre := &fakePre{}

	for _, from := range []seqno.NodeID{0, 2, 3} {
		_, err := s.ProcessMessage(wire.Header{From: from}, wire.ViewChangeMessage{View: 1, Kind: wire.KindStop}, node, timeouts, log, pre, consensus)
		require.NoError(t, err)
	}

	var triggered StatusResult
	for _, from := range []seqno.NodeID{0, 1, 2, 3} {
		cd := wire.CollectData{IncompleteProof: wire.IncompleteProof{SeqInExec: 11}, LastProof: &wire.Proof{Seq: 10, BatchDigest: digest.Of([]byte("x")), Prepares: fullQuorum(3), Commits: fullQuorum(3)}}
		r, err := s.ProcessMessage(wire.Header{From: from}, wire.ViewChangeMessage{View: 1, Kind: wire.KindStopData, StopData: &cd}, node, timeouts, log, pre, consensus)
		require.NoError(t, err)
		if r.Status == StatusRunCst {
			triggered = r
		}
	}
	assert.Equal(t, StatusRunCst, triggered.Status)
	assert.Equal(t, SyncingState, s.Phase())
}

func fullQuorum(n int) []wire.StoredMessage[wire.ConsensusMessage] {
	d := digest.Of([]byte("x"))
	out := make([]wire.StoredMessage[wire.ConsensusMessage], n)
	for i := range out {
		out[i] = wire.StoredMessage[wire.ConsensusMessage]{Payload: wire.ConsensusMessage{Digest: d}}
	}
	return out
}

func TestQuorumJoinAdmitsCandidateAfterQuorumVotes(t *testing.T) {
	v := view.New(0, members(4), 1, nil)
	s := New(v, true, zap.NewNop().Sugar())
	node := &fakeNode{id: 0}
	timeouts := fakeTimeouts{}
	consensus := &fakeConsensus{}
	log := &fakeLog{}
	pre := &fakePre{}

	keys, err := bftcrypto.GenerateKeyPair()
	require.NoError(t, err)
	cert, err := MakeJoinCert(4, keys)
	require.NoError(t, err)

	for _, from := range []seqno.NodeID{1, 2, 3} {
		msg := wire.ViewChangeMessage{View: 1, Kind: wire.KindStopQuorumJoin, JoinNode: 4, JoinCert: cert}
		_, err := s.ProcessMessage(wire.Header{From: from}, msg, node, timeouts, log, pre, consensus)
		require.NoError(t, err)
	}

	require.NotNil(t, s.nextView)
	assert.Equal(t, 5, s.nextView.N(), "candidate admitted into the next view")
	assert.True(t, s.nextView.Contains(4))
	assert.Equal(t, 4, s.nextView.Quorum(), "quorum grows with membership: 4 over 5 members")
	assert.Equal(t, 4, s.quorum, "expanded quorum installed for certification")
	assert.True(t, s.sentOurJoin, "f+1 observed votes trigger our own STOP-QUORUM-JOIN")
}

func TestQuorumJoinRejectsBadCert(t *testing.T) {
	v := view.New(0, members(4), 1, nil)
	s := New(v, true, zap.NewNop().Sugar())
	node := &fakeNode{id: 0}

	keys, err := bftcrypto.GenerateKeyPair()
	require.NoError(t, err)
	cert, err := MakeJoinCert(5, keys) // bound to a different id
	require.NoError(t, err)

	err = s.BeginQuorumViewChange(4, cert, node)
	assert.Error(t, err)
	assert.Nil(t, s.joinCandidate)
}

func TestStopTrackPreemptsQuorumJoin(t *testing.T) {
	v := view.New(0, members(4), 1, nil)
	s := New(v, true, zap.NewNop().Sugar())
	node := &fakeNode{id: 0}
	timeouts := fakeTimeouts{}
	log := &fakeLog{}

	keys, err := bftcrypto.GenerateKeyPair()
	require.NoError(t, err)
	cert, err := MakeJoinCert(4, keys)
	require.NoError(t, err)
	require.NoError(t, s.BeginQuorumViewChange(4, cert, node))
	require.NotNil(t, s.joinCandidate)

	_, err = s.ProcessMessage(wire.Header{From: 2}, wire.ViewChangeMessage{View: 1, Kind: wire.KindStop}, node, timeouts, log, &fakePre{}, &fakeConsensus{})
	require.NoError(t, err)
	assert.Nil(t, s.joinCandidate, "STOP preempts an in-progress quorum join")
}

package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cerera/bft/internal/digest"
	"github.com/cerera/bft/internal/seqno"
	"github.com/cerera/bft/internal/wire"
)

type fakeNetwork struct {
	id        seqno.NodeID
	broadcast []wire.ConsensusMessage
}

func (f *fakeNetwork) ID() seqno.NodeID { return f.id }
func (f *fakeNetwork) Sign(d digest.Digest) ([]byte, error) {
	return make([]byte, 64), nil
}
func (f *fakeNetwork) Verify(from seqno.NodeID, d digest.Digest, sig []byte) error { return nil }
func (f *fakeNetwork) BroadcastSigned(msg wire.ConsensusMessage, targets []seqno.NodeID) error {
	f.broadcast = append(f.broadcast, msg)
	return nil
}

type fakeDeferrer struct {
	deferred []wire.ConsensusMessage
}

func (f *fakeDeferrer) DeferMessage(h wire.Header, msg wire.ConsensusMessage) {
	f.deferred = append(f.deferred, msg)
}

func newTestDecision() *Decision {
	return New(seqno.SeqNo(1), seqno.SeqNo(0), 3, zap.NewNop().Sugar())
}

func hdr(from seqno.NodeID) wire.Header { return wire.Header{From: from} }

func TestHappyPathReachesDecided(t *testing.T) {
	d := newTestDecision()
	net := &fakeNetwork{id: 0}
	def := &fakeDeferrer{}

	batch := []wire.ClientRequest{{Operation: []byte("op1")}}
	out, err := d.ProcessMessage(hdr(0), wire.ConsensusMessage{Seq: 1, View: 0, Kind: wire.KindPrePrepare, Batch: batch}, net, def)
	require.NoError(t, err)
	assert.Equal(t, StatusDeciding, out.Status)
	assert.Equal(t, Preparing, d.State())

	digestWanted := d.batchDigest

	for _, voter := range []seqno.NodeID{1, 2} {
		out, err = d.ProcessMessage(hdr(voter), wire.ConsensusMessage{Seq: 1, View: 0, Kind: wire.KindPrepare, Digest: digestWanted}, net, def)
		require.NoError(t, err)
	}
	assert.Equal(t, Committing, d.State())

	for _, voter := range []seqno.NodeID{1, 2} {
		out, err = d.ProcessMessage(hdr(voter), wire.ConsensusMessage{Seq: 1, View: 0, Kind: wire.KindCommit, Digest: digestWanted}, net, def)
		require.NoError(t, err)
	}
	assert.Equal(t, StatusDecided, out.Status)
	assert.True(t, d.IsFinalizeable())

	completed, err := d.Finalize()
	require.NoError(t, err)
	assert.Equal(t, seqno.SeqNo(1), completed.Seq)
	assert.Len(t, completed.Proof.Prepares, 3)
	assert.Len(t, completed.Proof.Commits, 3)
}

func TestDuplicateVoteReportsVotedTwice(t *testing.T) {
	d := newTestDecision()
	net := &fakeNetwork{id: 0}
	def := &fakeDeferrer{}

	batch := []wire.ClientRequest{{Operation: []byte("op1")}}
	_, err := d.ProcessMessage(hdr(0), wire.ConsensusMessage{Seq: 1, View: 0, Kind: wire.KindPrePrepare, Batch: batch}, net, def)
	require.NoError(t, err)

	digestWanted := d.batchDigest
	_, err = d.ProcessMessage(hdr(1), wire.ConsensusMessage{Seq: 1, View: 0, Kind: wire.KindPrepare, Digest: digestWanted}, net, def)
	require.NoError(t, err)

	out, err := d.ProcessMessage(hdr(1), wire.ConsensusMessage{Seq: 1, View: 0, Kind: wire.KindPrepare, Digest: digestWanted}, net, def)
	require.NoError(t, err)
	assert.Equal(t, StatusVotedTwice, out.Status)
	assert.Equal(t, seqno.NodeID(1), out.Voter)
}

func TestFutureViewMessageIsDeferred(t *testing.T) {
	d := newTestDecision()
	net := &fakeNetwork{id: 0}
	def := &fakeDeferrer{}

	_, err := d.ProcessMessage(hdr(1), wire.ConsensusMessage{Seq: 1, View: 5, Kind: wire.KindPrepare}, net, def)
	require.NoError(t, err)
	assert.Len(t, def.deferred, 1)
	assert.Equal(t, Init, d.State())
}

func TestPrepareBeforePrePrepareIsBuffered(t *testing.T) {
	d := newTestDecision()
	net := &fakeNetwork{id: 0}
	def := &fakeDeferrer{}

	_, err := d.ProcessMessage(hdr(1), wire.ConsensusMessage{Seq: 1, View: 0, Kind: wire.KindPrepare, Digest: digest.Of([]byte("x"))}, net, def)
	require.NoError(t, err)
	assert.Equal(t, Init, d.State())
	assert.Len(t, d.buffered.b.prepares, 1)
}

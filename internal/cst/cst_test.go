package cst

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cerera/bft/internal/digest"
	"github.com/cerera/bft/internal/seqno"
	"github.com/cerera/bft/internal/wire"
)

type fakeNode struct {
	id          seqno.NodeID
	cidBroadcast []wire.RequestStateCid
	stateBroadcast []wire.RequestState
}

func (f *fakeNode) ID() seqno.NodeID { return f.id }
func (f *fakeNode) BroadcastStateCidRequest(msg wire.RequestStateCid, targets []seqno.NodeID) error {
	f.cidBroadcast = append(f.cidBroadcast, msg)
	return nil
}
func (f *fakeNode) BroadcastStateRequest(msg wire.RequestState, targets []seqno.NodeID) error {
	f.stateBroadcast = append(f.stateBroadcast, msg)
	return nil
}
func (f *fakeNode) SendReplyStateCid(msg wire.ReplyStateCid, to seqno.NodeID) error { return nil }
func (f *fakeNode) SendReplyState(msg wire.ReplyState, to seqno.NodeID) error       { return nil }

type fakeTimeouts struct{}

func (fakeTimeouts) TimeoutCstRequest(d time.Duration, quorumSize int, cstSeq seqno.SeqNo) {}
func (fakeTimeouts) ReceivedCstRequest(from seqno.NodeID, cstSeq seqno.SeqNo)              {}

type fakeStore struct {
	cp        *wire.Checkpoint
	installed []wire.Checkpoint
}

func (f *fakeStore) LastCheckpoint() (wire.Checkpoint, bool) {
	if f.cp == nil {
		return wire.Checkpoint{}, false
	}
	return *f.cp, true
}
func (f *fakeStore) WriteCheckpoint(opMode string, cp wire.Checkpoint) error {
	f.installed = append(f.installed, cp)
	return nil
}

type fakeInstallChannel struct {
	installed []wire.Checkpoint
}

func (f *fakeInstallChannel) Install(cp wire.Checkpoint) { f.installed = append(f.installed, cp) }

func members(n int) []seqno.NodeID {
	ids := make([]seqno.NodeID, n)
	for i := range ids {
		ids[i] = seqno.NodeID(i)
	}
	return ids
}

func TestRequestLatestStateBroadcastsToQuorumMinusSelf(t *testing.T) {
	c := New(3, members(4), 3, time.Second, zap.NewNop().Sugar())
	node := &fakeNode{id: 3}
	require.NoError(t, c.RequestLatestState(node, fakeTimeouts{}))
	require.Len(t, node.cidBroadcast, 1)
	assert.Equal(t, ReceivingCid, c.Phase())
}

func TestReplyStateCidResolvesOnQuorumAgreement(t *testing.T) {
	c := New(3, members(4), 3, time.Second, zap.NewNop().Sugar())
	node := &fakeNode{id: 3}
	require.NoError(t, c.RequestLatestState(node, fakeTimeouts{}))

	d := digest.Of([]byte("checkpoint-a"))
	var last Result
	for _, seq := range []seqno.SeqNo{10, 10, 10} {
		res, err := c.ProcessMessage(wire.ReplyStateCid{CstSeq: c.cstSeq, Seq: seq, Digest: d}, node, nil, nil, fakeTimeouts{})
		require.NoError(t, err)
		last = res
	}
	assert.Equal(t, StatusFinished, last.Status)
	assert.Equal(t, seqno.SeqNo(10), last.Seq)
}

func TestReplyStateCidDropsStaleCstSeq(t *testing.T) {
	c := New(3, members(4), 3, time.Second, zap.NewNop().Sugar())
	node := &fakeNode{id: 3}
	require.NoError(t, c.RequestLatestState(node, fakeTimeouts{}))

	res, err := c.ProcessMessage(wire.ReplyStateCid{CstSeq: c.cstSeq - 1, Seq: 99}, node, nil, nil, fakeTimeouts{})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, res.Status)
}

func TestReplyStateInstallsOnMajorityAgreement(t *testing.T) {
	c := New(3, members(4), 3, time.Second, zap.NewNop().Sugar())
	node := &fakeNode{id: 3}
	require.NoError(t, c.requestState(node, fakeTimeouts{}))

	cp := wire.Checkpoint{Seq: 10, Digest: digest.Of([]byte("state")), State: []byte("snapshot")}
	store := &fakeStore{}
	installCh := &fakeInstallChannel{}

	var last Result
	for i := 0; i < 2; i++ {
		res, err := c.ProcessMessage(wire.ReplyState{CstSeq: c.cstSeq, Checkpoint: cp}, node, store, installCh, fakeTimeouts{})
		require.NoError(t, err)
		last = res
	}
	assert.Equal(t, StatusFinished, last.Status)
	assert.Len(t, installCh.installed, 1)
	assert.Equal(t, cp.Seq, installCh.installed[0].Seq)
}

func TestHandleOffCtxMessageServesFromLocalCheckpoint(t *testing.T) {
	c := New(0, members(4), 3, time.Second, zap.NewNop().Sugar())
	node := &fakeNode{id: 0}
	cp := wire.Checkpoint{Seq: 5, Digest: digest.Of([]byte("x"))}
	store := &fakeStore{cp: &cp}

	err := c.HandleOffCtxMessage(wire.Header{From: 1}, wire.RequestStateCid{CstSeq: 1}, node, store)
	require.NoError(t, err)
	assert.Equal(t, Init, c.Phase())
}

func TestHandleOffCtxMessageBuffersWhenNoCheckpointYet(t *testing.T) {
	c := New(0, members(4), 3, time.Second, zap.NewNop().Sugar())
	node := &fakeNode{id: 0}
	store := &fakeStore{}

	err := c.HandleOffCtxMessage(wire.Header{From: 1}, wire.RequestStateCid{CstSeq: 1}, node, store)
	require.NoError(t, err)
	assert.Equal(t, WaitingCheckpoint, c.Phase())
	assert.Len(t, c.pendingCidReqs, 1)
}

func TestHandleTimeoutDoublesBackoff(t *testing.T) {
	c := New(3, members(4), 3, time.Second, zap.NewNop().Sugar())
	node := &fakeNode{id: 3}
	require.NoError(t, c.RequestLatestState(node, fakeTimeouts{}))

	before := c.currTimeout
	require.NoError(t, c.HandleTimeout(node, fakeTimeouts{}))
	assert.Equal(t, before*2, c.currTimeout)
	assert.Equal(t, ReceivingCid, c.Phase(), "retry re-enters the same phase")
}

func TestSplitCidRepliesTriggerImmediateRetry(t *testing.T) {
	c := New(3, members(4), 3, time.Second, zap.NewNop().Sugar())
	node := &fakeNode{id: 3}
	require.NoError(t, c.RequestLatestState(node, fakeTimeouts{}))
	round := c.cstSeq

	// three replies, no digest reaching the quorum of 3
	replies := []wire.ReplyStateCid{
		{CstSeq: round, Seq: 10, Digest: digest.Of([]byte("a"))},
		{CstSeq: round, Seq: 10, Digest: digest.Of([]byte("b"))},
		{CstSeq: round, Seq: 9, Digest: digest.Of([]byte("c"))},
	}
	var last Result
	for _, r := range replies {
		res, err := c.ProcessMessage(r, node, nil, nil, fakeTimeouts{})
		require.NoError(t, err)
		last = res
	}
	assert.Equal(t, StatusRunning, last.Status)
	assert.Equal(t, round.Next(), c.cstSeq, "a fresh round opens immediately on a split")
	assert.Len(t, node.cidBroadcast, 2, "the retry re-broadcasts instead of waiting for the timer")
	assert.Equal(t, ReceivingCid, c.Phase())
}

func TestSplitStateRepliesTriggerImmediateRetry(t *testing.T) {
	c := New(3, members(4), 3, time.Second, zap.NewNop().Sugar())
	node := &fakeNode{id: 3}
	require.NoError(t, c.requestState(node, fakeTimeouts{}))
	round := c.cstSeq

	store := &fakeStore{}
	installCh := &fakeInstallChannel{}
	// two conflicting states: neither clears the >f bar (f=1)
	for _, state := range [][]byte{[]byte("x"), []byte("y")} {
		cp := wire.Checkpoint{Seq: 10, Digest: digest.Of(state), State: state}
		res, err := c.ProcessMessage(wire.ReplyState{CstSeq: c.cstSeq, Checkpoint: cp}, node, store, installCh, fakeTimeouts{})
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, res.Status)
	}
	assert.Equal(t, round.Next(), c.cstSeq, "a fresh fetch opens immediately on a split")
	assert.Len(t, node.stateBroadcast, 2)
	assert.Empty(t, installCh.installed)
}

package executor

import (
	"bytes"
	"context"
	"encoding/gob"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cerera/bft/internal/seqno"
	"github.com/cerera/bft/internal/wire"
)

func opBytes(t *testing.T, o KVOp) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(o))
	return buf.Bytes()
}

func TestKVStoreApplySetAndGet(t *testing.T) {
	s := NewKVStore()
	assert.Equal(t, []byte("OK"), s.Apply(opBytes(t, KVOp{Set: true, Key: "k", Value: []byte("v")})))
	assert.Equal(t, []byte("v"), s.Apply(opBytes(t, KVOp{Key: "k"})))
}

func TestSnapshotIsDeterministic(t *testing.T) {
	a, b := NewKVStore(), NewKVStore()
	// insertion order differs; snapshots must not
	a.Apply(opBytes(t, KVOp{Set: true, Key: "x", Value: []byte("1")}))
	a.Apply(opBytes(t, KVOp{Set: true, Key: "y", Value: []byte("2")}))
	b.Apply(opBytes(t, KVOp{Set: true, Key: "y", Value: []byte("2")}))
	b.Apply(opBytes(t, KVOp{Set: true, Key: "x", Value: []byte("1")}))

	sa, err := a.Snapshot()
	require.NoError(t, err)
	sb, err := b.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, sa, sb)
	assert.Equal(t, StateDigest(sa), StateDigest(sb))
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	s := NewKVStore()
	s.Apply(opBytes(t, KVOp{Set: true, Key: "k", Value: []byte("v")}))
	snap, err := s.Snapshot()
	require.NoError(t, err)

	fresh := NewKVStore()
	require.NoError(t, fresh.Restore(snap))
	assert.Equal(t, []byte("v"), fresh.Apply(opBytes(t, KVOp{Key: "k"})))
}

func TestQueueUpdateAndGetAppstate(t *testing.T) {
	e := New(context.Background(), NewKVStore(), zap.NewNop().Sugar())
	defer e.Close()

	batch := []wire.ClientRequest{{Operation: opBytes(t, KVOp{Set: true, Key: "k", Value: []byte("v")})}}
	state, err := e.QueueUpdateAndGetAppstate(BatchMeta{Seq: 3}, batch)
	require.NoError(t, err)
	assert.NotEmpty(t, state)

	seq, ok := e.LastExecuted()
	require.True(t, ok)
	assert.Equal(t, seqno.SeqNo(3), seq)
}

func TestInstallReplacesState(t *testing.T) {
	src := NewKVStore()
	src.Apply(opBytes(t, KVOp{Set: true, Key: "k", Value: []byte("v")}))
	snap, err := src.Snapshot()
	require.NoError(t, err)

	e := New(context.Background(), NewKVStore(), zap.NewNop().Sugar())
	defer e.Close()
	e.Install(wire.Checkpoint{Seq: 10, Digest: StateDigest(snap), State: snap})
	require.Eventually(t, func() bool {
		seq, ok := e.LastExecuted()
		return ok && seq == 10
	}, time.Second, 5*time.Millisecond)

	state, err := e.QueueUpdateAndGetAppstate(BatchMeta{Seq: 11}, nil)
	require.NoError(t, err)
	assert.Equal(t, snap, state)
}

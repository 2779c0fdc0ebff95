package seqno

import "testing"

import "github.com/stretchr/testify/assert"

func TestSeqNoIndex(t *testing.T) {
	base := SeqNo(10)

	offset, ok := SeqNo(15).Index(base)
	assert.True(t, ok)
	assert.Equal(t, int64(5), offset)

	offset, ok = SeqNo(10).Index(base)
	assert.True(t, ok)
	assert.Equal(t, int64(0), offset)

	_, ok = SeqNo(9).Index(base)
	assert.False(t, ok, "sequence below base must be stale")
}

func TestSeqNoNext(t *testing.T) {
	assert.Equal(t, SeqNo(1), SeqNo(0).Next())
}

func TestNodeIDPartition(t *testing.T) {
	firstCli := NodeID(4)
	assert.True(t, NodeID(0).IsReplica(firstCli))
	assert.True(t, NodeID(3).IsReplica(firstCli))
	assert.False(t, NodeID(4).IsReplica(firstCli))
	assert.True(t, NodeID(4).IsClient(firstCli))
}

func TestSetAddDetectsDuplicate(t *testing.T) {
	s := NewSet()
	assert.True(t, s.Add(1))
	assert.False(t, s.Add(1), "re-adding the same node must report a duplicate")
	assert.Equal(t, 1, s.Len())
	assert.True(t, s.Contains(1))
}

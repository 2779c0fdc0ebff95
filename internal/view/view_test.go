package view

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cerera/bft/internal/seqno"
)

func members(n int) []seqno.NodeID {
	ids := make([]seqno.NodeID, n)
	for i := range ids {
		ids[i] = seqno.NodeID(i)
	}
	return ids
}

func TestNewPanicsOnInsufficientMembers(t *testing.T) {
	assert.Panics(t, func() {
		New(0, members(3), 1, nil) // f=1 needs n>=4
	})
}

func TestLeaderRotatesWithSeq(t *testing.T) {
	v := New(0, members(4), 1, nil)
	assert.Equal(t, seqno.NodeID(0), v.Leader())
	assert.Equal(t, 3, v.Quorum())

	v2 := v.NextView()
	assert.Equal(t, seqno.NodeID(1), v2.Leader())
	assert.Same(t, v, v2.Previous())
}

func TestNextViewWithNewNodeExpandsQuorum(t *testing.T) {
	v := New(0, members(4), 1, nil)
	v2 := v.NextViewWithNewNode(seqno.NodeID(4))
	assert.Equal(t, 5, v2.N())
	assert.True(t, v2.Contains(seqno.NodeID(4)))
	assert.Equal(t, uint(1), v2.F())
	assert.Equal(t, 4, v2.Quorum(), "ceil((5+1+1)/2): two quorums over 5 members must overlap in an honest node")
}

func TestQuorumIntersectionBound(t *testing.T) {
	cases := []struct {
		n      int
		f      uint
		quorum int
	}{
		{4, 1, 3},
		{5, 1, 4},
		{7, 2, 5},
		{10, 3, 7},
	}
	for _, tc := range cases {
		v := New(0, members(tc.n), tc.f, nil)
		assert.Equal(t, tc.quorum, v.Quorum(), "n=%d f=%d", tc.n, tc.f)
		// any two quorums intersect in > f members
		assert.Greater(t, 2*v.Quorum()-v.N(), int(tc.f))
	}
}

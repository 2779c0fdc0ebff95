package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cerera/bft/internal/seqno"
)

func TestPartitionCoversTheWholeByteSpace(t *testing.T) {
	members := []seqno.NodeID{0, 1, 2, 3}
	p := Partition(members)

	assert.Len(t, p, 4)
	assert.Equal(t, byte(0), p[0].Lo)
	assert.Equal(t, byte(255), p[3].Hi)
	for i := 1; i < len(members); i++ {
		prev, cur := p[members[i-1]], p[members[i]]
		assert.Equal(t, int(prev.Hi)+1, int(cur.Lo), "ranges must be contiguous")
	}
}

func TestPartitionUnevenMembership(t *testing.T) {
	members := []seqno.NodeID{0, 1, 2}
	p := Partition(members)
	assert.Equal(t, byte(0), p[0].Lo)
	assert.Equal(t, byte(255), p[2].Hi)
}

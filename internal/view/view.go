// Package view defines the immutable ViewInfo record (spec §3): the
// quorum membership, leader selection, and request-sharding partition
// tied to a view sequence number.
package view

import (
	"fmt"

	"github.com/cerera/bft/internal/seqno"
)

// HashRange is the inclusive byte range of the request-hash space a
// member owns, used to shard client requests across the quorum the
// way the teacher's NetworkConfig carries per-peer identity data.
type HashRange struct {
	Lo, Hi byte
}

// View is an immutable configuration of (leader, quorum members,
// hash-space partition) identified by a monotonically increasing
// sequence. Never mutated after construction — "next" views are new
// values chained via Previous.
type View struct {
	seq        seqno.SeqNo
	members    []seqno.NodeID // ordered; leader = members[seq % len(members)]
	f          uint
	partition  map[seqno.NodeID]HashRange
	previous   *View
}

// New builds the initial view for a quorum. Panics if members does
// not satisfy n >= 3f+1 — this is a configuration error, not a
// runtime fault, and the spec treats it as an invariant.
func New(seq seqno.SeqNo, members []seqno.NodeID, f uint, partition map[seqno.NodeID]HashRange) *View {
	if uint(len(members)) < 3*f+1 {
		panic(fmt.Sprintf("view: %d members cannot tolerate f=%d faults (need >= %d)", len(members), f, 3*f+1))
	}
	cp := make([]seqno.NodeID, len(members))
	copy(cp, members)
	return &View{seq: seq, members: cp, f: f, partition: partition}
}

func (v *View) Seq() seqno.SeqNo        { return v.seq }
func (v *View) Members() []seqno.NodeID { return v.members }
func (v *View) N() int                  { return len(v.members) }
func (v *View) F() uint                 { return v.f }
func (v *View) Previous() *View         { return v.previous }

// Quorum is the Byzantine majority ceil((n+f+1)/2): any two quorums
// intersect in at least f+1 members, so at least one honest replica.
// It reduces to 2f+1 only in the minimal n=3f+1 configuration; after a
// quorum join expands the membership without raising f, the threshold
// grows with n (5 members, f=1 -> quorum 4).
func (v *View) Quorum() int {
	return (v.N() + int(v.f) + 2) / 2
}
func (v *View) Partition() map[seqno.NodeID]HashRange { return v.partition }

// Leader returns the member selected by the view's round-robin
// rotation: members[seq mod len(members)] (spec §3).
func (v *View) Leader() seqno.NodeID {
	return v.members[uint32(v.seq)%uint32(len(v.members))]
}

// IsLeader reports whether id is this view's leader.
func (v *View) IsLeader(id seqno.NodeID) bool { return v.Leader() == id }

// Contains reports whether id is a quorum member of this view.
func (v *View) Contains(id seqno.NodeID) bool {
	for _, m := range v.members {
		if m == id {
			return true
		}
	}
	return false
}

// NextView advances the view sequence with the same membership,
// chaining Previous so the view history forms a linked list (spec §3
// "previous_view forms a chain").
func (v *View) NextView() *View {
	nv := New(v.seq.Next(), v.members, v.f, v.partition)
	nv.previous = v
	return nv
}

// NextViewWithNewNode advances the view sequence and admits a new
// member, recomputing f as the largest value satisfying the expanded
// membership (quorum-join, spec §4.6 / scenario 6).
func (v *View) NextViewWithNewNode(id seqno.NodeID) *View {
	members := make([]seqno.NodeID, len(v.members), len(v.members)+1)
	copy(members, v.members)
	members = append(members, id)
	f := (uint(len(members)) - 1) / 3
	partition := v.partition
	if partition != nil {
		np := make(map[seqno.NodeID]HashRange, len(partition)+1)
		for k, r := range partition {
			np[k] = r
		}
		partition = np
	}
	nv := New(v.seq.Next(), members, f, partition)
	nv.previous = v
	return nv
}

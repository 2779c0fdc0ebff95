// Package seqno defines the ordering primitives shared by every
// subsystem: the monotonic sequence counter and the replica/client
// identifier space (spec §3, §4.1).
package seqno

import "fmt"

// SeqNo is a 32-bit monotonically increasing counter. It wraps around
// silently like the source's u32 — at the scale a deployment runs
// this engine, wrap-around is a theoretical concern only, but Next
// still uses unsigned wrap-add so behaviour at the boundary matches
// the source rather than panicking.
type SeqNo uint32

// Next returns the following sequence number.
func (s SeqNo) Next() SeqNo { return s + 1 }

// Index reports where msgSeq falls relative to base: ok is false for
// the "Left(negative)" stale case (msgSeq < base); when ok is true,
// offset is msgSeq - base and may be zero, within-window, or beyond
// any window the caller currently holds — callers compare the offset
// against their own window width to decide in-window vs future.
func (msgSeq SeqNo) Index(base SeqNo) (offset int64, ok bool) {
	if msgSeq < base {
		return 0, false
	}
	return int64(msgSeq) - int64(base), true
}

func (s SeqNo) String() string { return fmt.Sprintf("%d", uint32(s)) }

// NodeID is an opaque identifier, total-ordered, shared by replicas
// and clients. Values below a configured FirstCli boundary are
// replicas; values at or above it are clients (spec §3 "first_cli").
type NodeID uint32

func (n NodeID) String() string { return fmt.Sprintf("#%d", uint32(n)) }

// IsReplica reports whether n falls below firstCli.
func (n NodeID) IsReplica(firstCli NodeID) bool { return n < firstCli }

// IsClient is the complement of IsReplica.
func (n NodeID) IsClient(firstCli NodeID) bool { return n >= firstCli }

// Set is a small fixed-identity set used for vote tracking
// (prepare_voters, commit_voters) — at most one membership per NodeID,
// matching the "a node appears at most once in each voter set"
// invariant in spec §3.
type Set map[NodeID]struct{}

func NewSet() Set { return make(Set) }

// Add reports whether id was newly added (false means it was already present — a duplicate vote).
func (s Set) Add(id NodeID) bool {
	if _, ok := s[id]; ok {
		return false
	}
	s[id] = struct{}{}
	return true
}

func (s Set) Contains(id NodeID) bool {
	_, ok := s[id]
	return ok
}

func (s Set) Len() int { return len(s) }

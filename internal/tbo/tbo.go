// Package tbo implements the time-bucketed-ordered queue described in
// spec §4.1: a deque-of-deques indexed by offset = msg.seq - base_seq,
// used by Consensus (future-sequence buffering) and Synchronizer
// (STOP/STOP-DATA/SYNC buffering for future views).
package tbo

import (
	"github.com/cerera/bft/internal/seqno"
)

// Seq is the minimal contract a buffered message must expose: the
// sequence (or view) number it is bucketed on.
type Seq interface {
	Seqn() seqno.SeqNo
}

// Queue buckets messages of type M per offset from a moving base.
// Offsets are relative to Base; Advance moves Base forward by one,
// discarding or replaying the bucket that falls out of range.
type Queue[M Seq] struct {
	Base    seqno.SeqNo
	buckets [][]M
}

// New creates an empty queue rooted at base.
func New[M Seq](base seqno.SeqNo) *Queue[M] {
	return &Queue[M]{Base: base}
}

// Enqueue buffers msg at its offset from Base. Messages strictly
// before Base (offset < 0, the "Left" stale case) are dropped. Queue never
// reorders within a bucket — it only appends.
func (q *Queue[M]) Enqueue(msg M) {
	offset, ok := msg.Seqn().Index(q.Base)
	if !ok {
		return
	}
	q.growTo(int(offset))
	q.buckets[offset] = append(q.buckets[offset], msg)
}

func (q *Queue[M]) growTo(offset int) {
	for len(q.buckets) <= offset {
		q.buckets = append(q.buckets, nil)
	}
}

// Advance pops the front bucket (for the current Base) and moves Base
// forward by one, returning the bucket's messages for replay against
// the new current sequence. After Advance, messages for Base+1 are the
// new front bucket.
func (q *Queue[M]) Advance() []M {
	var front []M
	if len(q.buckets) > 0 {
		front = q.buckets[0]
		q.buckets = q.buckets[1:]
	}
	q.Base = q.Base.Next()
	return front
}

// Pop removes and returns a single message from the front bucket, or
// ok=false if it is empty.
func (q *Queue[M]) Pop() (msg M, ok bool) {
	if len(q.buckets) == 0 || len(q.buckets[0]) == 0 {
		return msg, false
	}
	msg = q.buckets[0][0]
	q.buckets[0] = q.buckets[0][1:]
	return msg, true
}

// Len reports how many buckets are currently live (bounds memory use
// to the size of the future window actually seen).
func (q *Queue[M]) Len() int { return len(q.buckets) }

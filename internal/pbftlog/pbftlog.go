// Package pbftlog implements the persistent-log boundary of spec §6:
// an append-only, single-writer/multi-reader record of finalized
// batches and checkpoints, consulted by the synchronizer (LastProof,
// ClearLastOccurrence) and the consensus thread (FinalizeBatch).
//
// Grounded on the teacher's internal/cerera/chain/source.go append-only
// file convention (open-append-json-line, scan-on-load), generalized
// from per-block JSON lines to gob-encoded log entries carrying either
// a finalized batch record or a checkpoint.
package pbftlog

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/cerera/bft/internal/digest"
	"github.com/cerera/bft/internal/seqno"
	"github.com/cerera/bft/internal/wire"
)

// entry is the on-disk record: exactly one of Batch or Checkpoint is set.
type entry struct {
	Batch      *batchRecord
	Checkpoint *wire.Checkpoint
}

type batchRecord struct {
	Seq     seqno.SeqNo
	Digest  digest.Digest
	Digests []digest.Digest // per-request digests, spec §6 FinalizeBatch(seq, digest, digests)
	Proof   wire.Proof
}

// Log is the single-writer, multi-reader persistent-log handle (spec
// §6): only the consensus owner thread calls FinalizeBatch or
// WriteCheckpoint; any thread may call the read-only accessors.
type Log struct {
	mu sync.RWMutex

	path string
	f    *os.File
	enc  *gob.Encoder

	lastExecution  seqno.SeqNo
	haveExecution  bool
	proofsBySeq    map[seqno.SeqNo]wire.Proof
	lastCheckpoint *wire.Checkpoint

	log *zap.SugaredLogger
}

// Open appends to (or creates) the log file at path and replays its
// existing entries to rebuild the in-memory index.
func Open(path string, log *zap.SugaredLogger) (*Log, error) {
	l := &Log{
		path:        path,
		proofsBySeq: make(map[seqno.SeqNo]wire.Proof),
		log:         log,
	}
	if err := l.replay(); err != nil {
		return nil, fmt.Errorf("pbftlog: replay %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pbftlog: open %s: %w", path, err)
	}
	l.f = f
	l.enc = gob.NewEncoder(f)
	return l, nil
}

func (l *Log) replay() error {
	f, err := os.OpenFile(l.path, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := gob.NewDecoder(bufio.NewReader(f))
	for {
		var e entry
		if err := dec.Decode(&e); err != nil {
			break // EOF or the first malformed record; append continues past it
		}
		l.apply(e)
	}
	return nil
}

func (l *Log) apply(e entry) {
	switch {
	case e.Batch != nil:
		l.lastExecution = e.Batch.Seq
		l.haveExecution = true
		l.proofsBySeq[e.Batch.Seq] = e.Batch.Proof
	case e.Checkpoint != nil:
		cp := *e.Checkpoint
		l.lastCheckpoint = &cp
	}
}

// FinalizeBatch records a decided batch: its sequence, content digest,
// per-request digests, and the Proof justifying it (spec §6
// `finalize_batch(seq, digest, digests)`, extended here to also carry
// the Proof the synchronizer later needs via LastProof).
func (l *Log) FinalizeBatch(seq seqno.SeqNo, batchDigest digest.Digest, digests []digest.Digest, proof wire.Proof) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := batchRecord{Seq: seq, Digest: batchDigest, Digests: digests, Proof: proof}
	if err := l.enc.Encode(entry{Batch: &rec}); err != nil {
		return fmt.Errorf("pbftlog: write batch record for seq %s: %w", seq, err)
	}
	l.apply(entry{Batch: &rec})
	l.log.Infow("finalized batch", "seq", seq, "digest", batchDigest)
	return nil
}

// WriteCheckpoint persists a checkpoint taken by the executor. opMode
// distinguishes a routine stable-watermark checkpoint from one forced
// ahead of schedule by a CST installation; both are recorded the same
// way, the mode is carried only for logging.
func (l *Log) WriteCheckpoint(opMode string, cp wire.Checkpoint) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lastCheckpoint != nil && l.lastCheckpoint.Seq == cp.Seq && l.lastCheckpoint.Digest == cp.Digest {
		return fmt.Errorf("pbftlog: checkpoint at seq %s already finalized", cp.Seq)
	}
	if err := l.enc.Encode(entry{Checkpoint: &cp}); err != nil {
		return fmt.Errorf("pbftlog: write checkpoint for seq %s: %w", cp.Seq, err)
	}
	l.apply(entry{Checkpoint: &cp})
	l.log.Infow("wrote checkpoint", "seq", cp.Seq, "op_mode", opMode, "digest", cp.Digest)
	return nil
}

// LastProof returns the highest-sequence Proof on file whose evidence
// lists meet the given certification quorum, or ok=false if none
// qualifies.
func (l *Log) LastProof(quorum int) (wire.Proof, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var best wire.Proof
	found := false
	for _, p := range l.proofsBySeq {
		if !p.Valid(quorum) {
			continue
		}
		if !found || p.Seq > best.Seq {
			best = p
			found = true
		}
	}
	return best, found
}

// LastExecution is the highest sequence number FinalizeBatch has recorded.
func (l *Log) LastExecution() (seqno.SeqNo, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastExecution, l.haveExecution
}

// LastCheckpoint returns the most recently written checkpoint, if any.
func (l *Log) LastCheckpoint() (wire.Checkpoint, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.lastCheckpoint == nil {
		return wire.Checkpoint{}, false
	}
	return *l.lastCheckpoint, true
}

// ClearLastOccurrence drops any cached proof/index entries strictly
// below seq once the synchronizer has finalized past them (spec §4.4
// Finalize step "clear_last_occurrence in the log for curr_cid"),
// bounding the in-memory proof index to what recovery can still need.
func (l *Log) ClearLastOccurrence(seq seqno.SeqNo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for s := range l.proofsBySeq {
		if s < seq {
			delete(l.proofsBySeq, s)
		}
	}
}

// Close flushes and releases the underlying file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

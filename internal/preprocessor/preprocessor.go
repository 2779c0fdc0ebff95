// Package preprocessor implements the request pre-processor: the
// synchronization point between the proposer thread (drains pending
// requests into batches) and the consensus thread (feeds executed
// batches back for deduplication). Grounded on the teacher's
// internal/cerera/pool mempool — bounded intake keyed by content
// identity, FIFO drain, explicit removal once committed.
package preprocessor

import (
	"sync"

	"go.uber.org/zap"

	"github.com/cerera/bft/internal/metrics"
	"github.com/cerera/bft/internal/wire"
)

// PreProcessor holds client requests between intake and ordering.
type PreProcessor struct {
	mu       sync.Mutex
	pending  []wire.ClientRequest
	index    map[string]struct{} // pending + executed request IDs
	executed map[string]struct{}
	maxSize  int

	log *zap.SugaredLogger
}

// New builds a pre-processor bounded at maxSize pending requests
// (0 means unbounded).
func New(maxSize int, log *zap.SugaredLogger) *PreProcessor {
	return &PreProcessor{
		index:    make(map[string]struct{}),
		executed: make(map[string]struct{}),
		maxSize:  maxSize,
		log:      log,
	}
}

// Add accepts a client request unless it is a duplicate of a pending
// or already-executed one, or the pool is full. Reports acceptance.
func (p *PreProcessor) Add(req wire.ClientRequest) bool {
	k := req.ID.String()
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.index[k]; dup {
		return false
	}
	if p.maxSize > 0 && len(p.pending) >= p.maxSize {
		p.log.Warnw("rejecting client request, pool full", "id", k)
		return false
	}
	p.pending = append(p.pending, req)
	p.index[k] = struct{}{}
	metrics.RequestsPending.Set(float64(len(p.pending)))
	return true
}

// DrainPending removes and returns up to max pending requests in FIFO
// order (0 drains everything) — the proposer's batch source and the
// synchronizer's source for forged PRE-PREPAREs.
func (p *PreProcessor) DrainPending(max int) []wire.ClientRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.pending)
	if max > 0 && max < n {
		n = max
	}
	out := make([]wire.ClientRequest, n)
	copy(out, p.pending[:n])
	p.pending = p.pending[n:]
	metrics.RequestsPending.Set(float64(len(p.pending)))
	return out
}

// Requeue puts drained-but-unordered requests back at the front, used
// when a proposal is abandoned because digesting or broadcasting its
// PRE-PREPARE failed.
func (p *PreProcessor) Requeue(reqs []wire.ClientRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	live := reqs[:0]
	for _, r := range reqs {
		if _, done := p.executed[r.ID.String()]; !done {
			live = append(live, r)
		}
	}
	p.pending = append(append([]wire.ClientRequest{}, live...), p.pending...)
	metrics.RequestsPending.Set(float64(len(p.pending)))
}

// MarkExecuted records a committed batch so re-submissions and late
// duplicates are rejected at intake.
func (p *PreProcessor) MarkExecuted(reqs []wire.ClientRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range reqs {
		k := r.ID.String()
		p.executed[k] = struct{}{}
		p.index[k] = struct{}{}
	}
}

// PendingLen reports the current intake depth.
func (p *PreProcessor) PendingLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

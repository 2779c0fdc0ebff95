// Package timeouts implements the timeouts service of spec §6: the
// two-phase client-request timers that feed request forwarding and the
// STOP track, and the per-round CST timers with stale-round discard.
//
// One goroutine owns all timer state; the subsystems talk to it through
// the exported methods and consume expirations from Events(). Expired
// phase-0 requests re-arm as phase 1; expired phase-1 requests are
// reported once and removed.
package timeouts

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cerera/bft/internal/metrics"
	"github.com/cerera/bft/internal/seqno"
	"github.com/cerera/bft/internal/wire"
)

// Phase is the client-request timeout stage (spec §5): phase 0
// expiration forwards the request to the leader, phase 1 expiration
// stops it and feeds the view change.
type Phase int

const (
	Phase0 Phase = iota
	Phase1
)

// EventKind discriminates what expired.
type EventKind int

const (
	EventClientRequests EventKind = iota
	EventCst
)

// Event is one expiration delivered to the engine loop.
type Event struct {
	Kind     EventKind
	Phase    Phase                // EventClientRequests
	Requests []wire.ClientRequest // EventClientRequests
	CstSeq   seqno.SeqNo          // EventCst
}

type pendingRq struct {
	req      wire.ClientRequest
	phase    Phase
	deadline time.Time
	duration time.Duration
}

type pendingCst struct {
	seq        seqno.SeqNo
	quorum     int
	replies    map[seqno.NodeID]struct{}
	deadline   time.Time
	cancelled  bool
}

// Service is the timeouts owner. All mutation happens under mu; the
// tick loop is the only reader of deadlines.
type Service struct {
	mu      sync.Mutex
	rqs     map[string]*pendingRq // keyed by request ID
	cst     *pendingCst
	events  chan Event
	cancel  context.CancelFunc
	log     *zap.SugaredLogger
}

// New starts the service's tick loop. granularity bounds how late an
// expiration can fire.
func New(ctx context.Context, granularity time.Duration, log *zap.SugaredLogger) *Service {
	ctx, cancel := context.WithCancel(ctx)
	s := &Service{
		rqs:    make(map[string]*pendingRq),
		events: make(chan Event, 64),
		cancel: cancel,
		log:    log,
	}
	go s.loop(ctx, granularity)
	return s
}

// Events is the expiration stream the engine consumes.
func (s *Service) Events() <-chan Event { return s.events }

// TimeoutClientRequests arms a phase-0 timer for each request not
// already tracked (spec §6 `timeout_client_requests`).
func (s *Service) TimeoutClientRequests(d time.Duration, reqs []wire.ClientRequest) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range reqs {
		k := r.ID.String()
		if _, ok := s.rqs[k]; ok {
			continue
		}
		s.rqs[k] = &pendingRq{req: r, phase: Phase0, deadline: now.Add(d), duration: d}
	}
}

// CancelClientRqTimeouts disarms the given requests; nil disarms all
// (spec §6 `cancel_client_rq_timeouts(list_or_none)`).
func (s *Service) CancelClientRqTimeouts(reqs []wire.ClientRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reqs == nil {
		s.rqs = make(map[string]*pendingRq)
		return
	}
	for _, r := range reqs {
		delete(s.rqs, r.ID.String())
	}
}

// ResetAllClientRqTimeouts re-arms every tracked request at phase 0
// with a fresh duration — called after a view change installs a new
// leader (spec §6 `reset_all_client_rq_timeouts`).
func (s *Service) ResetAllClientRqTimeouts(d time.Duration) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.rqs {
		p.phase = Phase0
		p.duration = d
		p.deadline = now.Add(d)
	}
}

// ReceivedPrePrepare disarms requests that just got ordered (spec §6
// `received_pre_prepare(from, client_rq_list)`).
func (s *Service) ReceivedPrePrepare(from seqno.NodeID, reqs []wire.ClientRequest) {
	s.CancelClientRqTimeouts(reqs)
}

// TimeoutCstRequest arms the single CST round timer (spec §6
// `timeout_cst_request(duration, quorum_size, cst_seq)`). A newer round
// replaces an older one.
func (s *Service) TimeoutCstRequest(d time.Duration, quorumSize int, cstSeq seqno.SeqNo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cst = &pendingCst{
		seq:      cstSeq,
		quorum:   quorumSize,
		replies:  make(map[seqno.NodeID]struct{}),
		deadline: time.Now().Add(d),
	}
}

// ReceivedCstRequest records a reply for the current round; once the
// round's quorum has answered, the timer is disarmed. Replies carrying
// a stale cst_seq are discarded (spec §5).
func (s *Service) ReceivedCstRequest(from seqno.NodeID, cstSeq seqno.SeqNo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cst == nil || s.cst.seq != cstSeq {
		return
	}
	s.cst.replies[from] = struct{}{}
	if len(s.cst.replies) >= s.cst.quorum {
		s.cst.cancelled = true
	}
}

func (s *Service) loop(ctx context.Context, granularity time.Duration) {
	ticker := time.NewTicker(granularity)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Service) tick(ctx context.Context, now time.Time) {
	var forwarded, stopped []wire.ClientRequest
	var cstEvent *Event

	s.mu.Lock()
	for k, p := range s.rqs {
		if now.Before(p.deadline) {
			continue
		}
		switch p.phase {
		case Phase0:
			forwarded = append(forwarded, p.req)
			p.phase = Phase1
			p.deadline = now.Add(p.duration)
		case Phase1:
			stopped = append(stopped, p.req)
			delete(s.rqs, k)
		}
	}
	if s.cst != nil && !s.cst.cancelled && !now.Before(s.cst.deadline) {
		cstEvent = &Event{Kind: EventCst, CstSeq: s.cst.seq}
		s.cst = nil
	}
	s.mu.Unlock()

	if len(forwarded) > 0 {
		metrics.RequestsTimedOut.WithLabelValues("forwarded").Add(float64(len(forwarded)))
		s.emit(ctx, Event{Kind: EventClientRequests, Phase: Phase0, Requests: forwarded})
	}
	if len(stopped) > 0 {
		metrics.RequestsTimedOut.WithLabelValues("stopped").Add(float64(len(stopped)))
		s.emit(ctx, Event{Kind: EventClientRequests, Phase: Phase1, Requests: stopped})
	}
	if cstEvent != nil {
		s.emit(ctx, *cstEvent)
	}
}

func (s *Service) emit(ctx context.Context, ev Event) {
	if ctx.Err() != nil {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.log.Warnw("timeout event dropped, engine loop is behind", "kind", ev.Kind)
	}
}

// Close stops the tick loop.
func (s *Service) Close() { s.cancel() }

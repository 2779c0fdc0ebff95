// Package engine is the composition root: it owns the event loops that
// drive the consensus window, the synchronizer, and state transfer,
// and threads the shared Node handle through them at call sites — none
// of the three state machines holds a reference to another (spec §9
// "cyclic ownership").
//
// The thread model follows spec §5: one goroutine (the protocol loop)
// performs every mutation of Consensus, Decision, Synchronizer, and
// CST state; the proposer and client-intake goroutines only touch the
// pre-processor and the timeouts service, which carry their own locks;
// CPU-heavy digest work is handed to the worker pool.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cerera/bft/config"
	"github.com/cerera/bft/internal/consensus"
	"github.com/cerera/bft/internal/cst"
	"github.com/cerera/bft/internal/decision"
	"github.com/cerera/bft/internal/digest"
	"github.com/cerera/bft/internal/executor"
	"github.com/cerera/bft/internal/metrics"
	"github.com/cerera/bft/internal/node"
	"github.com/cerera/bft/internal/observer"
	"github.com/cerera/bft/internal/pbftlog"
	"github.com/cerera/bft/internal/preprocessor"
	"github.com/cerera/bft/internal/seqno"
	"github.com/cerera/bft/internal/synchronizer"
	"github.com/cerera/bft/internal/timeouts"
	"github.com/cerera/bft/internal/view"
	"github.com/cerera/bft/internal/wire"
	"github.com/cerera/bft/internal/workerpool"
)

// Engine wires the subsystems together and runs their event loops.
type Engine struct {
	cfg *config.Config

	node     *node.Node
	adapters node.Adapters

	consensus *consensus.Consensus
	sync      *synchronizer.Synchronizer
	cst       *cst.CST

	plog *pbftlog.Log
	pre  *preprocessor.PreProcessor
	exec *executor.Executor
	tmo  *timeouts.Service
	hub  *observer.Hub
	pool *workerpool.Pool

	// protocol-loop-owned state
	nextProposal    seqno.SeqNo
	prePrepareSeen  map[seqno.SeqNo]time.Time
	deferred        []wire.StoredMessage[wire.ConsensusMessage]
	cstStage        int // 0 idle, 1 discovering seq, 2 fetching state

	proposeTick chan struct{}
	commands    chan func()
	cancel      context.CancelFunc
	done        chan struct{}

	log *zap.SugaredLogger
}

// Deps are the collaborators the caller constructs; anything nil is a
// configuration error.
type Deps struct {
	Node *node.Node
	Log  *pbftlog.Log
	App  executor.Application
	Hub  *observer.Hub
}

// New assembles an Engine at the quorum's initial view.
func New(ctx context.Context, cfg *config.Config, deps Deps, log *zap.SugaredLogger) (*Engine, error) {
	if deps.Node == nil || deps.Log == nil || deps.App == nil {
		return nil, fmt.Errorf("engine: missing collaborator")
	}
	ctx, cancel := context.WithCancel(ctx)

	members := cfg.Members()
	initial := view.New(0, members, cfg.Protocol.F, Partition(members))
	hub := deps.Hub
	if hub == nil {
		hub = observer.NewHub(log.Named("observer"))
	}

	e := &Engine{
		cfg:            cfg,
		node:           deps.Node,
		adapters:       node.NewAdapters(deps.Node),
		plog:           deps.Log,
		pre:            preprocessor.New(cfg.Protocol.BatchSize*cfg.Protocol.Watermark*4, log.Named("preprocessor")),
		exec:           executor.New(ctx, deps.App, log.Named("executor")),
		tmo:            timeouts.New(ctx, 50*time.Millisecond, log.Named("timeouts")),
		hub:            hub,
		pool:           workerpool.New(cfg.Protocol.ClientsPerPool, 256),
		prePrepareSeen: make(map[seqno.SeqNo]time.Time),
		proposeTick:    make(chan struct{}, 1),
		commands:       make(chan func(), 8),
		cancel:         cancel,
		done:           make(chan struct{}),
		log:            log.Named("engine"),
	}
	e.sync = synchronizer.New(initial, cfg.Protocol.AllowUnsound, log.Named("synchronizer"))
	e.consensus = consensus.New(e.startSeq(), cfg.Protocol.Watermark, initial.Quorum(), initial.Seq(), log.Named("consensus"))
	e.cst = cst.New(cfg.Network.NodeID, members, initial.Quorum(), cfg.Protocol.CstBaseTimeout, log.Named("cst"))
	e.nextProposal = e.consensus.SeqNo()

	metrics.CurrentView.Set(float64(initial.Seq()))

	go e.protocolLoop(ctx)
	go e.intakeLoop(ctx)
	go e.proposerLoop(ctx)
	return e, nil
}

// startSeq resumes the window after the last execution the persistent
// log remembers.
func (e *Engine) startSeq() seqno.SeqNo {
	if le, ok := e.plog.LastExecution(); ok {
		return le.Next()
	}
	return 0
}

// Hub exposes the observer hub for the HTTP surface.
func (e *Engine) Hub() *observer.Hub { return e.hub }

// View reports the installed view.
func (e *Engine) View() *view.View { return e.sync.View() }

// Close tears the loops and collaborators down in dependency order.
func (e *Engine) Close() {
	e.cancel()
	<-e.done
	e.pool.Close()
	e.tmo.Close()
	e.exec.Close()
	e.hub.Close()
}

// Partition splits the request-hash byte space evenly across members,
// the sharding recorded in every ViewInfo.
func Partition(members []seqno.NodeID) map[seqno.NodeID]view.HashRange {
	out := make(map[seqno.NodeID]view.HashRange, len(members))
	n := len(members)
	for i, m := range members {
		lo := i * 256 / n
		hi := (i+1)*256/n - 1
		out[m] = view.HashRange{Lo: byte(lo), Hi: byte(hi)}
	}
	return out
}

// --- intake & proposer -----------------------------------------------

func (e *Engine) intakeLoop(ctx context.Context) {
	for {
		req, _, ok := e.node.TryRecvFromClients()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.cfg.Protocol.BatchSleep):
			}
			continue
		}
		if e.pre.Add(req) {
			e.tmo.TimeoutClientRequests(e.cfg.Protocol.ViewChangeTimeout, []wire.ClientRequest{req})
		}
	}
}

func (e *Engine) proposerLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Protocol.BatchTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.pre.PendingLen() == 0 {
				continue
			}
			select {
			case e.proposeTick <- struct{}{}:
			default:
			}
		}
	}
}

// maybePropose runs on the protocol loop: the leader opens the next
// in-window instance with a PRE-PREPARE over the drained batch.
func (e *Engine) maybePropose() {
	v := e.sync.View()
	if !v.IsLeader(e.node.ID()) || e.sync.Phase() != synchronizer.Init {
		return
	}
	off, ok := e.nextProposal.Index(e.consensus.SeqNo())
	if !ok {
		e.nextProposal = e.consensus.SeqNo()
		off = 0
	}
	if int(off) >= e.cfg.Protocol.Watermark {
		return // window full; finalization will open a slot
	}
	batch := e.pre.DrainPending(e.cfg.Protocol.BatchSize)
	if len(batch) == 0 {
		return
	}

	var batchDigest digest.Digest
	if err := e.pool.Run(func() error {
		ops := make([][]byte, 0, len(batch))
		for _, r := range batch {
			ops = append(ops, r.Operation)
		}
		batchDigest = digest.Of(ops...)
		return nil
	}); err != nil {
		e.pre.Requeue(batch)
		return
	}

	msg := wire.ConsensusMessage{Seq: e.nextProposal, View: v.Seq(), Kind: wire.KindPrePrepare, Batch: batch, Digest: batchDigest}
	if err := e.adapters.Consensus.BroadcastSigned(msg, v.Members()); err != nil {
		e.log.Warnw("PRE-PREPARE broadcast failed", "seq", msg.Seq, "error", err)
		e.pre.Requeue(batch)
		return
	}
	// the transport does not loop our own publish back; deliver locally
	e.handleConsensus(wire.Header{From: e.node.ID()}, msg)
	e.nextProposal = e.nextProposal.Next()
}

// --- protocol loop ---------------------------------------------------

func (e *Engine) protocolLoop(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-e.node.Inbound():
			e.dispatch(in)
		case ev := <-e.tmo.Events():
			e.handleTimeout(ev)
		case <-e.proposeTick:
			e.maybePropose()
		case cmd := <-e.commands:
			cmd()
		}
	}
}

func (e *Engine) dispatch(in node.Inbound) {
	switch in.Kind {
	case node.KindConsensus:
		msg, ok := in.Payload.(wire.ConsensusMessage)
		if !ok {
			return
		}
		e.handleConsensus(in.Header, msg)
	case node.KindViewChange:
		msg, ok := in.Payload.(wire.ViewChangeMessage)
		if !ok {
			return
		}
		e.handleViewChange(in.Header, msg)
	case node.KindRequestStateCid, node.KindRequestState:
		if err := e.cst.HandleOffCtxMessage(in.Header, in.Payload, e.adapters.CST, e.plog); err != nil {
			e.log.Debugw("state request not served", "from", in.Header.From, "error", err)
		}
	case node.KindReplyStateCid, node.KindReplyState:
		e.handleCstReply(in.Header, in.Payload)
	case node.KindPing:
		if p, ok := in.Payload.(wire.Ping); ok && !p.Reply {
			_ = e.node.Pong(in.Header.From)
		}
	}
}

func (e *Engine) handleConsensus(h wire.Header, msg wire.ConsensusMessage) {
	// votes only from quorum members: follower and client ids carry no
	// weight in any phase
	if h.From != e.node.ID() && !e.sync.View().Contains(h.From) {
		metrics.MessagesStale.Inc()
		return
	}
	if msg.Kind == wire.KindPrePrepare {
		if msg.View == e.sync.View().Seq() && !e.sync.View().IsLeader(h.From) {
			e.log.Warnw("dropping PRE-PREPARE from non-leader", "from", h.From, "seq", msg.Seq)
			metrics.InvalidSignatures.Inc()
			return
		}
		e.tmo.ReceivedPrePrepare(h.From, msg.Batch)
		if _, seen := e.prePrepareSeen[msg.Seq]; !seen {
			e.prePrepareSeen[msg.Seq] = time.Now()
		}
	}
	e.consensus.Queue(h, msg)
	e.drainConsensus()
}

// drainConsensus processes every buffered message the window is ready
// for, then finalizes any decided front instances in order.
func (e *Engine) drainConsensus() {
	for {
		pr := e.consensus.Poll()
		if pr.Kind != decision.PollNextMessage {
			break
		}
		out, err := e.consensus.ProcessMessage(pr.Header, pr.Msg, e.adapters.Consensus, e.viewDeferrer())
		if err != nil {
			e.log.Warnw("consensus message rejected", "seq", pr.Msg.Seq, "error", err)
			continue
		}
		if out.Status == decision.StatusVotedTwice {
			metrics.DuplicateVotes.Inc()
			e.log.Warnw("duplicate vote", "voter", out.Voter, "seq", pr.Msg.Seq)
		}
	}
	e.finalizeReady()
}

func (e *Engine) finalizeReady() {
	for {
		batch, ok, err := e.consensus.Finalize(e.sync.View().Seq())
		if err != nil {
			e.log.Errorw("finalize failed", "error", err)
			return
		}
		if !ok {
			return
		}
		e.deliver(batch)
	}
}

// deliver records, executes, and (at checkpoint boundaries) snapshots a
// finalized batch.
func (e *Engine) deliver(batch decision.CompletedBatch) {
	var digests []digest.Digest
	if err := e.pool.Run(func() error {
		digests = make([]digest.Digest, 0, len(batch.Batch))
		for _, r := range batch.Batch {
			digests = append(digests, digest.Of(r.Operation))
		}
		return nil
	}); err != nil {
		e.log.Errorw("request digest computation failed", "seq", batch.Seq, "error", err)
		return
	}
	if err := e.plog.FinalizeBatch(batch.Seq, batch.BatchDigest, digests, batch.Proof); err != nil {
		e.log.Errorw("persisting finalized batch failed", "seq", batch.Seq, "error", err)
		return
	}

	meta := executor.BatchMeta{Seq: batch.Seq, View: batch.View}
	period := e.cfg.Protocol.CheckpointPeriod
	if period > 0 && (uint32(batch.Seq)+1)%uint32(period) == 0 {
		e.cst.HandleAppStateRequested(batch.Seq)
		state, err := e.exec.QueueUpdateAndGetAppstate(meta, batch.Batch)
		if err != nil {
			e.log.Errorw("checkpoint snapshot failed", "seq", batch.Seq, "error", err)
		} else {
			cp := wire.Checkpoint{Seq: batch.Seq, Digest: executor.StateDigest(state), State: state}
			if err := e.cst.HandleStateReceivedFromApp(cp, e.adapters.CST, e.plog); err != nil {
				e.log.Errorw("checkpoint persistence failed", "seq", batch.Seq, "error", err)
			} else {
				metrics.CheckpointsWritten.Inc()
				e.hub.Publish(observer.Event{Kind: observer.EventCheckpointing, Seq: batch.Seq, View: batch.View})
			}
		}
	} else {
		e.exec.QueueUpdate(meta, batch.Batch)
	}

	e.pre.MarkExecuted(batch.Batch)
	e.tmo.CancelClientRqTimeouts(batch.Batch)

	metrics.DecisionsDecided.Inc()
	metrics.BatchSize.Observe(float64(len(batch.Batch)))
	metrics.LastExecution.Set(float64(batch.Seq))
	if t0, ok := e.prePrepareSeen[batch.Seq]; ok {
		metrics.DecisionLatency.Observe(time.Since(t0).Seconds())
		delete(e.prePrepareSeen, batch.Seq)
	}
	e.hub.Publish(observer.Event{Kind: observer.EventDecided, Seq: batch.Seq, View: batch.View})
}

// viewDeferrer buffers consensus messages ahead of the installed view
// until the synchronizer catches up.
type deferrer struct{ e *Engine }

func (d deferrer) DeferMessage(h wire.Header, msg wire.ConsensusMessage) {
	metrics.MessagesBuffered.Inc()
	d.e.deferred = append(d.e.deferred, wire.NewStoredMessage(h, msg))
}

func (e *Engine) viewDeferrer() decision.ViewDeferrer { return deferrer{e} }

func (e *Engine) handleViewChange(h wire.Header, msg wire.ViewChangeMessage) {
	// NodeQuorumJoin is the one view-change message a non-member may
	// send: the candidate asking to be admitted
	if msg.Kind != wire.KindNodeQuorumJoin && h.From != e.node.ID() && !e.sync.View().Contains(h.From) {
		metrics.MessagesStale.Inc()
		return
	}
	if msg.Kind == wire.KindStop {
		metrics.StopsReceived.Inc()
	}
	res, err := e.sync.ProcessMessage(h, msg, e.adapters.Synchronizer, e.tmo, e.plog, e.pre, e.consensus)
	if err != nil {
		e.log.Warnw("view-change message rejected", "kind", msg.Kind, "from", h.From, "error", err)
		return
	}
	e.applySyncStatus(res)
}

func (e *Engine) applySyncStatus(res synchronizer.StatusResult) {
	switch res.Status {
	case synchronizer.StatusNewView, synchronizer.StatusNewViewJoinedQuorum:
		metrics.ViewChanges.Inc()
		metrics.CurrentView.Set(float64(res.NewView.Seq()))
		e.tmo.ResetAllClientRqTimeouts(e.cfg.Protocol.ViewChangeTimeout)
		e.nextProposal = e.consensus.SeqNo().Next()
		kind := observer.EventNewView
		if res.Status == synchronizer.StatusNewViewJoinedQuorum {
			metrics.QuorumJoins.Inc()
			kind = observer.EventQuorumJoined
		}
		e.hub.Publish(observer.Event{Kind: kind, Seq: res.ToExec, View: res.NewView.Seq(), Node: res.Joined})
		e.replayDeferred(res.NewView.Seq())
		e.drainConsensus()
	case synchronizer.StatusRunCst:
		e.startCst()
	}
}

// replayDeferred feeds messages that were ahead of the old view back
// through the window now that the new view is installed.
func (e *Engine) replayDeferred(viewSeq seqno.SeqNo) {
	pending := e.deferred
	e.deferred = nil
	for _, sm := range pending {
		if sm.Payload.View > viewSeq {
			e.deferred = append(e.deferred, sm)
			continue
		}
		if sm.Payload.View < viewSeq {
			metrics.MessagesStale.Inc()
			continue
		}
		e.consensus.Queue(sm.Header, sm.Payload)
	}
}

// --- state transfer --------------------------------------------------

func (e *Engine) startCst() {
	if e.cstStage != 0 {
		return
	}
	e.cstStage = 1
	metrics.CstRounds.Inc()
	if err := e.cst.RequestLatestState(e.adapters.CST, e.tmo); err != nil {
		e.log.Errorw("state transfer start failed", "error", err)
		e.cstStage = 0
	}
}

func (e *Engine) handleCstReply(h wire.Header, payload interface{}) {
	if e.cstStage == 0 {
		metrics.MessagesStale.Inc()
		return
	}
	if sm, ok := payload.(interface{ Seqn() seqno.SeqNo }); ok {
		e.tmo.ReceivedCstRequest(h.From, sm.Seqn())
	}
	res, err := e.cst.ProcessMessage(payload, e.adapters.CST, e.plog, e.exec, e.tmo)
	if err != nil {
		e.log.Errorw("state transfer failed", "error", err)
		return
	}
	if res.Status != cst.StatusFinished {
		return
	}

	switch e.cstStage {
	case 1:
		if le, ok := e.plog.LastExecution(); ok && res.Seq <= le {
			e.log.Infow("state transfer not needed", "peer_seq", res.Seq, "local_seq", le)
			e.cstStage = 0
			return
		}
		e.cstStage = 2
		if err := e.cst.RequestState(e.adapters.CST, e.tmo); err != nil {
			e.log.Errorw("state fetch start failed", "error", err)
			e.cstStage = 0
		}
	case 2:
		e.cstStage = 0
		metrics.CheckpointsInstalled.Inc()
		e.consensus.InstallSequenceNumber(res.Seq.Next())
		e.nextProposal = e.consensus.SeqNo()
		e.hub.Publish(observer.Event{Kind: observer.EventCstFinished, Seq: res.Seq, View: e.sync.View().Seq()})
		if e.sync.Phase() == synchronizer.SyncingState {
			r, err := e.sync.ResumeViewChange(e.plog, e.consensus)
			if err != nil {
				e.log.Errorw("resuming view change after state transfer failed", "error", err)
				return
			}
			e.applySyncStatus(r)
		}
	}
}

// --- timeouts --------------------------------------------------------

func (e *Engine) handleTimeout(ev timeouts.Event) {
	switch ev.Kind {
	case timeouts.EventClientRequests:
		switch ev.Phase {
		case timeouts.Phase0:
			leader := e.sync.View().Leader()
			for _, r := range ev.Requests {
				if err := e.node.ForwardRequest(r, leader); err != nil {
					e.log.Debugw("request forwarding failed", "leader", leader, "error", err)
				}
			}
		case timeouts.Phase1:
			e.log.Infow("client requests stopped, starting view change", "count", len(ev.Requests))
			if err := e.sync.BeginViewChange(ev.Requests, e.adapters.Synchronizer, e.tmo); err != nil {
				e.log.Errorw("view change start failed", "error", err)
			}
		}
	case timeouts.EventCst:
		if e.cstStage == 0 {
			return
		}
		metrics.CstRetries.Inc()
		if err := e.cst.HandleTimeout(e.adapters.CST, e.tmo); err != nil {
			e.log.Errorw("state transfer retry failed", "error", err)
		}
	}
}

// RequestQuorumJoin asks the installed quorum to admit joining with
// cert — the node-side entry point of the quorum-join track. Runs on
// the protocol loop like every other synchronizer mutation.
func (e *Engine) RequestQuorumJoin(joining seqno.NodeID, cert *wire.JoinCert) {
	e.commands <- func() {
		if err := e.sync.BeginQuorumViewChange(joining, cert, e.adapters.Synchronizer); err != nil {
			e.log.Warnw("quorum join rejected", "joining", joining, "error", err)
		}
	}
}

// RequestStateTransfer manually starts CST, used by a replica that
// knows it is lagging (e.g. fresh start against a long-lived quorum).
func (e *Engine) RequestStateTransfer() {
	e.commands <- e.startCst
}

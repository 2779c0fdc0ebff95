// Package executor drives ordered batches into a deterministic
// application and produces the state snapshots checkpoints are built
// from (spec §6 executor boundary). The bundled application is a
// byte-keyed KV store — enough to make recovery observable end to end;
// a deployment swaps in its own Application.
//
// Grounded on the teacher's internal/cerera/storage/vault.go update
// loop shape: one goroutine owns the state, work arrives on channels,
// snapshots serialize the whole store.
package executor

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/cerera/bft/internal/digest"
	"github.com/cerera/bft/internal/seqno"
	"github.com/cerera/bft/internal/wire"
)

// BatchMeta identifies the decision a batch came from.
type BatchMeta struct {
	Seq  seqno.SeqNo
	View seqno.SeqNo
}

// Application is the deterministic state machine ordered operations
// are applied to.
type Application interface {
	// Apply executes one operation and returns its reply.
	Apply(op []byte) []byte
	// Snapshot serializes the full application state.
	Snapshot() ([]byte, error)
	// Restore replaces the state with a snapshot previously produced
	// by Snapshot (possibly on another replica).
	Restore(state []byte) error
}

type update struct {
	meta      BatchMeta
	batch     []wire.ClientRequest
	unordered bool
	appState  chan []byte // non-nil when the caller wants a snapshot back
}

// Executor owns the Application on a single goroutine; the consensus
// thread hands batches over through buffered channels and never
// touches the state directly (spec §5).
type Executor struct {
	app     Application
	updates chan update
	install chan wire.Checkpoint

	mu       sync.Mutex
	lastSeq  seqno.SeqNo
	haveSeq  bool

	cancel context.CancelFunc
	log    *zap.SugaredLogger
}

// New starts the executor loop over app.
func New(ctx context.Context, app Application, log *zap.SugaredLogger) *Executor {
	ctx, cancel := context.WithCancel(ctx)
	e := &Executor{
		app:     app,
		updates: make(chan update, 64),
		install: make(chan wire.Checkpoint, 1),
		cancel:  cancel,
		log:     log,
	}
	go e.loop(ctx)
	return e
}

// QueueUpdate applies an ordered batch (spec §6 `queue_update`).
func (e *Executor) QueueUpdate(meta BatchMeta, batch []wire.ClientRequest) {
	e.updates <- update{meta: meta, batch: batch}
}

// QueueUpdateAndGetAppstate applies an ordered batch and returns the
// serialized application state taken immediately after it — the
// checkpoint payload (spec §6 `queue_update_and_get_appstate`).
func (e *Executor) QueueUpdateAndGetAppstate(meta BatchMeta, batch []wire.ClientRequest) ([]byte, error) {
	ch := make(chan []byte, 1)
	e.updates <- update{meta: meta, batch: batch, appState: ch}
	state, ok := <-ch
	if !ok || state == nil {
		return nil, fmt.Errorf("executor: snapshot after seq %s failed", meta.Seq)
	}
	return state, nil
}

// QueueUpdateUnordered applies read-only operations outside the total
// order (spec §6 `queue_update_unordered`).
func (e *Executor) QueueUpdateUnordered(batch []wire.ClientRequest) {
	e.updates <- update{batch: batch, unordered: true}
}

// Install is the state-transfer install point (spec §6 install-state
// channel): a full checkpoint replaces the application state.
func (e *Executor) Install(cp wire.Checkpoint) {
	e.install <- cp
}

// LastExecuted reports the highest ordered sequence applied so far.
func (e *Executor) LastExecuted() (seqno.SeqNo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSeq, e.haveSeq
}

func (e *Executor) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cp := <-e.install:
			if err := e.app.Restore(cp.State); err != nil {
				e.log.Errorw("checkpoint install failed", "seq", cp.Seq, "error", err)
				continue
			}
			e.mu.Lock()
			e.lastSeq = cp.Seq
			e.haveSeq = true
			e.mu.Unlock()
			e.log.Infow("installed checkpoint state", "seq", cp.Seq)
		case u := <-e.updates:
			for _, req := range u.batch {
				e.app.Apply(req.Operation)
			}
			if !u.unordered {
				e.mu.Lock()
				e.lastSeq = u.meta.Seq
				e.haveSeq = true
				e.mu.Unlock()
			}
			if u.appState != nil {
				state, err := e.app.Snapshot()
				if err != nil {
					e.log.Errorw("snapshot failed", "seq", u.meta.Seq, "error", err)
					close(u.appState)
					continue
				}
				u.appState <- state
			}
		}
	}
}

// Close stops the loop.
func (e *Executor) Close() { e.cancel() }

// KVStore is the bundled deterministic application: operations are
// gob-encoded KVOp values; unknown payloads are ignored rather than
// failing the batch.
type KVStore struct {
	data map[string][]byte
}

// KVOp is one operation against the KVStore.
type KVOp struct {
	Set   bool
	Key   string
	Value []byte
}

func NewKVStore() *KVStore {
	return &KVStore{data: make(map[string][]byte)}
}

func (s *KVStore) Apply(op []byte) []byte {
	var o KVOp
	if err := gob.NewDecoder(bytes.NewReader(op)).Decode(&o); err != nil {
		return nil
	}
	if o.Set {
		s.data[o.Key] = o.Value
		return []byte("OK")
	}
	return s.data[o.Key]
}

// Snapshot serializes keys in sorted order so two replicas with equal
// state produce byte-identical snapshots (and equal digests).
func (s *KVStore) Snapshot() ([]byte, error) {
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	type pair struct {
		K string
		V []byte
	}
	pairs := make([]pair, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, pair{K: k, V: s.data[k]})
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(pairs); err != nil {
		return nil, fmt.Errorf("kvstore: snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *KVStore) Restore(state []byte) error {
	type pair struct {
		K string
		V []byte
	}
	var pairs []pair
	if err := gob.NewDecoder(bytes.NewReader(state)).Decode(&pairs); err != nil {
		return fmt.Errorf("kvstore: restore: %w", err)
	}
	s.data = make(map[string][]byte, len(pairs))
	for _, p := range pairs {
		s.data[p.K] = p.V
	}
	return nil
}

// StateDigest content-addresses a snapshot the way checkpoints are keyed.
func StateDigest(state []byte) digest.Digest { return digest.Of(state) }

// Package observer fans protocol events out to non-voting watchers: an
// in-process subscription hub plus a websocket publisher so external
// monitoring clients can follow decided batches and view changes
// without being quorum members.
//
// Grounded on the teacher's internal/cerera/observer (update fan-out to
// registered observers) and internal/cerera/network/ws_publisher.go /
// manager.go (websocket connection pool, JSON event frames).
package observer

import (
	"net/http"
	"sync"

	"github.com/btcsuite/websocket"
	"go.uber.org/zap"

	"github.com/cerera/bft/internal/seqno"
)

// EventKind is what happened.
type EventKind string

const (
	EventDecided       EventKind = "decided"
	EventNewView       EventKind = "new_view"
	EventQuorumJoined  EventKind = "quorum_joined"
	EventCheckpointing EventKind = "checkpoint"
	EventCstFinished   EventKind = "cst_finished"
)

// Event is one protocol observation.
type Event struct {
	Kind EventKind    `json:"kind"`
	Seq  seqno.SeqNo  `json:"seq"`
	View seqno.SeqNo  `json:"view"`
	Node seqno.NodeID `json:"node,omitempty"`
}

// Hub delivers events to subscribed channels and connected websockets.
type Hub struct {
	mu    sync.Mutex
	subs  []chan Event
	conns map[*websocket.Conn]struct{}

	log *zap.SugaredLogger
}

func NewHub(log *zap.SugaredLogger) *Hub {
	return &Hub{conns: make(map[*websocket.Conn]struct{}), log: log}
}

// Subscribe returns a channel receiving every future event. Slow
// subscribers lose events rather than stalling the protocol loop.
func (h *Hub) Subscribe() <-chan Event {
	ch := make(chan Event, 32)
	h.mu.Lock()
	h.subs = append(h.subs, ch)
	h.mu.Unlock()
	return ch
}

// Publish fans ev out to all subscribers and websocket clients.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	for c := range h.conns {
		if err := c.WriteJSON(ev); err != nil {
			h.log.Debugw("dropping dead websocket observer", "error", err)
			c.Close()
			delete(h.conns, c)
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades an observer client connection and registers it
// for event frames.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("websocket upgrade failed", "error", err)
		return
	}
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
}

// Close disconnects every websocket client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		c.Close()
	}
	h.conns = make(map[*websocket.Conn]struct{})
}

// Package node implements the Node shell of spec §2/§6: the thin glue
// binding the consensus, synchronizer, and CST state machines to a
// real libp2p transport — send/broadcast/receive plus a keypair and
// per-peer public-key lookup. None of the three core state machines
// import this package directly; they depend on small interfaces this
// package's adapters satisfy, so the event loops that own them never
// need a lock around libp2p's own internals.
//
// Grounded on the teacher's internal/icenet/host.go (libp2p host
// construction, NAT options) and internal/icenet/pubsub.go (GossipSub
// topic join/publish/subscribe loop), collapsed from three
// chain-specific topics (blocks/txs/consensus) into the one protocol
// topic this engine's messages all travel on.
package node

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	libp2pnetwork "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/util"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/cerera/bft/internal/bftcrypto"
	"github.com/cerera/bft/internal/digest"
	"github.com/cerera/bft/internal/metrics"
	"github.com/cerera/bft/internal/seqno"
	"github.com/cerera/bft/internal/wire"
)

// Topic is the single GossipSub topic every protocol message — consensus,
// view-change, CST — travels on, tagged by Envelope.Kind so the
// subscriber loop can route it.
const Topic = "bftsmr/protocol/v1"

// Envelope is the pubsub wire format: a header plus a kind tag and the
// gob-encoded payload, so one topic can carry every message type in
// spec §6 without per-kind topics.
type Envelope struct {
	Header  wire.Header
	Kind    string
	Payload []byte
}

const (
	kindConsensus       = "consensus"
	kindViewChange      = "viewchange"
	kindRequestStateCid = "request_state_cid"
	kindReplyStateCid   = "reply_state_cid"
	kindRequestState    = "request_state"
	kindReplyState      = "reply_state"
	kindPing            = "ping"
	kindRequest         = "request"
)

// Inbound is one decoded message handed to an owner-thread event loop.
type Inbound struct {
	Header  wire.Header
	Kind    string
	Payload interface{}
}

// Config is what Node needs to stand up its libp2p host.
type Config struct {
	ListenPort int
	Members    []seqno.NodeID
	PeerAddrs  map[seqno.NodeID]string // multiaddr per peer, used to dial at startup
	PeerKeys   map[seqno.NodeID]*ecdsa.PublicKey

	// EnableNAT turns on port mapping, AutoNAT, and hole punching.
	EnableNAT bool
	// EnableDHT starts Kademlia-based peer discovery under DiscoveryNamespace,
	// used when PeerAddrs does not cover the whole quorum.
	EnableDHT bool
}

// DiscoveryNamespace is the rendezvous string replicas advertise under
// when DHT discovery is enabled.
const DiscoveryNamespace = "bftsmr-quorum"

// Node is the concrete Node shell: a libp2p host, a single GossipSub
// topic, this replica's signing identity, and the quorum's public
// keys. The mutable shared state is the peer-id↔NodeID map and the
// peer public-key map, each protected by its own mutex per spec §5 ("the only mutation is adding/
// removing connection handles via a thread-safe concurrent map").
type Node struct {
	id      seqno.NodeID
	members []seqno.NodeID
	keys    *bftcrypto.KeyPair

	peerKeysMu sync.RWMutex
	peerKeys   map[seqno.NodeID]*ecdsa.PublicKey

	host  host.Host
	dht   *dht.IpfsDHT
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	peerIDsMu sync.RWMutex
	peerIDs   map[seqno.NodeID]peer.ID

	inbound chan Inbound
	clients chan Inbound
	cancel  context.CancelFunc

	log *zap.SugaredLogger
}

// New constructs the libp2p host, joins the protocol topic, and starts
// the subscription loop feeding Inbound().
func New(ctx context.Context, id seqno.NodeID, keys *bftcrypto.KeyPair, cfg Config, log *zap.SugaredLogger) (*Node, error) {
	ctx, cancel := context.WithCancel(ctx)

	priv, _, err := libp2pcrypto.ECDSAKeyPairFromKey(keys.Priv)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("node: convert ECDSA key to libp2p identity: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort)),
		libp2p.Identity(priv),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.DefaultMuxers,
	}
	if cfg.EnableNAT {
		opts = append(opts,
			libp2p.NATPortMap(),
			libp2p.EnableNATService(),
			libp2p.EnableHolePunching(),
		)
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("node: create libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h, pubsub.WithFloodPublish(true))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("node: create gossipsub: %w", err)
	}
	topic, err := ps.Join(Topic)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("node: join topic %s: %w", Topic, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("node: subscribe to topic %s: %w", Topic, err)
	}

	n := &Node{
		id:       id,
		members:  cfg.Members,
		keys:     keys,
		peerKeys: cloneKeyMap(cfg.PeerKeys),
		host:     h,
		ps:       ps,
		topic:    topic,
		sub:      sub,
		peerIDs:  make(map[seqno.NodeID]peer.ID),
		inbound:  make(chan Inbound, 256),
		clients:  make(chan Inbound, 256),
		cancel:   cancel,
		log:      log,
	}

	if cfg.EnableDHT {
		kad, err := dht.New(ctx, h, dht.Mode(dht.ModeAutoServer))
		if err != nil {
			cancel()
			h.Close()
			return nil, fmt.Errorf("node: create DHT: %w", err)
		}
		if err := kad.Bootstrap(ctx); err != nil {
			n.log.Warnw("DHT bootstrap failed", "error", err)
		}
		n.dht = kad
		disc := routing.NewRoutingDiscovery(kad)
		util.Advertise(ctx, disc, DiscoveryNamespace)
		go n.discoverLoop(ctx, disc)
	}

	go n.dialPeers(ctx, cfg.PeerAddrs)
	go n.readLoop(ctx, h.ID())
	return n, nil
}

// dialPeers connects to the statically configured quorum members so
// GossipSub has a mesh before the first PRE-PREPARE goes out.
func (n *Node) dialPeers(ctx context.Context, addrs map[seqno.NodeID]string) {
	for id, addr := range addrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			n.log.Warnw("skipping malformed peer multiaddr", "peer", id, "addr", addr, "error", err)
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			n.log.Warnw("skipping peer multiaddr without p2p component", "peer", id, "addr", addr, "error", err)
			continue
		}
		dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := n.host.Connect(dialCtx, *info); err != nil {
			n.log.Warnw("failed to dial quorum peer", "peer", id, "error", err)
		} else {
			n.peerIDsMu.Lock()
			n.peerIDs[id] = info.ID
			n.peerIDsMu.Unlock()
		}
		cancel()
	}
}

// discoverLoop periodically searches the DHT rendezvous for quorum
// members not covered by static addresses.
func (n *Node) discoverLoop(ctx context.Context, disc *routing.RoutingDiscovery) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		peers, err := disc.FindPeers(ctx, DiscoveryNamespace)
		if err != nil {
			n.log.Debugw("DHT peer search failed", "error", err)
			continue
		}
		for pi := range peers {
			if pi.ID == n.host.ID() || len(pi.Addrs) == 0 {
				continue
			}
			if n.host.Network().Connectedness(pi.ID) == libp2pnetwork.Connected {
				continue
			}
			dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			if err := n.host.Connect(dialCtx, pi); err != nil {
				n.log.Debugw("failed to connect to discovered peer", "peer", pi.ID, "error", err)
			}
			cancel()
		}
	}
}

func cloneKeyMap(in map[seqno.NodeID]*ecdsa.PublicKey) map[seqno.NodeID]*ecdsa.PublicKey {
	out := make(map[seqno.NodeID]*ecdsa.PublicKey, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (n *Node) readLoop(ctx context.Context, self peer.ID) {
	for {
		msg, err := n.sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			n.log.Warnw("pubsub read error", "error", err)
			continue
		}
		if msg.ReceivedFrom == self {
			continue
		}
		var env Envelope
		var i interface{} = env
		if err := wire.Decode(msg.Data, &i); err != nil {
			n.log.Debugw("dropping undecodable pubsub message", "error", err)
			continue
		}
		env = i.(Envelope)
		if env.Header.To != n.id && env.Header.To != broadcastTarget {
			continue // addressed to someone else; the topic is shared
		}
		payload, err := decodePayload(env.Kind, env.Payload)
		if err != nil {
			n.log.Debugw("dropping envelope with undecodable payload", "kind", env.Kind, "error", err)
			continue
		}
		metrics.MessagesReceived.WithLabelValues(env.Kind).Inc()
		out := n.inbound
		if env.Kind == kindRequest {
			out = n.clients
		}
		select {
		case out <- Inbound{Header: env.Header, Kind: env.Kind, Payload: payload}:
		case <-ctx.Done():
			return
		}
	}
}

// broadcastTarget is the sentinel "to" value meaning "every quorum member".
const broadcastTarget = seqno.NodeID(0xFFFFFFFF)

func decodePayload(kind string, raw []byte) (interface{}, error) {
	var out interface{}
	switch kind {
	case kindConsensus:
		out = wire.ConsensusMessage{}
	case kindViewChange:
		out = wire.ViewChangeMessage{}
	case kindRequestStateCid:
		out = wire.RequestStateCid{}
	case kindReplyStateCid:
		out = wire.ReplyStateCid{}
	case kindRequestState:
		out = wire.RequestState{}
	case kindReplyState:
		out = wire.ReplyState{}
	case kindPing:
		out = wire.Ping{}
	case kindRequest:
		out = wire.ClientRequest{}
	default:
		return nil, fmt.Errorf("node: unknown envelope kind %q", kind)
	}
	if err := wire.Decode(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ID returns this replica's NodeID.
func (n *Node) ID() seqno.NodeID { return n.id }

// ViewQuorum reports the quorum membership this node was configured with.
func (n *Node) ViewQuorum() []seqno.NodeID { return n.members }

// Sign signs a digest with this replica's private key (spec §6
// NetworkInfoProvider.get_key_pair usage).
func (n *Node) Sign(d digest.Digest) ([]byte, error) { return bftcrypto.Sign(n.keys.Priv, d) }

// Verify checks a signature against the claimed sender's registered public key.
func (n *Node) Verify(from seqno.NodeID, d digest.Digest, sig []byte) error {
	pub, ok := n.PublicKey(from)
	if !ok {
		return fmt.Errorf("node: no public key registered for %s", from)
	}
	return bftcrypto.Verify(pub, d, sig)
}

// PublicKey implements the NetworkInfoProvider.get_public_key boundary.
func (n *Node) PublicKey(id seqno.NodeID) (*ecdsa.PublicKey, bool) {
	n.peerKeysMu.RLock()
	defer n.peerKeysMu.RUnlock()
	pub, ok := n.peerKeys[id]
	return pub, ok
}

// KeyPair implements the NetworkInfoProvider.get_key_pair boundary.
func (n *Node) KeyPair() *bftcrypto.KeyPair { return n.keys }

// RegisterPeerKey adds or replaces a peer's public key, e.g. once a
// quorum-join cert has been validated for a newly admitted node.
func (n *Node) RegisterPeerKey(id seqno.NodeID, pub *ecdsa.PublicKey) {
	n.peerKeysMu.Lock()
	defer n.peerKeysMu.Unlock()
	n.peerKeys[id] = pub
}

func (n *Node) publish(kind string, to seqno.NodeID, payload interface{}, sign bool) error {
	return n.publishDigest(kind, to, payload, sign, nil)
}

// publishDigest is publish with an optional digest override: consensus
// votes sign the batch digest their Proof will bind instead of the
// envelope digest.
func (n *Node) publishDigest(kind string, to seqno.NodeID, payload interface{}, sign bool, d *digest.Digest) error {
	raw, err := wire.Encode(payload)
	if err != nil {
		return fmt.Errorf("node: encode %s payload: %w", kind, err)
	}
	h := wire.Header{From: n.id, To: to, PayloadLength: uint64(len(raw))}
	if d != nil {
		h.Digest = *d
	} else {
		h.Digest = digest.Of(raw)
	}
	if sign {
		sig, err := n.Sign(h.Digest)
		if err != nil {
			return fmt.Errorf("node: sign %s: %w", kind, err)
		}
		copy(h.Signature[:], sig)
	}
	env := Envelope{Header: h, Kind: kind, Payload: raw}
	data, err := wire.Encode(env)
	if err != nil {
		return fmt.Errorf("node: encode envelope: %w", err)
	}
	metrics.MessagesPublished.WithLabelValues(kind).Inc()
	return n.topic.Publish(context.Background(), data)
}

// Send delivers msg to a single peer. flush is accepted for interface
// parity with the source's explicit-flush send (spec §6) but is a
// no-op here: GossipSub publish is immediate.
func (n *Node) Send(payload interface{}, kind string, to seqno.NodeID, flush bool) error {
	return n.publish(kind, to, payload, false)
}

// SendSigned is Send with the header's signature populated.
func (n *Node) SendSigned(payload interface{}, kind string, to seqno.NodeID) error {
	return n.publish(kind, to, payload, true)
}

// Broadcast publishes payload to the whole topic, addressed to every
// member; targets is not used to narrow the recipients.
func (n *Node) Broadcast(payload interface{}, kind string, targets []seqno.NodeID) error {
	return n.publish(kind, broadcastTarget, payload, false)
}

// BroadcastSignedRaw is BroadcastSigned with the header populated and signed.
func (n *Node) BroadcastSignedRaw(payload interface{}, kind string, targets []seqno.NodeID) error {
	return n.publish(kind, broadcastTarget, payload, true)
}

// Inbound is the channel every owner thread (consensus, synchronizer,
// cst) reads from; each reads Kind to decide whether the message is
// theirs (spec §6 `receive_from_replicas`).
func (n *Node) Inbound() <-chan Inbound { return n.inbound }

// Close tears down the subscription, the DHT if one was started, and the host.
func (n *Node) Close() error {
	n.cancel()
	n.sub.Cancel()
	if n.dht != nil {
		_ = n.dht.Close()
	}
	return n.host.Close()
}

// SerializeDigest implements spec §6 `serialize_digest`: encode then
// content-hash a payload, the shape every signed send uses internally.
func (n *Node) SerializeDigest(payload interface{}) ([]byte, digest.Digest, error) {
	raw, err := wire.Encode(payload)
	if err != nil {
		return nil, digest.Digest{}, fmt.Errorf("node: serialize_digest: %w", err)
	}
	return raw, digest.Of(raw), nil
}

// TryRecvFromClients is the non-blocking client-intake poll of spec §6:
// the engine's intake loop drains it, sleeping whenever it is empty.
func (n *Node) TryRecvFromClients() (wire.ClientRequest, seqno.NodeID, bool) {
	select {
	case in := <-n.clients:
		req, ok := in.Payload.(wire.ClientRequest)
		if !ok {
			return wire.ClientRequest{}, 0, false
		}
		return req, in.Header.From, true
	default:
		return wire.ClientRequest{}, 0, false
	}
}

// SubmitRequest publishes a client request onto the protocol topic;
// used by client-role processes (bftctl and test harnesses).
func (n *Node) SubmitRequest(req wire.ClientRequest) error {
	return n.publish(kindRequest, broadcastTarget, req, false)
}

// ForwardRequest re-targets a phase-0 timed-out request at the current
// leader (spec §5 timeout policy).
func (n *Node) ForwardRequest(req wire.ClientRequest, leader seqno.NodeID) error {
	return n.publish(kindRequest, leader, req, false)
}

// Ping sends a liveness probe to a peer; Pong answers one.
func (n *Node) Ping(to seqno.NodeID) error {
	return n.Send(wire.Ping{Reply: false}, kindPing, to, true)
}

func (n *Node) Pong(to seqno.NodeID) error {
	return n.Send(wire.Ping{Reply: true}, kindPing, to, true)
}

// Envelope kind tags the engine switches on.
const (
	KindConsensus       = kindConsensus
	KindViewChange      = kindViewChange
	KindRequestStateCid = kindRequestStateCid
	KindReplyStateCid   = kindReplyStateCid
	KindRequestState    = kindRequestState
	KindReplyState      = kindReplyState
	KindPing            = kindPing
	KindRequest         = kindRequest
)

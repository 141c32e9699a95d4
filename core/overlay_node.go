package core

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// OverlayLink is the minimal interface an overlay backend (stream or
// datagram) exposes to the routing layer: send one encoded message, and
// report the neighbor's node id, and close the link. Both overlay_backend_stream
// and overlay_backend_datagram implement this.
type OverlayLink interface {
	Send(msg *OverlayMessage) error
	RemoteNode() Identifier
	Close() error
}

// OverlayNode is the routing core of §4.4: it owns the handlers table
// (at-most-one-per-node-id, P5), implements the forwarding algorithm, the
// DHT store/retrieve protocol, path-folding, and dispatches link-local
// ping/pong. Adapted from core_keep/network.go's Network type and
// core_keep/base_node.go's routing loop, generalized from the teacher's
// string NodeID to a 256-bit Identifier and from its blockchain message set
// to §3's twelve overlay message types.
type OverlayNode struct {
	self Identifier
	dht  *DHT
	algo HashAlgorithm

	mu       sync.RWMutex
	handlers map[Identifier]OverlayLink

	rng   *rand.Rand
	rngMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[Identifier][]chan []byte // retrieve(key) waiters

	// OnData, OnCall and OnTunnel let higher layers (handler, tunneler)
	// observe messages addressed to this node without the overlay package
	// depending on them.
	OnData   func(source Identifier, content []byte)
	OnCall   func(source Identifier, content []byte)
	OnTunnel func(source Identifier, content []byte)

	pongMu      sync.Mutex
	pongWaiters map[string]chan struct{}

	suggestMu sync.Mutex
	onSuggest func(source Identifier, addresses []string)
}

// NewOverlayNode creates a routing node identified by self.
func NewOverlayNode(self Identifier, dht *DHT, algo HashAlgorithm) *OverlayNode {
	return &OverlayNode{
		self:        self,
		dht:         dht,
		algo:        algo,
		handlers:    make(map[Identifier]OverlayLink),
		rng:         rand.New(rand.NewSource(randSeed())),
		pending:     make(map[Identifier][]chan []byte),
		pongWaiters: make(map[string]chan struct{}),
	}
}

// RegisterLink installs link as the handler for its remote node id,
// replacing and closing any previous handler for that id (§4.4:
// "replacing an older handler with the newer one; the older is stopped").
func (n *OverlayNode) RegisterLink(link OverlayLink) {
	remote := link.RemoteNode()
	n.mu.Lock()
	old, existed := n.handlers[remote]
	n.handlers[remote] = link
	n.mu.Unlock()
	if existed && old != link {
		_ = old.Close()
	}
	n.dht.AddPeer(remote)
}

// UnregisterLink removes link as the handler for remote, only if it is
// still the current one (avoids a race where a newer link already
// replaced it).
func (n *OverlayNode) UnregisterLink(remote Identifier, link OverlayLink) {
	n.mu.Lock()
	if cur, ok := n.handlers[remote]; ok && cur == link {
		delete(n.handlers, remote)
	}
	n.mu.Unlock()
	n.dht.RemovePeer(remote)
}

// Self returns this node's identifier.
func (n *OverlayNode) Self() Identifier { return n.self }

func (n *OverlayNode) linkFor(id Identifier) (OverlayLink, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	l, ok := n.handlers[id]
	return l, ok
}

// neighbors returns every node id with a currently registered link.
func (n *OverlayNode) neighbors() []Identifier {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Identifier, 0, len(n.handlers))
	for id := range n.handlers {
		out = append(out, id)
	}
	return out
}

// NeighborCount reports how many links are currently registered, used by
// the runtime to decide whether to keep soliciting peers from the tracker.
func (n *OverlayNode) NeighborCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.handlers)
}

// Send routes msg toward msg.Destination (§4.4's routing algorithm):
// deliver locally if addressed to self, forward directly to a neighbor, or
// otherwise forward toward one of the two closest non-previous-hop
// neighbors, chosen by a coin flip to diffuse load.
func (n *OverlayNode) Send(msg *OverlayMessage, previousHop Identifier) error {
	if !msg.Type.Routable() || !msg.HasDest {
		return fmt.Errorf("overlay: Send requires a routable message with a destination")
	}
	if msg.Destination == n.self {
		n.deliverLocal(msg)
		return nil
	}
	if link, ok := n.linkFor(msg.Destination); ok {
		return link.Send(msg)
	}

	next, ok := msg.Decrement()
	if !ok {
		return nil // TTL exhausted, drop silently
	}

	candidates := n.neighbors()
	filtered := candidates[:0:0]
	for _, c := range candidates {
		if c != previousHop {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) == 0 {
		return ErrNotFound
	}
	SortByDistance(filtered, msg.Destination)
	choice := filtered[0]
	if len(filtered) > 1 {
		n.rngMu.Lock()
		flip := n.rng.Intn(2)
		n.rngMu.Unlock()
		if flip == 1 {
			choice = filtered[1]
		}
	}
	link, ok := n.linkFor(choice)
	if !ok {
		return ErrNotFound
	}
	return link.Send(next)
}

// deliverLocal dispatches a message addressed to self to the appropriate
// higher-layer callback or DHT handler.
func (n *OverlayNode) deliverLocal(msg *OverlayMessage) {
	switch msg.Type {
	case MsgRetrieve:
		n.handleRetrieve(msg)
	case MsgStore:
		n.handleStore(msg)
	case MsgValue:
		n.handleValue(msg)
	case MsgData:
		if n.OnData != nil && msg.HasSource {
			n.OnData(msg.Source, msg.Content)
		}
	case MsgCall:
		if n.OnCall != nil && msg.HasSource {
			n.OnCall(msg.Source, msg.Content)
		}
	case MsgTunnel:
		if n.OnTunnel != nil && msg.HasSource {
			n.OnTunnel(msg.Source, msg.Content)
		}
	}
}

// Store implements the DHT's store(key, value) (§4.4): persist locally as
// Distributed, then fan out a Store message to the NStore closest known
// node ids.
func (n *OverlayNode) Store(key Identifier, value []byte) {
	n.dht.StoreLocal(key, value, ValueDistributed)
	targets := n.dht.ReplicationTargets(key)
	for _, target := range targets {
		if target == n.self {
			continue
		}
		msg := &OverlayMessage{
			Version: 1, TTL: DefaultOverlayTTL, Type: MsgStore,
			Source: n.self, HasSource: true,
			Destination: target, HasDest: true,
			Content: encodeKeyValue(key, value),
		}
		_ = n.Send(msg, ZeroIdentifier)
	}
}

func (n *OverlayNode) handleStore(msg *OverlayMessage) {
	key, value, err := decodeKeyValue(msg.Content)
	if err != nil {
		return
	}
	n.dht.StoreLocal(key, value, ValueDistributed)
}

// Retrieve implements retrieve(key) (§4.4, §5): route a Retrieve message
// toward key and block until a matching Value reply arrives or timeout
// elapses. Local values are returned immediately without a network round
// trip.
func (n *OverlayNode) Retrieve(ctx context.Context, key Identifier, timeout time.Duration) ([][]byte, error) {
	if local := n.dht.RetrieveLocal(key); len(local) > 0 {
		return local, nil
	}
	ch := make(chan []byte, 1)
	n.pendingMu.Lock()
	n.pending[key] = append(n.pending[key], ch)
	n.pendingMu.Unlock()

	msg := &OverlayMessage{
		Version: 1, TTL: DefaultOverlayTTL, Type: MsgRetrieve,
		Source: n.self, HasSource: true,
		Destination: key, HasDest: true,
		Content: key[:],
	}
	if err := n.Send(msg, ZeroIdentifier); err != nil && err != ErrNotFound {
		return nil, err
	}

	var timerC <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timerC = t.C
	}
	select {
	case v := <-ch:
		return [][]byte{v}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timerC:
		return nil, ErrTimeout
	}
}

func (n *OverlayNode) handleRetrieve(msg *OverlayMessage) {
	key, err := IdentifierFromBytes(msg.Content)
	if err != nil {
		return
	}
	values := n.dht.RetrieveLocal(key)
	if len(values) == 0 || !msg.HasSource {
		return
	}
	for _, v := range values {
		reply := &OverlayMessage{
			Version: 1, TTL: DefaultOverlayTTL, Type: MsgValue,
			Source: n.self, HasSource: true,
			Destination: msg.Source, HasDest: true,
			Content: encodeKeyValue(key, v),
		}
		_ = n.Send(reply, ZeroIdentifier)
	}
}

func (n *OverlayNode) handleValue(msg *OverlayMessage) {
	key, value, err := decodeKeyValue(msg.Content)
	if err != nil {
		return
	}
	n.dht.StoreLocal(key, value, ValueTemporary)
	n.pendingMu.Lock()
	waiters := n.pending[key]
	delete(n.pending, key)
	n.pendingMu.Unlock()
	for _, ch := range waiters {
		select {
		case ch <- value:
		default:
		}
	}
}

// Ping sends a link-local Ping to a neighbor and blocks for its Pong. It
// only reaches direct neighbors: the Ping carries no destination and is not
// routed, so a node more than one hop away returns ErrNotFound.
func (n *OverlayNode) Ping(ctx context.Context, neighbor Identifier, payload []byte, timeout time.Duration) error {
	link, ok := n.linkFor(neighbor)
	if !ok {
		return ErrNotFound
	}
	token := string(payload)
	ch := make(chan struct{})
	n.pongMu.Lock()
	n.pongWaiters[token] = ch
	n.pongMu.Unlock()
	defer func() {
		n.pongMu.Lock()
		delete(n.pongWaiters, token)
		n.pongMu.Unlock()
	}()

	msg := &OverlayMessage{Version: 1, TTL: 1, Type: MsgPing, Content: payload}
	if err := link.Send(msg); err != nil {
		return err
	}
	var timerC <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timerC = t.C
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timerC:
		return ErrTimeout
	}
}

// HandleLinkLocal processes a link-local (non-routable) message received
// directly from a neighbor: ping/pong and dummy keepalives.
func (n *OverlayNode) HandleLinkLocal(from OverlayLink, msg *OverlayMessage) {
	switch msg.Type {
	case MsgPing:
		pong := &OverlayMessage{Version: 1, TTL: 1, Type: MsgPong, Content: msg.Content}
		_ = from.Send(pong)
	case MsgPong:
		token := string(msg.Content)
		n.pongMu.Lock()
		ch, ok := n.pongWaiters[token]
		n.pongMu.Unlock()
		if ok {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	case MsgOffer, MsgSuggest:
		n.handlePathFold(from, msg)
	}
}

func encodeKeyValue(key Identifier, value []byte) []byte {
	w := newRecordWriter()
	w.writeIdentifier(key)
	w.writeBytes(value)
	return w.bytes()
}

func decodeKeyValue(data []byte) (Identifier, []byte, error) {
	r := newRecordReader(data)
	key := r.readIdentifier()
	value := r.readBytes()
	if err := r.finish(); err != nil {
		return ZeroIdentifier, nil, err
	}
	return key, value, nil
}

package core

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/dtls/v2"
)

// tunnelVirtualAddr is a stand-in net.Addr for a tunnel's virtual socket:
// there is no real local/remote network address, only a (node, tunnel id)
// pair routed through the overlay.
type tunnelVirtualAddr struct {
	node Identifier
	id   uint64
}

func (a tunnelVirtualAddr) Network() string { return "teapotnet-tunnel" }
func (a tunnelVirtualAddr) String() string  { return fmt.Sprintf("%s/%d", a.node, a.id) }

// virtualConn adapts one tunnel's datagram-over-overlay carrier to net.Conn
// so the DTLS implementation can run over it unmodified (§4.5: "All
// datagrams for a tunnel are framed as Overlay.Tunnel(...) and routed
// through the overlay like any other message").
type virtualConn struct {
	id     uint64
	node   Identifier
	send   func(node Identifier, payload []byte) error
	inbox  chan []byte
	closed chan struct{}
	once   sync.Once

	readDeadline time.Time
	mu           sync.Mutex
}

func newVirtualConn(node Identifier, id uint64, send func(Identifier, []byte) error) *virtualConn {
	return &virtualConn{
		id:     id,
		node:   node,
		send:   send,
		inbox:  make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *virtualConn) deliver(record []byte) {
	select {
	case c.inbox <- record:
	case <-c.closed:
	default:
		// Inbox full: drop, matching the overlay's best-effort delivery; the
		// DTLS record layer above will trigger its own retransmit.
	}
}

func (c *virtualConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	deadline := c.readDeadline
	c.mu.Unlock()

	var timerC <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, fmt.Errorf("teapotnet tunnel: read deadline exceeded")
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timerC = timer.C
	}
	select {
	case rec := <-c.inbox:
		n := copy(p, rec)
		return n, nil
	case <-c.closed:
		return 0, net.ErrClosed
	case <-timerC:
		return 0, fmt.Errorf("teapotnet tunnel: read timeout")
	}
}

func (c *virtualConn) Write(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	payload := tunnelDatagramPayload(c.id, p)
	if err := c.send(c.node, payload); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *virtualConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *virtualConn) LocalAddr() net.Addr  { return tunnelVirtualAddr{id: c.id} }
func (c *virtualConn) RemoteAddr() net.Addr { return tunnelVirtualAddr{node: c.node, id: c.id} }
func (c *virtualConn) SetDeadline(t time.Time) error {
	_ = c.SetReadDeadline(t)
	return nil
}
func (c *virtualConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}
func (c *virtualConn) SetWriteDeadline(time.Time) error { return nil }

// Tunnel is one authenticated end-to-end stream between user identities,
// carried over the overlay's datagram path (§4.5). RemoteUser is the
// fingerprint of the peer's DTLS certificate, distinct from Node (the
// overlay node the remote user currently lives on). The Tunneler leaves
// LocalUser unset (zero).
type Tunnel struct {
	ID         uint64
	Node       Identifier
	LocalUser  Identifier
	RemoteUser Identifier
	conn       *dtls.Conn
	vconn      *virtualConn
	lastActive time.Time
	mu         sync.Mutex
}

// Conn exposes the handshaked DTLS connection for the network handler to
// run its coded transport over (§4.5's "a Network::Handler is constructed
// over the tunnel").
func (t *Tunnel) Conn() *dtls.Conn { return t.conn }

func (t *Tunnel) touch() {
	t.mu.Lock()
	t.lastActive = time.Now()
	t.mu.Unlock()
}

func (t *Tunnel) idleSince() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Since(t.lastActive)
}

func (t *Tunnel) Close() error {
	_ = t.conn.Close()
	return t.vconn.Close()
}

// Tunneler manages the set of open and pending tunnels for this node
// (§4.5). Grounded on core_keep/replication.go's pending-request bookkeeping
// pattern (a map of in-flight work keyed by peer, resolved by a later
// inbound message), generalized here from block replication requests to
// tunnel handshakes.
type Tunneler struct {
	overlay *OverlayNode
	cert    tls.Certificate

	handshakeTimeout time.Duration
	idleTimeout      time.Duration

	mu      sync.Mutex
	pending map[Identifier]uint64 // node -> tunnel id this side initiated
	tunnels map[uint64]*Tunnel

	OnEstablished func(*Tunnel)
	OnClosed      func(*Tunnel)
}

// NewTunneler wires a Tunneler to overlay, authenticating with cert (the
// local user's DTLS certificate, §4.5: "Each side authenticates with the
// user's certificate").
func NewTunneler(overlay *OverlayNode, cert tls.Certificate, handshakeTimeout, idleTimeout time.Duration) *Tunneler {
	tn := &Tunneler{
		overlay:          overlay,
		cert:             cert,
		handshakeTimeout: handshakeTimeout,
		idleTimeout:      idleTimeout,
		pending:          make(map[Identifier]uint64),
		tunnels:          make(map[uint64]*Tunnel),
	}
	overlay.OnTunnel = tn.handleInbound
	return tn
}

func (tn *Tunneler) sendRaw(node Identifier, payload []byte) error {
	msg := &OverlayMessage{
		Version: 1, TTL: DefaultOverlayTTL, Type: MsgTunnel,
		Source: tn.overlay.Self(), HasSource: true,
		Destination: node, HasDest: true,
		Content: payload,
	}
	return tn.overlay.Send(msg, ZeroIdentifier)
}

// Open initiates a tunnel to node, handshaking as a DTLS client.
func (tn *Tunneler) Open(ctx context.Context, node Identifier) (*Tunnel, error) {
	id, err := randomTunnelID()
	if err != nil {
		return nil, err
	}
	tn.mu.Lock()
	tn.pending[node] = id
	tn.mu.Unlock()

	vconn := newVirtualConn(node, id, tn.sendRaw)
	// Registered before the handshake so the responder's handshake records,
	// which carry this id, reach vconn through handleInbound.
	t := &Tunnel{ID: id, Node: node, vconn: vconn, lastActive: time.Now()}
	tn.mu.Lock()
	tn.tunnels[id] = t
	tn.mu.Unlock()

	hctx, cancel := context.WithTimeout(ctx, tn.handshakeTimeout)
	defer cancel()
	dtlsConn, err := dtls.ClientWithContext(hctx, vconn, dtlsConfig(tn.cert))
	if err == nil {
		t.RemoteUser, err = remoteUserFromDTLS(dtlsConn)
		if err != nil {
			_ = dtlsConn.Close()
		}
	}
	if err != nil {
		tn.mu.Lock()
		delete(tn.pending, node)
		delete(tn.tunnels, id)
		tn.mu.Unlock()
		_ = vconn.Close()
		return nil, fmt.Errorf("tunnel handshake: %w", err)
	}

	tn.mu.Lock()
	delete(tn.pending, node)
	t.conn = dtlsConn
	tn.mu.Unlock()

	if tn.OnEstablished != nil {
		tn.OnEstablished(t)
	}
	return t, nil
}

// handleInbound processes an inbound Overlay.Tunnel message: demultiplex by
// tunnel id to an existing virtual connection, or — for an id not yet
// known, from a node this side is not itself opening a tunnel to — start a
// server-side handshake (§4.5).
func (tn *Tunneler) handleInbound(source Identifier, content []byte) {
	id, record, err := parseTunnelDatagramPayload(content)
	if err != nil {
		return
	}

	tn.mu.Lock()
	t, known := tn.tunnels[id]
	tn.mu.Unlock()
	if known {
		t.touch()
		t.vconn.deliver(record)
		return
	}

	tn.mu.Lock()
	_, isPendingPeer := tn.pending[source]
	tn.mu.Unlock()
	if !isPendingPeer {
		go tn.acceptServerSide(source, id, record)
	}
}

func (tn *Tunneler) acceptServerSide(source Identifier, id uint64, firstRecord []byte) {
	vconn := newVirtualConn(source, id, tn.sendRaw)
	vconn.deliver(firstRecord)

	tn.mu.Lock()
	tn.tunnels[id] = &Tunnel{ID: id, Node: source, vconn: vconn, lastActive: time.Now()}
	tn.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), tn.handshakeTimeout)
	defer cancel()
	dtlsConn, err := dtls.ServerWithContext(ctx, vconn, dtlsConfig(tn.cert))
	if err != nil {
		tn.mu.Lock()
		delete(tn.tunnels, id)
		tn.mu.Unlock()
		return
	}
	remoteUser, err := remoteUserFromDTLS(dtlsConn)
	if err != nil {
		_ = dtlsConn.Close()
		return
	}

	tn.mu.Lock()
	t := tn.tunnels[id]
	t.conn = dtlsConn
	t.RemoteUser = remoteUser
	tn.mu.Unlock()

	if tn.OnEstablished != nil {
		tn.OnEstablished(t)
	}
}

func remoteUserFromDTLS(conn *dtls.Conn) (Identifier, error) {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return ZeroIdentifier, errors.New("tunnel: no peer certificate")
	}
	cert, err := x509.ParseCertificate(state.PeerCertificates[0])
	if err != nil {
		return ZeroIdentifier, err
	}
	return nodeIDFromCert(cert)
}

func randomTunnelID() (uint64, error) {
	id, err := RandomIdentifier()
	if err != nil {
		return 0, err
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(id[i])
	}
	return v, nil
}

// idleSweep closes tunnels inactive for longer than idleTimeout, called
// periodically by the runtime (§4.5: "idle tunnels are torn down after
// idle_timeout").
func (tn *Tunneler) idleSweep() {
	tn.mu.Lock()
	var closed []*Tunnel
	for id, t := range tn.tunnels {
		if t.idleSince() > tn.idleTimeout {
			_ = t.Close()
			delete(tn.tunnels, id)
			closed = append(closed, t)
		}
	}
	tn.mu.Unlock()

	if tn.OnClosed != nil {
		for _, t := range closed {
			tn.OnClosed(t)
		}
	}
}

// TunnelsForUser returns every currently open tunnel whose remote side
// authenticated as remote (§4.8's listener glue matches on user id, not
// node id, since several tunnels to the same node could in principle
// belong to different local users).
func (tn *Tunneler) TunnelsForUser(remote Identifier) []*Tunnel {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	var out []*Tunnel
	for _, t := range tn.tunnels {
		if t.RemoteUser == remote {
			out = append(out, t)
		}
	}
	return out
}

// RunIdleSweeper runs idleSweep on a ticker until ctx is done.
func (tn *Tunneler) RunIdleSweeper(ctx context.Context) {
	ticker := time.NewTicker(tn.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			tn.idleSweep()
		case <-ctx.Done():
			return
		}
	}
}

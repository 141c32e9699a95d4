package core

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Runtime is the process-wide object graph (§9 "design notes": an
// explicit struct wiring every subsystem together rather than package
// singletons, generalized from core_keep/base_node.go's BaseNode/
// bootstrap_node.go's BootstrapNode lifecycle shape). One Runtime is one
// local node/user: §6's `keys` file holds a single keypair, so the node
// identity the overlay/DHT route on and the user identity the tunneler/
// fabric/boards authenticate as are the same Identifier, derived from
// that one keypair (see user.go).
type Runtime struct {
	cfg Config
	log *logrus.Logger

	addressBook *AddressBook
	user        *User

	store   *BlockStore
	values  *ValueStore
	dht     *DHT
	overlay *OverlayNode

	trust          *TrustGate
	tunneler       *Tunneler
	calls          *CallManager
	fabric         *Fabric
	callerListener *CallerListener
	tracker        *TrackerClient
	connPool       *OverlayConnPool

	mu       sync.Mutex
	handlers map[Identifier]*Handler // node -> handler over its tunnel
}

// NewRuntime constructs every subsystem and wires them together, but
// starts nothing: call Start to open the listener, begin the background
// loops, and dial any configured bootstrap peers.
func NewRuntime(cfg Config, log *logrus.Logger) (*Runtime, error) {
	cfg.ApplyDefaults()
	if log == nil {
		log = logrus.StandardLogger()
	}

	store, err := NewBlockStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("runtime: open block store: %w", err)
	}
	values := NewValueStore(store)

	addressBook := NewAddressBook(cfg.KeysFile)
	user, err := addressBook.Load()
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("runtime: load identity: %w", err)
	}

	dht := NewDHT(user.ID, values)
	overlay := NewOverlayNode(user.ID, dht, cfg.HashAlgorithm())

	trust := NewTrustGate()
	tunneler := NewTunneler(overlay, user.Cert, cfg.RequestTimeout, cfg.IdleTimeout)
	calls := NewCallManager(store, values, overlay, cfg.CallFallbackTimeout)
	fabric := NewFabric(user.ID, values, trust, cfg.HashAlgorithm())
	callerListener := NewCallerListener(user.ID, overlay, tunneler, DefaultBeaconInterval)

	var tracker *TrackerClient
	if cfg.Tracker != "" {
		tracker = NewTrackerClient(cfg.Tracker)
	}

	rt := &Runtime{
		cfg:            cfg,
		log:            log,
		addressBook:    addressBook,
		user:           user,
		store:          store,
		values:         values,
		dht:            dht,
		overlay:        overlay,
		trust:          trust,
		tunneler:       tunneler,
		calls:          calls,
		fabric:         fabric,
		callerListener: callerListener,
		tracker:        tracker,
		connPool:       NewOverlayConnPool(rt_clientTLSConfig(user.Cert), cfg.MaxConnections, cfg.IdleTimeout),
		handlers:       make(map[Identifier]*Handler),
	}

	prevEstablished := tunneler.OnEstablished
	tunneler.OnEstablished = func(t *Tunnel) {
		rt.handleTunnelEstablished(t)
		if prevEstablished != nil {
			prevEstablished(t)
		}
	}
	prevClosed := tunneler.OnClosed
	tunneler.OnClosed = func(t *Tunnel) {
		rt.handleTunnelClosed(t)
		if prevClosed != nil {
			prevClosed(t)
		}
	}

	return rt, nil
}

func rt_clientTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true, // node identity is verified by public-key fingerprint, not CA trust (§3)
	}
}

// handleTunnelEstablished builds a Handler over t's DTLS connection and
// registers it with both the call manager (pull/push) and the pub/sub
// fabric (subscribe/publish), composing their record dispatch.
func (rt *Runtime) handleTunnelEstablished(t *Tunnel) {
	h := NewHandler(t.Conn(), rt.cfg.HashAlgorithm())

	rt.mu.Lock()
	rt.handlers[t.RemoteUser] = h
	rt.mu.Unlock()

	rt.fabric.RegisterHandler(t.RemoteUser, h)
	rt.calls.RegisterHandler(t.RemoteUser, h)

	go func() {
		if err := h.Run(context.Background()); err != nil {
			rt.log.WithError(err).WithField("remote_user", t.RemoteUser).Debug("handler closed")
		}
	}()
}

func (rt *Runtime) handleTunnelClosed(t *Tunnel) {
	rt.mu.Lock()
	h, ok := rt.handlers[t.RemoteUser]
	delete(rt.handlers, t.RemoteUser)
	rt.mu.Unlock()
	if ok {
		_ = h.Close()
	}
	rt.fabric.UnregisterHandler(t.RemoteUser)
	rt.calls.UnregisterHandler(t.RemoteUser)
}

// Start opens the stream and datagram listeners (§4.4's two concurrent
// transport providers), spawns a receive loop per accepted or dialed link
// so inbound frames actually reach the overlay's routing and link-local
// dispatch, begins the background maintenance loops (idle tunnel sweep,
// beacon), and, if a tracker is configured, starts announcing and dialing
// discovered peers (§4.8).
func (rt *Runtime) Start(ctx context.Context) (*StreamListener, error) {
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{rt.user.Cert},
		ClientAuth:   tls.RequireAnyClientCert,
	}
	listener, err := ListenStream(fmt.Sprintf(":%d", rt.cfg.Port), tlsConfig, rt.onAcceptStreamLink, nil)
	if err != nil {
		return nil, fmt.Errorf("runtime: listen: %w", err)
	}
	go func() {
		if err := listener.Serve(ctx); err != nil {
			rt.log.WithError(err).Warn("stream listener stopped")
		}
	}()

	dgListener, err := ListenDatagram(fmt.Sprintf(":%d", rt.cfg.Port), rt.user.Cert)
	if err != nil {
		rt.log.WithError(err).Warn("datagram listener disabled")
	} else {
		go func() {
			if err := dgListener.Serve(ctx, rt.onAcceptDatagramLink); err != nil {
				rt.log.WithError(err).Warn("datagram listener stopped")
			}
		}()
	}

	go rt.tunneler.RunIdleSweeper(ctx)
	go rt.callerListener.RunBeacon(ctx)

	if rt.tracker != nil {
		go rt.tracker.AnnounceLoop(ctx, rt.overlay.Self(), nil, rt.cfg.Port, rt.cfg.MaxConnections-rt.cfg.MinConnections,
			func() bool { return rt.overlay.NeighborCount() < rt.cfg.MinConnections },
			rt.onTrackerCandidates)
	}

	for _, addr := range rt.cfg.BootstrapPeers {
		go rt.dialBootstrapPeer(ctx, addr)
	}

	return listener, nil
}

func (rt *Runtime) onAcceptStreamLink(link *StreamLink) {
	rt.overlay.RegisterLink(link)
	if err := rt.addressBook.RegisterPeer(link.RemoteNode().String(), link.RemoteNode()); err != nil {
		rt.log.WithError(err).Debug("failed to persist accepted peer")
	}
	go link.RunReceiveLoop(rt.overlay, rt.log)
}

func (rt *Runtime) onAcceptDatagramLink(link *DatagramLink) {
	rt.overlay.RegisterLink(link)
	if err := rt.addressBook.RegisterPeer(link.RemoteNode().String(), link.RemoteNode()); err != nil {
		rt.log.WithError(err).Debug("failed to persist accepted peer")
	}
	go link.RunReceiveLoop(rt.overlay, rt.log)
}

func (rt *Runtime) onTrackerCandidates(candidates []Candidate) {
	for _, c := range candidates {
		for _, addr := range c.Addresses {
			go rt.dialBootstrapPeer(context.Background(), addr)
		}
	}
}

func (rt *Runtime) dialBootstrapPeer(ctx context.Context, addr string) {
	link, err := DialStream(ctx, rt.connPool, addr)
	if err != nil {
		rt.log.WithError(err).WithField("addr", addr).Debug("dial peer failed")
		return
	}
	rt.overlay.RegisterLink(link)
	if err := rt.addressBook.RegisterPeer(addr, link.RemoteNode()); err != nil {
		rt.log.WithError(err).Debug("failed to persist dialed peer")
	}
	go link.RunReceiveLoop(rt.overlay, rt.log)
}

// Close tears down every handler this runtime owns and closes the block
// store.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	handlers := make([]*Handler, 0, len(rt.handlers))
	for _, h := range rt.handlers {
		handlers = append(handlers, h)
	}
	rt.mu.Unlock()
	for _, h := range handlers {
		_ = h.Close()
	}
	return rt.store.Close()
}

// User returns the local user identity.
func (rt *Runtime) User() *User { return rt.user }

// Overlay returns the overlay node.
func (rt *Runtime) Overlay() *OverlayNode { return rt.overlay }

// Store returns the block store.
func (rt *Runtime) Store() *BlockStore { return rt.store }

// Fabric returns the pub/sub fabric.
func (rt *Runtime) Fabric() *Fabric { return rt.fabric }

// Tunneler returns the tunneler.
func (rt *Runtime) Tunneler() *Tunneler { return rt.tunneler }

// Calls returns the call manager.
func (rt *Runtime) Calls() *CallManager { return rt.calls }

// Trust returns the trust gate.
func (rt *Runtime) Trust() *TrustGate { return rt.trust }

// CallerListener returns the listener/caller coordinator.
func (rt *Runtime) CallerListener() *CallerListener { return rt.callerListener }

// AddressBookSnapshot returns a copy of the known address -> node id peer
// table (§6's `keys` file), for diagnostics.
func (rt *Runtime) AddressBookSnapshot() map[string]Identifier {
	return rt.addressBook.Peers()
}

// Config returns the runtime's resolved configuration.
func (rt *Runtime) Config() Config { return rt.cfg }

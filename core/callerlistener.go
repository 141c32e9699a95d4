package core

import (
	"context"
	"sync"
	"time"
)

// DefaultBeaconInterval is how often a CallerListener announces its local
// user's location and refreshes lookups for listened remote users (§4.8).
const DefaultBeaconInterval = 10 * time.Second

// ListenerFunc receives connection events for a remote user: seen=true
// the first time a location is found for it in the DHT, connected
// reporting whether a tunnel to it is currently open.
type ListenerFunc func(remote Identifier, seen bool, connected bool)

type listenerEntry struct {
	id uint64
	fn ListenerFunc
}

// CallerListener implements the register_caller/register_listener glue of
// §4.8: register_listener(remote) arms a callback for connection events
// concerning remote and, on a beacon-loop cadence, looks up remote's
// current node location in the DHT and opens a tunnel to it; the local
// user's own location is announced the same way so others' listeners can
// find this node.
type CallerListener struct {
	mu        sync.Mutex
	localUser Identifier
	overlay   *OverlayNode
	tunneler  *Tunneler
	interval  time.Duration

	listeners map[Identifier][]listenerEntry // remote user -> callbacks
	seen      map[Identifier]bool            // remote user -> location ever found
	nextID    uint64
}

// NewCallerListener wires a CallerListener for localUser over overlay and
// tunneler. interval <= 0 uses DefaultBeaconInterval.
func NewCallerListener(localUser Identifier, overlay *OverlayNode, tunneler *Tunneler, interval time.Duration) *CallerListener {
	if interval <= 0 {
		interval = DefaultBeaconInterval
	}
	cl := &CallerListener{
		localUser: localUser,
		overlay:   overlay,
		tunneler:  tunneler,
		interval:  interval,
		listeners: make(map[Identifier][]listenerEntry),
		seen:      make(map[Identifier]bool),
	}
	tunneler.OnEstablished = cl.handleEstablished
	tunneler.OnClosed = cl.handleClosed
	return cl
}

// RegisterListener arms fn for connection events concerning remote,
// synthesizing seen/connected(true) immediately for any tunnel to remote
// that is already open, and returns a function that removes it.
func (cl *CallerListener) RegisterListener(remote Identifier, fn ListenerFunc) (unregister func()) {
	cl.mu.Lock()
	cl.nextID++
	id := cl.nextID
	cl.listeners[remote] = append(cl.listeners[remote], listenerEntry{id: id, fn: fn})
	cl.mu.Unlock()

	if len(cl.tunneler.TunnelsForUser(remote)) > 0 {
		fn(remote, true, true)
	}

	return func() {
		cl.mu.Lock()
		defer cl.mu.Unlock()
		entries := cl.listeners[remote]
		for i, e := range entries {
			if e.id == id {
				cl.listeners[remote] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
		if len(cl.listeners[remote]) == 0 {
			delete(cl.listeners, remote)
		}
	}
}

func (cl *CallerListener) notify(remote Identifier, seen, connected bool) {
	cl.mu.Lock()
	entries := append([]listenerEntry(nil), cl.listeners[remote]...)
	cl.mu.Unlock()
	for _, e := range entries {
		e.fn(remote, seen, connected)
	}
}

func (cl *CallerListener) handleEstablished(t *Tunnel) {
	cl.mu.Lock()
	alreadySeen := cl.seen[t.RemoteUser]
	cl.seen[t.RemoteUser] = true
	cl.mu.Unlock()
	cl.notify(t.RemoteUser, !alreadySeen, true)
}

func (cl *CallerListener) handleClosed(t *Tunnel) {
	cl.notify(t.RemoteUser, false, false)
}

// RunBeacon announces localUser's location and refreshes lookups for
// every remote user with a registered listener, on a ~DefaultBeaconInterval
// cadence (§4.8), until ctx is done.
func (cl *CallerListener) RunBeacon(ctx context.Context) {
	ticker := time.NewTicker(cl.interval)
	defer ticker.Stop()
	for {
		cl.tick(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (cl *CallerListener) tick(ctx context.Context) {
	self := cl.overlay.Self()
	cl.overlay.Store(cl.localUser, self[:])

	cl.mu.Lock()
	remotes := make([]Identifier, 0, len(cl.listeners))
	for remote := range cl.listeners {
		remotes = append(remotes, remote)
	}
	cl.mu.Unlock()

	for _, remote := range remotes {
		cl.lookupAndConnect(ctx, remote)
	}
}

func (cl *CallerListener) lookupAndConnect(ctx context.Context, remote Identifier) {
	if len(cl.tunneler.TunnelsForUser(remote)) > 0 {
		return // already connected; the next disconnect will re-trigger a lookup
	}
	retrieveCtx, cancel := context.WithTimeout(ctx, DefaultRequestTimeout)
	defer cancel()
	locations, err := cl.overlay.Retrieve(retrieveCtx, remote, DefaultRequestTimeout)
	if err != nil || len(locations) == 0 {
		return
	}

	cl.mu.Lock()
	alreadySeen := cl.seen[remote]
	cl.seen[remote] = true
	cl.mu.Unlock()
	if !alreadySeen {
		cl.notify(remote, true, false)
	}

	for _, raw := range locations {
		node, err := IdentifierFromBytes(raw)
		if err != nil {
			continue
		}
		openCtx, cancel := context.WithTimeout(ctx, cl.tunneler.handshakeTimeout)
		t, err := cl.tunneler.Open(openCtx, node)
		cancel()
		if err == nil && t.RemoteUser == remote {
			return // handleEstablished fires the connected(true) event
		}
	}
}

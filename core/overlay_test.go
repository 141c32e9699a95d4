package core

import (
	"context"
	"testing"
	"time"
)

// loopbackLink connects two OverlayNodes in-process, implementing
// OverlayLink without any real transport, so routing and DHT logic can be
// exercised without sockets.
type loopbackLink struct {
	remote Identifier
	peer   *OverlayNode
	self   *OverlayNode
}

func (l *loopbackLink) RemoteNode() Identifier { return l.remote }
func (l *loopbackLink) Close() error           { return nil }
func (l *loopbackLink) Send(msg *OverlayMessage) error {
	if msg.Type.Routable() {
		go l.peer.Send(msg, l.self.Self())
	} else {
		go l.peer.HandleLinkLocal(&loopbackLink{remote: l.self.Self(), peer: l.self, self: l.peer}, msg)
	}
	return nil
}

func newTestNode(t *testing.T) *OverlayNode {
	t.Helper()
	bs := newTestStore(t)
	vs := NewValueStore(bs)
	self, err := RandomIdentifier()
	if err != nil {
		t.Fatalf("random id: %v", err)
	}
	dht := NewDHT(self, vs)
	return NewOverlayNode(self, dht, bs.algo)
}

func connect(a, b *OverlayNode) {
	a.RegisterLink(&loopbackLink{remote: b.Self(), peer: b, self: a})
	b.RegisterLink(&loopbackLink{remote: a.Self(), peer: a, self: b})
}

// TestOverlayAtMostOneHandlerPerNode covers P5.
func TestOverlayAtMostOneHandlerPerNode(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	connect(a, b)
	connect(a, b) // re-registering must replace, not duplicate

	a.mu.RLock()
	defer a.mu.RUnlock()
	count := 0
	for id := range a.handlers {
		if id == b.Self() {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("want exactly 1 handler for b, got %d", count)
	}
}

// TestOverlayDirectDeliver exercises routing when the destination is a
// direct neighbor.
func TestOverlayDirectDeliver(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	connect(a, b)

	received := make(chan []byte, 1)
	b.OnData = func(source Identifier, content []byte) { received <- content }

	msg := &OverlayMessage{
		Version: 1, TTL: DefaultOverlayTTL, Type: MsgData,
		Source: a.Self(), HasSource: true,
		Destination: b.Self(), HasDest: true,
		Content: []byte("hello"),
	}
	if err := a.Send(msg, ZeroIdentifier); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case got := <-received:
		if string(got) != "hello" {
			t.Fatalf("unexpected payload: %s", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for delivery")
	}
}

// TestOverlayThreeHopRouting forms A <-> C <-> B with no direct A-B link
// and checks a routable message reaches B via C.
func TestOverlayThreeHopRouting(t *testing.T) {
	a := newTestNode(t)
	c := newTestNode(t)
	b := newTestNode(t)
	connect(a, c)
	connect(c, b)

	received := make(chan []byte, 1)
	b.OnData = func(source Identifier, content []byte) { received <- content }

	msg := &OverlayMessage{
		Version: 1, TTL: DefaultOverlayTTL, Type: MsgData,
		Source: a.Self(), HasSource: true,
		Destination: b.Self(), HasDest: true,
		Content: []byte("three-hop"),
	}
	if err := a.Send(msg, ZeroIdentifier); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case got := <-received:
		if string(got) != "three-hop" {
			t.Fatalf("unexpected payload: %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for routed delivery")
	}
}

// TestOverlayZeroTTLDropped covers the §8 boundary case.
func TestOverlayZeroTTLDropped(t *testing.T) {
	a := newTestNode(t)
	c := newTestNode(t)
	b := newTestNode(t)
	connect(a, c)
	connect(c, b)

	received := make(chan []byte, 1)
	b.OnData = func(source Identifier, content []byte) { received <- content }

	msg := &OverlayMessage{
		Version: 1, TTL: 0, Type: MsgData,
		Source: a.Self(), HasSource: true,
		Destination: b.Self(), HasDest: true,
		Content: []byte("dropped"),
	}
	_ = a.Send(msg, ZeroIdentifier)
	select {
	case <-received:
		t.Fatalf("zero-TTL message should not be delivered")
	case <-time.After(200 * time.Millisecond):
	}
}

// TestOverlayDHTStoreRetrieve covers P4 in its simplest two-node form.
func TestOverlayDHTStoreRetrieve(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	connect(a, b)

	key := H(HashSHA256, []byte("file"))
	a.Store(key, []byte("file contents"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	values, err := b.Retrieve(ctx, key, time.Second)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(values) != 1 || string(values[0]) != "file contents" {
		t.Fatalf("unexpected retrieve result: %v", values)
	}
}

// TestOverlayPing covers the link-local ping/pong round trip.
func TestOverlayPing(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	connect(a, b)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Ping(ctx, b.Self(), []byte("ping-1"), time.Second); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

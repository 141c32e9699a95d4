package core

import (
	"context"
	"testing"
	"time"
)

type callerListenerEvent struct {
	remote    Identifier
	seen      bool
	connected bool
}

// TestCallerListenerSynthesizesEventsForOpenTunnel covers the
// register_listener immediate-synthesis rule: registering against a
// remote user with an already-open tunnel fires seen/connected(true)
// right away, and tearing the tunnel down fires connected(false).
func TestCallerListenerSynthesizesEventsForOpenTunnel(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	connect(a, b)

	userA, err := NewUser()
	if err != nil {
		t.Fatalf("new user: %v", err)
	}
	userB, err := NewUser()
	if err != nil {
		t.Fatalf("new user: %v", err)
	}

	ta := NewTunneler(a, userA.Cert, 2*time.Second, 150*time.Millisecond)
	tb := NewTunneler(b, userB.Cert, 2*time.Second, 150*time.Millisecond)

	clA := NewCallerListener(userA.ID, a, ta, time.Second)
	_ = NewCallerListener(userB.ID, b, tb, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	clientTun, err := ta.Open(ctx, b.Self())
	if err != nil {
		t.Fatalf("open tunnel: %v", err)
	}
	if clientTun.RemoteUser != userB.ID {
		t.Fatalf("unexpected remote user: got %s want %s", clientTun.RemoteUser, userB.ID)
	}

	events := make(chan callerListenerEvent, 8)
	unregister := clA.RegisterListener(userB.ID, func(remote Identifier, seen, connected bool) {
		events <- callerListenerEvent{remote: remote, seen: seen, connected: connected}
	})
	defer unregister()

	select {
	case ev := <-events:
		if !ev.seen || !ev.connected || ev.remote != userB.ID {
			t.Fatalf("unexpected synthesized event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for synthesized connected event")
	}

	time.Sleep(250 * time.Millisecond) // past idleTimeout
	ta.idleSweep()

	select {
	case ev := <-events:
		if ev.connected {
			t.Fatalf("expected a disconnected event after idle sweep, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for disconnected event")
	}
}

// TestCallerListenerBeaconDiscoversAndConnects covers the §4.8 beacon
// loop: B announces its location under its own user id, A's listener
// tick discovers it via a DHT retrieve and opens a tunnel.
func TestCallerListenerBeaconDiscoversAndConnects(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	connect(a, b)

	userA, err := NewUser()
	if err != nil {
		t.Fatalf("new user: %v", err)
	}
	userB, err := NewUser()
	if err != nil {
		t.Fatalf("new user: %v", err)
	}

	ta := NewTunneler(a, userA.Cert, 2*time.Second, time.Second)
	tb := NewTunneler(b, userB.Cert, 2*time.Second, time.Second)

	clA := NewCallerListener(userA.ID, a, ta, time.Second)
	clB := NewCallerListener(userB.ID, b, tb, time.Second)

	events := make(chan callerListenerEvent, 8)
	unregister := clA.RegisterListener(userB.ID, func(remote Identifier, seen, connected bool) {
		events <- callerListenerEvent{remote: remote, seen: seen, connected: connected}
	})
	defer unregister()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clB.tick(ctx)
	time.Sleep(200 * time.Millisecond) // let the Store fan-out land on A

	clA.tick(ctx)

	select {
	case ev := <-events:
		if !ev.connected || ev.remote != userB.ID {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(4 * time.Second):
		t.Fatalf("timed out waiting for beacon-driven connect")
	}
}
